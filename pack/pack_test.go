package pack

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitobjectstore/packclone/object"
)

// The helpers below build synthetic, byte-exact packfiles to drive
// the parser against, since the upstream fixture packs this spec
// references are not available in this workspace (see DESIGN.md).

func encodeTypeAndSize(typeID uint8, size int64) []byte {
	b := typeID<<4 | byte(size&0x0f)
	size >>= 4

	out := []byte{}
	if size != 0 {
		out = append(out, b|0x80)
	} else {
		out = append(out, b)
		return out
	}

	for {
		c := byte(size & 0x7f)
		size >>= 7
		if size != 0 {
			out = append(out, c|0x80)
		} else {
			out = append(out, c)
			break
		}
	}

	return out
}

func encodeOfsBackOffset(offset int64) []byte {
	var tmp [10]byte
	pos := len(tmp) - 1
	tmp[pos] = byte(offset & 0x7f)
	offset >>= 7

	for offset != 0 {
		offset--
		pos--
		tmp[pos] = 0x80 | byte(offset&0x7f)
		offset >>= 7
	}

	return append([]byte(nil), tmp[pos:]...)
}

func zlibCompress(t *testing.T, content []byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zlib.NewWriter(buf)
	_, err := w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type entrySpec struct {
	typeID  uint8
	content []byte
	ofsBack int64
	refHash []byte
}

func buildPack(t *testing.T, specs []entrySpec) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint32(hdr[4:8], version)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(specs)))
	buf.Write(hdr[:])

	for _, s := range specs {
		buf.Write(encodeTypeAndSize(s.typeID, int64(len(s.content))))

		switch EntryKind(s.typeID) {
		case EntryOfsDelta:
			buf.Write(encodeOfsBackOffset(s.ofsBack))
		case EntryRefDelta:
			buf.Write(s.refHash)
		}

		buf.Write(zlibCompress(t, s.content))
	}

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])

	return buf.Bytes()
}

func TestParseBaseEntry(t *testing.T) {
	content := []byte("hello world")
	raw := buildPack(t, []entrySpec{{typeID: uint8(EntryBlob), content: content}})

	c := NewCollector()
	packSHA, err := NewParser().Parse(bytes.NewReader(raw), c)
	require.NoError(t, err)
	assert.False(t, packSHA.IsZero())

	require.Len(t, c.Entries, 1)
	e := c.Entries[0]
	assert.Equal(t, EntryBlob, e.Kind)
	assert.Equal(t, content, e.Content)
	assert.Equal(t, int64(0), e.StartOffset)
	assert.NotZero(t, e.CRC32)
}

func TestParseOfsDelta(t *testing.T) {
	base := []byte("the quick brown fox")
	patch := []byte{19, byte(len("the quick brown fox")), 0x91, 19}

	specs := []entrySpec{
		{typeID: uint8(EntryBlob), content: base},
	}
	// Compute the ofs-delta back-offset after laying out the first
	// entry, since it depends on the first entry's on-disk size: the
	// back-offset is the distance from the delta's own start back to
	// the base entry's start, i.e. the base entry's on-disk length
	// (header and trailer excluded, since neither lies between them).
	firstRaw := buildPack(t, specs)
	backOffset := int64(len(firstRaw) - headerSize - object.HashSize)

	specs = append(specs, entrySpec{typeID: uint8(EntryOfsDelta), content: patch, ofsBack: backOffset})
	raw := buildPack(t, specs)

	c := NewCollector()
	_, err := NewParser().Parse(bytes.NewReader(raw), c)
	require.NoError(t, err)
	require.Len(t, c.Entries, 2)

	delta := c.Entries[1]
	assert.Equal(t, EntryOfsDelta, delta.Kind)
	assert.Equal(t, backOffset, delta.OfsBackOffset)
	assert.Equal(t, delta.StartOffset-backOffset, delta.BaseOffset())
	assert.Equal(t, c.Entries[0].StartOffset, delta.BaseOffset())
}

func TestParseRejectsOfsDeltaBackOffsetAtStart(t *testing.T) {
	base := []byte("the quick brown fox")
	patch := []byte{19, byte(len("the quick brown fox")), 0x91, 19}

	specs := []entrySpec{
		{typeID: uint8(EntryBlob), content: base},
	}
	firstRaw := buildPack(t, specs)
	// A back-offset equal to the delta's own start offset resolves to
	// base offset 0, inside the 12-byte pack header and never a legal
	// entry start: spec §4.3 requires back_offset to be strictly less
	// than the current entry's start offset, so this must be rejected
	// rather than silently accepted.
	backOffset := int64(len(firstRaw) - object.HashSize)

	specs = append(specs, entrySpec{typeID: uint8(EntryOfsDelta), content: patch, ofsBack: backOffset})
	raw := buildPack(t, specs)

	_, err := NewParser().Parse(bytes.NewReader(raw), NewCollector())
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MalformedEntry, perr.Kind)
}

func TestParseRefDelta(t *testing.T) {
	baseHash, err := object.FromHex("0123456789abcdef0123456789abcdef0123456")
	require.NoError(t, err)

	patch := []byte{4, 4, byte(0x80 | 4), 1, 2, 3, 4}
	raw := buildPack(t, []entrySpec{
		{typeID: uint8(EntryRefDelta), content: patch, refHash: baseHash.Bytes()},
	})

	c := NewCollector()
	_, err = NewParser().Parse(bytes.NewReader(raw), c)
	require.NoError(t, err)
	require.Len(t, c.Entries, 1)
	assert.Equal(t, baseHash, c.Entries[0].RefBaseHash)
}

func TestParseRejectsBadMagic(t *testing.T) {
	raw := buildPack(t, []entrySpec{{typeID: uint8(EntryBlob), content: []byte("x")}})
	raw[0] = 'X'

	_, err := NewParser().Parse(bytes.NewReader(raw), NewCollector())
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MalformedHeader, perr.Kind)
}

func TestParseRejectsReservedType(t *testing.T) {
	raw := buildPack(t, []entrySpec{{typeID: 5, content: []byte("x")}})

	_, err := NewParser().Parse(bytes.NewReader(raw), NewCollector())
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MalformedEntry, perr.Kind)
}

func TestParseRejectsChecksumMismatch(t *testing.T) {
	raw := buildPack(t, []entrySpec{{typeID: uint8(EntryBlob), content: []byte("x")}})
	raw[len(raw)-1] ^= 0xff

	_, err := NewParser().Parse(bytes.NewReader(raw), NewCollector())
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ChecksumMismatch, perr.Kind)
}

func TestPackRoundTrip(t *testing.T) {
	raw := buildPack(t, []entrySpec{
		{typeID: uint8(EntryBlob), content: []byte("hello world")},
		{typeID: uint8(EntryTree), content: []byte("tree content here")},
	})

	c := NewCollector()
	packSHA, err := NewParser().Parse(bytes.NewReader(raw), c)
	require.NoError(t, err)

	got := Encode(c.Count, c.Entries, packSHA)
	assert.Equal(t, raw, got)
}
