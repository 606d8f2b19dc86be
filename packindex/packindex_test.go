package packindex

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitobjectstore/packclone/object"
	"github.com/gitobjectstore/packclone/pack"
)

// buildRawPack constructs a byte-exact synthetic packfile, since the
// upstream fixture packs this spec references are unavailable here
// (see DESIGN.md). It mirrors pack_test.go's helpers, duplicated in
// this package to avoid exporting test-only encoders from pack.

func encodeTypeAndSize(typeID uint8, size int64) []byte {
	b := typeID<<4 | byte(size&0x0f)
	size >>= 4

	out := []byte{}
	if size == 0 {
		return append(out, b)
	}
	out = append(out, b|0x80)

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

func encodeDeltaSize(buf *bytes.Buffer, v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

// buildOfsDelta constructs a delta program that copies the whole
// source and appends suffix, expressed as a copy command followed by
// an insert command.
func buildOfsDelta(sourceLen int64, suffix []byte) []byte {
	buf := &bytes.Buffer{}
	encodeDeltaSize(buf, sourceLen)
	encodeDeltaSize(buf, sourceLen+int64(len(suffix)))

	cmd := byte(0x80) // copy, offset absent (0), length byte present
	cmd |= 0x10
	buf.WriteByte(cmd)
	buf.WriteByte(byte(sourceLen))

	buf.WriteByte(byte(len(suffix)))
	buf.Write(suffix)

	return buf.Bytes()
}

func zlibCompress(t *testing.T, content []byte) []byte {
	t.Helper()
	b := &bytes.Buffer{}
	w := zlib.NewWriter(b)
	_, err := w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return b.Bytes()
}

type rawEntrySpec struct {
	typeID  uint8
	content []byte
	ofsBack int64
	refHash []byte
}

func buildRawPack(t *testing.T, specs []rawEntrySpec) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], 0x5041434b)
	binary.BigEndian.PutUint32(hdr[4:8], 2)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(specs)))
	buf.Write(hdr[:])

	for _, s := range specs {
		buf.Write(encodeTypeAndSize(s.typeID, int64(len(s.content))))

		switch pack.EntryKind(s.typeID) {
		case pack.EntryOfsDelta:
			buf.Write(encodeOfsBackOffset(s.ofsBack))
		case pack.EntryRefDelta:
			buf.Write(s.refHash)
		}

		buf.Write(zlibCompress(t, s.content))
	}

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])

	return buf.Bytes()
}

func TestReaderResolvesBaseObject(t *testing.T) {
	content := []byte("hello world")
	raw := buildRawPack(t, []rawEntrySpec{{typeID: uint8(pack.EntryBlob), content: content}})

	r, err := NewReader(raw)
	require.NoError(t, err)

	obj := object.New(object.Blob, content)
	got, err := r.Get(obj.Hash())
	require.NoError(t, err)
	assert.Equal(t, content, got.Content())
}

func TestReaderResolvesOfsDeltaChain(t *testing.T) {
	base := []byte("the quick brown fox")
	suffix := []byte(" jumps")

	firstRaw := buildRawPack(t, []rawEntrySpec{{typeID: uint8(pack.EntryBlob), content: base}})
	// The back-offset is the distance from the delta's own start back
	// to the base entry's start, i.e. the base entry's on-disk length
	// (the pack header and trailer lie on either side of it, not
	// between the two entries, so both are excluded here).
	const packHeaderSize = 12
	backOffset := int64(len(firstRaw) - packHeaderSize - object.HashSize)

	patch := buildOfsDelta(int64(len(base)), suffix)

	raw := buildRawPack(t, []rawEntrySpec{
		{typeID: uint8(pack.EntryBlob), content: base},
		{typeID: uint8(pack.EntryOfsDelta), content: patch, ofsBack: backOffset},
	})

	r, err := NewReader(raw)
	require.NoError(t, err)

	want := append(append([]byte(nil), base...), suffix...)
	wantHash := object.New(object.Blob, want).Hash()

	got, err := r.Get(wantHash)
	require.NoError(t, err)
	assert.Equal(t, want, got.Content())
	assert.Equal(t, object.Blob, got.Kind())
}

func TestReaderMissingRefDeltaBase(t *testing.T) {
	missingHash, err := object.FromHex("0123456789abcdef0123456789abcdef0123456")
	require.NoError(t, err)

	patch := buildOfsDelta(4, []byte("x"))
	raw := buildRawPack(t, []rawEntrySpec{
		{typeID: uint8(pack.EntryRefDelta), content: patch, refHash: missingHash.Bytes()},
	})

	_, err = NewReader(raw)
	require.Error(t, err)
	var perr *pack.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pack.MissingBase, perr.Kind)
}

func TestReaderRefDeltaResolvedViaLooseCallback(t *testing.T) {
	base := []byte("abcdefgh")
	baseObj := object.New(object.Blob, base)

	patch := buildOfsDelta(int64(len(base)), []byte("!"))
	raw := buildRawPack(t, []rawEntrySpec{
		{typeID: uint8(pack.EntryRefDelta), content: patch, refHash: baseObj.Hash().Bytes()},
	})

	r, err := NewReader(raw, WithLooseResolver(func(h object.Hash) (*object.Object, error) {
		if h == baseObj.Hash() {
			return baseObj, nil
		}
		return nil, nil
	}))
	require.NoError(t, err)

	want := append(append([]byte(nil), base...), '!')
	got, err := r.Get(object.New(object.Blob, want).Hash())
	require.NoError(t, err)
	assert.Equal(t, want, got.Content())
}

func TestIndexEncodeDecodeRoundTrip(t *testing.T) {
	content := []byte("hello world")
	raw := buildRawPack(t, []rawEntrySpec{{typeID: uint8(pack.EntryBlob), content: content}})

	r, err := NewReader(raw)
	require.NoError(t, err)

	encoded := Encode(r.Index())
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	reencoded := Encode(decoded)
	assert.Equal(t, encoded, reencoded)
}

func TestIndexFanoutConsistency(t *testing.T) {
	raw := buildRawPack(t, []rawEntrySpec{
		{typeID: uint8(pack.EntryBlob), content: []byte("one")},
		{typeID: uint8(pack.EntryTree), content: []byte("two tree content")},
		{typeID: uint8(pack.EntryCommit), content: []byte("three commit content")},
	})

	r, err := NewReader(raw)
	require.NoError(t, err)
	idx := r.Index()

	for b := 0; b < 256; b++ {
		var want uint32
		for _, h := range idx.Hashes {
			if h[0] <= byte(b) {
				want++
			}
		}
		assert.Equal(t, want, idx.Fanout[b], "fanout mismatch at byte %d", b)
	}
}

func TestIndexFindCorrectness(t *testing.T) {
	raw := buildRawPack(t, []rawEntrySpec{
		{typeID: uint8(pack.EntryBlob), content: []byte("one")},
		{typeID: uint8(pack.EntryTree), content: []byte("two tree content")},
	})

	r, err := NewReader(raw)
	require.NoError(t, err)
	idx := r.Index()

	for i := 0; i < idx.Len(); i++ {
		e := idx.EntryAt(i)
		offset, ok := idx.Find(e.Hash)
		require.True(t, ok)
		assert.Equal(t, e.Offset, offset)
	}

	missing, err := object.FromHex("abcdefabcdefabcdefabcdefabcdefabcdefabcd")
	require.NoError(t, err)
	_, ok := idx.Find(missing)
	assert.False(t, ok)
}
