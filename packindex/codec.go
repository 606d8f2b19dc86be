package packindex

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pjbgf/sha1cd"

	"github.com/gitobjectstore/packclone/object"
	"github.com/gitobjectstore/packclone/pack"
)

// idxMagic is the 4-byte signature every v2 .idx file starts with.
var idxMagic = [4]byte{0xff, 't', 'O', 'c'}

// idxVersion is the only .idx version this codec supports.
const idxVersion = 2

// Encode serializes idx to the on-disk v2 format: magic, version,
// 256-entry fanout, N hashes, N CRCs, N offsets, pack SHA-1, then the
// index's own trailing SHA-1 over everything preceding it.
func Encode(idx *MemoryIndex) []byte {
	buf := &bytes.Buffer{}
	buf.Write(idxMagic[:])

	var versionBuf [4]byte
	binary.BigEndian.PutUint32(versionBuf[:], idxVersion)
	buf.Write(versionBuf[:])

	for _, f := range idx.Fanout {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], f)
		buf.Write(b[:])
	}

	for _, h := range idx.Hashes {
		buf.Write(h.Bytes())
	}

	for _, c := range idx.CRCs {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], c)
		buf.Write(b[:])
	}

	for _, o := range idx.Offsets {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(o))
		buf.Write(b[:])
	}

	buf.Write(idx.PackSHA.Bytes())

	h := sha1cd.New()
	h.Write(buf.Bytes())
	buf.Write(h.Sum(nil))

	return buf.Bytes()
}

// Decode parses the on-disk v2 .idx format back into a MemoryIndex,
// validating the magic, version, fanout monotonicity, and the
// trailing self-hash.
func Decode(raw []byte) (*MemoryIndex, error) {
	if len(raw) < 4+4+256*4+object.HashSize*2 {
		return nil, pack.NewError(pack.MalformedHeader, "index too short", nil)
	}

	selfHashStart := len(raw) - object.HashSize
	computed := sha1cd.New()
	computed.Write(raw[:selfHashStart])
	if !bytes.Equal(computed.Sum(nil), raw[selfHashStart:]) {
		return nil, pack.NewError(pack.ChecksumMismatch, "index self-hash mismatch", nil)
	}

	r := bytes.NewReader(raw)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, pack.NewError(pack.MalformedHeader, "truncated index magic", err)
	}
	if magic != idxMagic {
		return nil, pack.NewError(pack.MalformedHeader, "bad index magic", nil)
	}

	var versionBuf [4]byte
	if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
		return nil, pack.NewError(pack.MalformedHeader, "truncated index version", err)
	}
	if binary.BigEndian.Uint32(versionBuf[:]) != idxVersion {
		return nil, pack.NewError(pack.MalformedHeader, "unsupported index version", nil)
	}

	idx := &MemoryIndex{}
	for i := 0; i < 256; i++ {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, pack.NewError(pack.MalformedHeader, "truncated fanout", err)
		}
		idx.Fanout[i] = binary.BigEndian.Uint32(b[:])
	}

	n := int(idx.Fanout[255])
	for i := 1; i < 256; i++ {
		if idx.Fanout[i] < idx.Fanout[i-1] {
			return nil, pack.NewError(pack.MalformedHeader, "non-monotonic fanout", nil)
		}
	}

	idx.Hashes = make([]object.Hash, n)
	for i := 0; i < n; i++ {
		var h [object.HashSize]byte
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return nil, pack.NewError(pack.MalformedHeader, "truncated hash table", err)
		}
		idx.Hashes[i], _ = object.FromBytes(h[:])
	}

	idx.CRCs = make([]uint32, n)
	for i := 0; i < n; i++ {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, pack.NewError(pack.MalformedHeader, "truncated crc table", err)
		}
		idx.CRCs[i] = binary.BigEndian.Uint32(b[:])
	}

	idx.Offsets = make([]int64, n)
	for i := 0; i < n; i++ {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, pack.NewError(pack.MalformedHeader, "truncated offset table", err)
		}
		idx.Offsets[i] = int64(binary.BigEndian.Uint32(b[:]))
	}

	var packSHA [object.HashSize]byte
	if _, err := io.ReadFull(r, packSHA[:]); err != nil {
		return nil, pack.NewError(pack.MalformedHeader, "truncated pack sha", err)
	}
	idx.PackSHA, _ = object.FromBytes(packSHA[:])

	return idx, nil
}
