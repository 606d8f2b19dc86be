package pack

import (
	"bytes"
	"encoding/binary"

	"github.com/gitobjectstore/packclone/object"
)

// Encode reassembles a packfile byte stream from a parsed header
// count, entries (in original order, using each entry's Raw on-disk
// bytes), and trailing pack SHA-1. Because every entry retains its
// exact on-disk span, Encode(Parse(B)) is byte-identical to B for any
// well-formed B, without needing the zlib re-compression of Content
// to reproduce the original compressed bytes exactly.
func Encode(count uint32, entries []*RawEntry, packSHA object.Hash) []byte {
	buf := &bytes.Buffer{}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint32(hdr[4:8], version)
	binary.BigEndian.PutUint32(hdr[8:12], count)
	buf.Write(hdr[:])

	for _, e := range entries {
		buf.Write(e.Raw)
	}

	buf.Write(packSHA.Bytes())

	return buf.Bytes()
}
