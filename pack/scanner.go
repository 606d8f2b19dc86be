package pack

import (
	"bytes"
	"encoding/binary"
	"hash"
	"io"

	"github.com/pjbgf/sha1cd"

	"github.com/gitobjectstore/packclone/object"
	binutil "github.com/gitobjectstore/packclone/utils/binary"
	zlibutil "github.com/gitobjectstore/packclone/utils/sync"
)

// magic is the 4-byte "PACK" signature every packfile starts with.
const magic = 0x5041434b

// version is the only packfile version this parser accepts.
const version = 2

// headerSize is the width, in bytes, of the 12-byte pack header.
const headerSize = 12

// trailerSize is the width, in bytes, of the trailing pack SHA-1.
const trailerSize = object.HashSize

// state names the Parser's position in the
// Init → ParseHeader → [N × (EntryHeader → EntryBody)] → Trailer → End
// state machine. It exists primarily to document the shape demanded
// by the streaming contract; this implementation drives all states
// in one Parse call, relying on the underlying io.Reader to supply
// its own suspension (an HTTP response body blocks on Read exactly
// the way a hand-rolled suspend/resume state would).
type state int

const (
	stateInit state = iota
	stateHeader
	stateEntryHeader
	stateEntryBody
	stateTrailer
	stateEnd
)

// trackingReader wraps the packfile's byte source, accumulating an
// overall SHA-1 over every byte consumed (for the trailer check) and,
// between beginEntry/entryCRC calls, a CRC-32 plus a verbatim copy of
// the bytes belonging to the entry currently being parsed.
type trackingReader struct {
	r   io.Reader
	sha hash.Hash
	crc hash.Hash32
	raw *bytes.Buffer
	pos int64
}

func newTrackingReader(r io.Reader) *trackingReader {
	return &trackingReader{r: r, sha: sha1cd.New(), crc: newCRC32()}
}

func (t *trackingReader) beginEntry() {
	t.crc.Reset()
	t.raw = &bytes.Buffer{}
}

func (t *trackingReader) entryCRC() uint32 { return t.crc.Sum32() }
func (t *trackingReader) entryRaw() []byte { return t.raw.Bytes() }

func (t *trackingReader) track(p []byte) {
	t.sha.Write(p)
	t.crc.Write(p)
	if t.raw != nil {
		t.raw.Write(p)
	}
	t.pos += int64(len(p))
}

// Read implements io.Reader.
func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.track(p[:n])
	}
	return n, err
}

// ReadByte implements io.ByteReader so zlib's flate decoder reads
// exactly the bytes it needs and never over-reads into the next
// entry: compress/flate only wraps its input in a bufio.Reader when
// that input does not already implement io.ByteReader.
func (t *trackingReader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := io.ReadFull(t.r, b[:])
	if n > 0 {
		t.track(b[:n])
	}
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Parser drives a packfile byte stream through a Builder.
type Parser struct{}

// NewParser returns a Parser. Parsers are stateless and safe to
// reuse, since all state lives in the Parse call's trackingReader.
func NewParser() *Parser { return &Parser{} }

// Parse reads a version-2 packfile from r, delivering its header,
// each entry, and its trailer to b in packfile order. It returns the
// trailing pack SHA-1.
func (p *Parser) Parse(r io.Reader, b Builder) (object.Hash, error) {
	t := newTrackingReader(r)

	// state tracks the machine's current phase purely for clarity;
	// this single-shot Parse drives it straight through to stateEnd,
	// relying on r's own blocking Read to provide suspension.
	state := stateHeader

	count, err := p.readHeader(t)
	if err != nil {
		return object.ZeroHash, err
	}
	if err := b.OnHeader(count); err != nil {
		return object.ZeroHash, err
	}

	state = stateEntryHeader
	for i := uint32(0); i < count; i++ {
		entry, err := p.readEntry(t)
		if err != nil {
			return object.ZeroHash, err
		}
		if err := b.OnEntry(entry); err != nil {
			return object.ZeroHash, err
		}
	}

	state = stateTrailer
	computed := t.sha.Sum(nil)

	var trailer [trailerSize]byte
	if _, err := io.ReadFull(t.r, trailer[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return object.ZeroHash, NewError(Cancelled, "truncated before trailer", err)
		}
		return object.ZeroHash, NewError(MalformedHeader, "reading trailer", err)
	}

	if !bytes.Equal(computed, trailer[:]) {
		return object.ZeroHash, NewError(ChecksumMismatch, "pack trailer does not match computed SHA-1", nil)
	}

	packSHA, _ := object.FromBytes(trailer[:])
	if err := b.OnFooter(packSHA); err != nil {
		return object.ZeroHash, err
	}

	state = stateEnd
	_ = state

	return packSHA, nil
}

// ParseEntryAt decodes exactly one entry starting at offset within
// raw, for a Pack Reader's "lookup by offset" path: it re-decodes
// directly from the raw packfile bytes rather than consulting any
// cached parse state, as spec'd for GetByOffset.
func (p *Parser) ParseEntryAt(raw []byte, offset int64) (*RawEntry, error) {
	if offset < 0 || offset >= int64(len(raw)) {
		return nil, NewError(MalformedEntry, "offset out of range", nil)
	}

	t := newTrackingReader(bytes.NewReader(raw[offset:]))
	t.pos = offset

	return p.readEntry(t)
}

// readHeader consumes and validates the 12-byte pack header, returning
// the declared entry count.
func (p *Parser) readHeader(t *trackingReader) (uint32, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(t, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, NewError(Cancelled, "empty input", err)
		}
		return 0, NewError(MalformedHeader, "truncated pack header", err)
	}

	gotMagic := binary.BigEndian.Uint32(hdr[0:4])
	if gotMagic != magic {
		return 0, NewError(MalformedHeader, "bad magic", nil)
	}

	gotVersion := binary.BigEndian.Uint32(hdr[4:8])
	if gotVersion != version {
		return 0, NewError(MalformedHeader, "unsupported version", nil)
	}

	return binary.BigEndian.Uint32(hdr[8:12]), nil
}

// readEntry decodes exactly one entry, including its trailing zlib
// stream, starting at the tracking reader's current position.
func (p *Parser) readEntry(t *trackingReader) (*RawEntry, error) {
	start := t.pos
	t.beginEntry()

	kindBits, size, err := readTypeAndSize(t)
	if err != nil {
		return nil, err
	}

	kind := EntryKind(kindBits)
	if !kind.Valid() {
		return nil, NewError(MalformedEntry, "reserved or out-of-range type id", nil)
	}

	entry := &RawEntry{Kind: kind, StartOffset: start, Size: size}

	switch kind {
	case EntryOfsDelta:
		back, err := binutil.ReadVariableWidthInt(t)
		if err != nil {
			return nil, NewError(MalformedEntry, "truncated ofs-delta back-offset", err)
		}
		if back <= 0 || back >= start {
			return nil, NewError(MalformedEntry, "ofs-delta back-offset out of range", nil)
		}
		entry.OfsBackOffset = back

	case EntryRefDelta:
		var raw [object.HashSize]byte
		if _, err := io.ReadFull(t, raw[:]); err != nil {
			return nil, NewError(MalformedEntry, "truncated ref-delta base hash", err)
		}
		entry.RefBaseHash, _ = object.FromBytes(raw[:])
	}

	content, err := inflate(t, size)
	if err != nil {
		return nil, err
	}
	entry.Content = content
	entry.CRC32 = t.entryCRC()
	entry.Raw = append([]byte(nil), t.entryRaw()...)

	return entry, nil
}

// readTypeAndSize decodes the per-entry type+size varint: the first
// byte's bits 6..4 are the type id, its low 4 bits the lowest 4 bits
// of the uncompressed size; each continuation byte (while its high
// bit is set) contributes 7 more size bits, shifted by 4+7*(k-1).
func readTypeAndSize(t *trackingReader) (typeID uint8, size int64, err error) {
	b, err := t.ReadByte()
	if err != nil {
		return 0, 0, NewError(MalformedEntry, "truncated entry header", err)
	}

	typeID = (b >> 4) & 0x07
	size = int64(b & 0x0f)
	shift := uint(4)

	for b&0x80 != 0 {
		b, err = t.ReadByte()
		if err != nil {
			return 0, 0, NewError(MalformedEntry, "truncated entry header", err)
		}
		size |= int64(b&0x7f) << shift
		shift += 7
	}

	return typeID, size, nil
}

// inflate decompresses exactly one zlib stream from t, failing if the
// decompressed length disagrees with the asserted size. The decoder
// itself is drawn from a sync.Pool (utils/sync.GetZlibReader) since a
// clone walks thousands of entries per pack and a fresh zlib.Reader
// per entry is the single largest allocator in that loop.
func inflate(t *trackingReader, size int64) ([]byte, error) {
	zr, err := zlibutil.GetZlibReader(t)
	if err != nil {
		return nil, NewError(MalformedEntry, "zlib stream error", err)
	}
	defer zlibutil.PutZlibReader(zr)

	content, err := io.ReadAll(zr)
	if err != nil {
		return nil, NewError(MalformedEntry, "zlib decode failed", err)
	}
	_ = zr.Close()

	if int64(len(content)) != size {
		return nil, NewError(MalformedEntry, "decompressed size does not match header", nil)
	}

	return content, nil
}
