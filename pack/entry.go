package pack

import "github.com/gitobjectstore/packclone/object"

// EntryKind is the packfile wire type id stored in an entry's
// type+size varint header. The base kinds share their numeric value
// with object.Kind; OfsDelta and RefDelta have no object.Kind
// counterpart since they are patches, not self-contained objects.
type EntryKind uint8

const (
	EntryCommit   = EntryKind(object.Commit)
	EntryTree     = EntryKind(object.Tree)
	EntryBlob     = EntryKind(object.Blob)
	EntryTag      = EntryKind(object.Tag)
	EntryOfsDelta EntryKind = 6
	EntryRefDelta EntryKind = 7
)

// Valid reports whether k is one of the six wire type ids the format
// defines. 0 and 5 are reserved; anything above 7 is out of range.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryCommit, EntryTree, EntryBlob, EntryTag, EntryOfsDelta, EntryRefDelta:
		return true
	default:
		return false
	}
}

// IsDelta reports whether k is one of the two delta wire types.
func (k EntryKind) IsDelta() bool {
	return k == EntryOfsDelta || k == EntryRefDelta
}

// IsBase reports whether k is one of the four self-contained object
// wire types.
func (k EntryKind) IsBase() bool {
	switch k {
	case EntryCommit, EntryTree, EntryBlob, EntryTag:
		return true
	default:
		return false
	}
}

// AsObjectKind converts a base EntryKind to its object.Kind. Callers
// must check IsBase first; it panics on a delta kind.
func (k EntryKind) AsObjectKind() object.Kind {
	if !k.IsBase() {
		panic("pack: AsObjectKind called on a delta entry kind")
	}
	return object.Kind(k)
}

// RawEntry is one parsed packfile entry: its wire type, position,
// checksum, and decompressed payload, tagged with whichever of the
// delta back-reference fields apply to its Kind.
type RawEntry struct {
	Kind EntryKind

	// StartOffset is this entry's byte offset from the start of the
	// packfile (the first byte of its type+size header).
	StartOffset int64

	// CRC32 is the CRC-32/IEEE of the entry's on-disk bytes, from the
	// first header byte through the last byte of its zlib stream.
	CRC32 uint32

	// Size is the uncompressed size asserted by the type+size
	// varint. For a base entry this is len(Content); for a delta
	// entry it is the size of the (still-encoded) patch_bytes, not
	// the eventual target size the patch itself declares.
	Size int64

	// Content is the fully decompressed entry body: object content
	// for a base entry, patch_bytes for a delta entry.
	Content []byte

	// Raw is the exact on-disk bytes this entry occupies (header
	// through the end of its zlib stream), the same span CRC32 is
	// computed over. It lets the pack be re-encoded byte-identically
	// without needing a deterministic re-compression of Content.
	Raw []byte

	// OfsBackOffset is valid when Kind == EntryOfsDelta: the base is
	// the entry starting OfsBackOffset bytes before StartOffset.
	OfsBackOffset int64

	// RefBaseHash is valid when Kind == EntryRefDelta: the base is
	// the object with this hash.
	RefBaseHash object.Hash
}

// BaseOffset returns the absolute offset of e's OfsDelta base. It
// must only be called when Kind == EntryOfsDelta.
func (e *RawEntry) BaseOffset() int64 {
	return e.StartOffset - e.OfsBackOffset
}

// Builder receives the output of a Parser pass. A pack is parsed
// exactly once per Builder; OnHeader is called first, then OnEntry
// once per entry in packfile order, then OnFooter. Any error returned
// aborts the parse.
type Builder interface {
	OnHeader(count uint32) error
	OnEntry(e *RawEntry) error
	OnFooter(packSHA object.Hash) error
}

// Collector is a Builder that gathers every entry into memory. It is
// the Builder packindex.NewReader uses, and is handy directly in
// tests that just want the parsed entries.
type Collector struct {
	Count   uint32
	Entries []*RawEntry
	PackSHA object.Hash
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector { return &Collector{} }

func (c *Collector) OnHeader(count uint32) error {
	c.Count = count
	c.Entries = make([]*RawEntry, 0, count)
	return nil
}

func (c *Collector) OnEntry(e *RawEntry) error {
	c.Entries = append(c.Entries, e)
	return nil
}

func (c *Collector) OnFooter(packSHA object.Hash) error {
	c.PackSHA = packSHA
	return nil
}
