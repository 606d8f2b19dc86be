// Package packindex builds and reads the fanout/hash/offset/CRC index
// for a parsed packfile, and resolves delta chains into fully
// reconstructed objects.
package packindex

import (
	"sort"

	"github.com/gitobjectstore/packclone/object"
)

// Triple is one (hash, offset, crc) row of the index, before sorting.
type Triple struct {
	Hash   object.Hash
	Offset int64
	CRC32  uint32
}

// MemoryIndex is the in-memory form of a packfile's .idx: four
// parallel arrays sorted by hash ascending, plus the 256-entry fanout
// table.
type MemoryIndex struct {
	Fanout  [256]uint32
	Hashes  []object.Hash
	Offsets []int64
	CRCs    []uint32
	PackSHA object.Hash
}

// NewMemoryIndex sorts triples by hash and builds the fanout table
// over them.
func NewMemoryIndex(triples []Triple, packSHA object.Hash) *MemoryIndex {
	sorted := append([]Triple(nil), triples...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Hash.Less(sorted[j].Hash)
	})

	idx := &MemoryIndex{
		Hashes:  make([]object.Hash, len(sorted)),
		Offsets: make([]int64, len(sorted)),
		CRCs:    make([]uint32, len(sorted)),
		PackSHA: packSHA,
	}

	for i, t := range sorted {
		idx.Hashes[i] = t.Hash
		idx.Offsets[i] = t.Offset
		idx.CRCs[i] = t.CRC32
	}

	var b int
	for i := range idx.Hashes {
		for b < 256 && idx.Hashes[i][0] > byte(b) {
			idx.Fanout[b] = uint32(i)
			b++
		}
	}
	for ; b < 256; b++ {
		idx.Fanout[b] = uint32(len(idx.Hashes))
	}

	return idx
}

// Len returns the number of entries in the index.
func (idx *MemoryIndex) Len() int { return len(idx.Hashes) }

// fanoutRange returns [start, end) over Hashes for hashes whose first
// byte equals b.
func (idx *MemoryIndex) fanoutRange(b byte) (start, end int) {
	if b == 0 {
		return 0, int(idx.Fanout[0])
	}
	return int(idx.Fanout[b-1]), int(idx.Fanout[b])
}

// Find returns the offset registered for sha, restricting the search
// to the fanout-bounded slice before binary-searching it.
func (idx *MemoryIndex) Find(sha object.Hash) (int64, bool) {
	start, end := idx.fanoutRange(sha[0])
	slice := idx.Hashes[start:end]

	i := sort.Search(len(slice), func(i int) bool {
		return !slice[i].Less(sha)
	})

	if i < len(slice) && slice[i] == sha {
		return idx.Offsets[start+i], true
	}
	return 0, false
}

// CRCFor returns the stored CRC-32 for sha.
func (idx *MemoryIndex) CRCFor(sha object.Hash) (uint32, bool) {
	start, end := idx.fanoutRange(sha[0])
	slice := idx.Hashes[start:end]

	i := sort.Search(len(slice), func(i int) bool {
		return !slice[i].Less(sha)
	})

	if i < len(slice) && slice[i] == sha {
		return idx.CRCs[start+i], true
	}
	return 0, false
}

// EntryAt returns the (hash, offset, crc) row at the given index,
// valid for i in [0, Len()).
func (idx *MemoryIndex) EntryAt(i int) Triple {
	return Triple{Hash: idx.Hashes[i], Offset: idx.Offsets[i], CRC32: idx.CRCs[i]}
}
