package packindex

import (
	"bytes"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/gitobjectstore/packclone/delta"
	"github.com/gitobjectstore/packclone/object"
	"github.com/gitobjectstore/packclone/object/cache"
	"github.com/gitobjectstore/packclone/pack"
)

// DefaultMaxChainDepth bounds delta-chain resolution; it is generous
// enough for any real-world pack while still catching a cyclic chain
// in bounded time.
const DefaultMaxChainDepth = 50

// LooseResolver is the external collaborator a Reader consults when
// a RefDelta's base hash is not present in this pack. It mirrors the
// on-disk store's read-back interface; a nil resolver simply means
// "no fallback available".
type LooseResolver func(hash object.Hash) (*object.Object, error)

// Reader owns a packfile's raw bytes and its built MemoryIndex, and
// resolves delta chains into fully reconstructed objects on demand.
type Reader struct {
	raw      []byte
	parser   *pack.Parser
	index    *MemoryIndex
	maxDepth int
	resolve  LooseResolver

	entriesByOffset map[int64]*pack.RawEntry

	objects    *cache.ObjectLRU
	offsetHash *cache.OffsetCache
	offsetTree *treemap.Map
}

// Option configures NewReader.
type Option func(*Reader)

// WithMaxChainDepth overrides DefaultMaxChainDepth.
func WithMaxChainDepth(n int) Option {
	return func(r *Reader) { r.maxDepth = n }
}

// WithLooseResolver registers the loose-object fallback consulted
// when a RefDelta's base is missing from this pack.
func WithLooseResolver(f LooseResolver) Option {
	return func(r *Reader) { r.resolve = f }
}

// WithObjectCache overrides the default-sized resolved-object LRU.
func WithObjectCache(c *cache.ObjectLRU) Option {
	return func(r *Reader) { r.objects = c }
}

// NewReader parses raw as a packfile and resolves every entry into a
// fully reconstructed object, building the MemoryIndex from the
// resulting (hash, offset, crc) triples.
func NewReader(raw []byte, opts ...Option) (*Reader, error) {
	r := &Reader{
		raw:             raw,
		parser:          pack.NewParser(),
		maxDepth:        DefaultMaxChainDepth,
		entriesByOffset: map[int64]*pack.RawEntry{},
		objects:         cache.NewObjectLRUDefault(),
		offsetTree:      treemap.NewWith(int64Comparator),
	}
	for _, opt := range opts {
		opt(r)
	}

	c := pack.NewCollector()
	packSHA, err := r.parser.Parse(bytes.NewReader(raw), c)
	if err != nil {
		return nil, err
	}

	r.offsetHash = cache.NewOffsetCache(len(c.Entries)*2 + 16)

	order := make([]*pack.RawEntry, len(c.Entries))
	copy(order, c.Entries)
	for _, e := range order {
		r.entriesByOffset[e.StartOffset] = e
		r.offsetTree.Put(e.StartOffset, e)
	}

	// building retains every object resolved during this fixed-point
	// pass unconditionally, unlike the byte-budget-evicting ObjectLRU:
	// index construction must resolve every entry (spec §4.4 step 2),
	// and an eviction mid-build would strand an already-resolved base
	// a later delta still needs, failing the build on a perfectly
	// valid pack. The teacher's own decoder (formats/packfile/decoder.go)
	// keeps every resolved object reachable for the whole decode the
	// same way. ObjectLRU is populated afterward, once the index is
	// built, so it only ever serves as a Get/GetByOffset read cache
	// where an eviction just means a slower re-decode.
	building := map[int64]*object.Object{}
	hashToOffset := map[object.Hash]int64{}

	for _, e := range order {
		if e.Kind.IsBase() {
			obj := object.New(e.Kind.AsObjectKind(), e.Content)
			building[e.StartOffset] = obj
			hashToOffset[obj.Hash()] = e.StartOffset
		}
	}

	pending := map[int64]*pack.RawEntry{}
	for _, e := range order {
		if !e.Kind.IsBase() {
			pending[e.StartOffset] = e
		}
	}

	for depth := 0; depth < r.maxDepth && len(pending) > 0; depth++ {
		progressed := false

		for offset, e := range pending {
			baseObj, ok := lookupBuildingBase(e, hashToOffset, building)
			if !ok {
				continue
			}

			content, perr := delta.Patch(baseObj.Content(), e.Content)
			if perr != nil {
				return nil, pack.NewError(pack.BadDelta, perr.Error(), perr)
			}

			obj := object.New(baseObj.Kind(), content)
			building[offset] = obj
			hashToOffset[obj.Hash()] = offset
			delete(pending, offset)
			progressed = true
		}

		if !progressed {
			break
		}
	}

	for offset, e := range pending {
		if e.Kind == pack.EntryRefDelta && r.resolve != nil {
			baseObj, err := r.resolve(e.RefBaseHash)
			if err == nil && baseObj != nil {
				content, perr := delta.Patch(baseObj.Content(), e.Content)
				if perr != nil {
					return nil, pack.NewError(pack.BadDelta, perr.Error(), perr)
				}
				obj := object.New(baseObj.Kind(), content)
				building[offset] = obj
				hashToOffset[obj.Hash()] = offset
				delete(pending, offset)
			}
		}
	}

	if len(pending) > 0 {
		for _, e := range pending {
			if e.Kind == pack.EntryRefDelta {
				return nil, pack.NewError(pack.MissingBase, e.RefBaseHash.String(), nil)
			}
		}
		return nil, pack.NewError(pack.MalformedEntry, "delta chain too long or cyclic", nil)
	}

	triples := make([]Triple, 0, len(order))
	for _, e := range order {
		obj := building[e.StartOffset]
		triples = append(triples, Triple{Hash: obj.Hash(), Offset: e.StartOffset, CRC32: e.CRC32})
	}

	r.index = NewMemoryIndex(triples, packSHA)

	for _, e := range order {
		r.memoize(e, building[e.StartOffset])
	}

	return r, nil
}

// lookupBuildingBase returns the already-resolved base object for a
// pending delta entry out of the construction pass's unevicting
// building map, if its base has been resolved yet.
func lookupBuildingBase(e *pack.RawEntry, hashToOffset map[object.Hash]int64, building map[int64]*object.Object) (*object.Object, bool) {
	switch e.Kind {
	case pack.EntryOfsDelta:
		obj, ok := building[e.BaseOffset()]
		return obj, ok

	case pack.EntryRefDelta:
		offset, ok := hashToOffset[e.RefBaseHash]
		if !ok {
			return nil, false
		}
		obj, ok := building[offset]
		return obj, ok
	}

	return nil, false
}

func (r *Reader) memoize(e *pack.RawEntry, obj *object.Object) {
	h := obj.Hash()
	r.offsetHash.Put(e.StartOffset, h)
	r.objects.Put(obj)
}

// NearestOffset returns the start offset of the entry at or
// immediately before pos, for diagnostics that need to identify which
// entry a given byte position falls inside of.
func (r *Reader) NearestOffset(pos int64) (int64, bool) {
	k, _ := r.offsetTree.Floor(pos)
	if k == nil {
		return 0, false
	}
	return k.(int64), true
}

// Index returns the reader's built MemoryIndex.
func (r *Reader) Index() *MemoryIndex { return r.index }

// PackSHA returns the packfile's trailing SHA-1.
func (r *Reader) PackSHA() object.Hash { return r.index.PackSHA }

// Get returns the fully reconstructed object with the given hash.
func (r *Reader) Get(hash object.Hash) (*object.Object, error) {
	if obj, ok := r.objects.Get(hash); ok {
		return obj, nil
	}

	offset, ok := r.index.Find(hash)
	if !ok {
		return nil, pack.NewError(pack.MissingBase, hash.String(), nil)
	}

	return r.GetByOffset(offset)
}

// GetByOffset returns the fully reconstructed object whose entry
// starts at offset, re-decoding that one entry directly from the raw
// packfile bytes and resolving its delta chain if necessary.
func (r *Reader) GetByOffset(offset int64) (*object.Object, error) {
	if h, ok := r.offsetHash.Get(offset); ok {
		if obj, ok := r.objects.Get(h); ok {
			return obj, nil
		}
	}

	if _, ok := r.entriesByOffset[offset]; !ok {
		return nil, pack.NewError(pack.MalformedEntry, "no entry at offset", nil)
	}

	e, err := r.parser.ParseEntryAt(r.raw, offset)
	if err != nil {
		return nil, err
	}

	return r.resolveFresh(e, 0, map[int64]bool{})
}

// resolveFresh recursively resolves e, for use after construction
// (e.g. GetByOffset on a cache-evicted entry); NewReader's own
// construction pass uses the iterative fixed-point resolver above.
func (r *Reader) resolveFresh(e *pack.RawEntry, depth int, visiting map[int64]bool) (*object.Object, error) {
	if depth > r.maxDepth {
		return nil, pack.NewError(pack.MalformedEntry, "delta chain too long", nil)
	}
	if visiting[e.StartOffset] {
		return nil, pack.NewError(pack.MalformedEntry, "cyclic delta chain", nil)
	}

	if h, ok := r.offsetHash.Get(e.StartOffset); ok {
		if obj, ok := r.objects.Get(h); ok {
			return obj, nil
		}
	}

	if e.Kind.IsBase() {
		obj := object.New(e.Kind.AsObjectKind(), e.Content)
		r.memoize(e, obj)
		return obj, nil
	}

	visiting[e.StartOffset] = true
	defer delete(visiting, e.StartOffset)

	var base *object.Object
	var err error

	switch e.Kind {
	case pack.EntryOfsDelta:
		baseEntry, ok := r.entriesByOffset[e.BaseOffset()]
		if !ok {
			return nil, pack.NewError(pack.MalformedEntry, "ofs-delta base offset not found", nil)
		}
		base, err = r.resolveFresh(baseEntry, depth+1, visiting)

	case pack.EntryRefDelta:
		if offset, ok := r.index.Find(e.RefBaseHash); ok {
			base, err = r.GetByOffset(offset)
		} else if r.resolve != nil {
			base, err = r.resolve(e.RefBaseHash)
		} else {
			return nil, pack.NewError(pack.MissingBase, e.RefBaseHash.String(), nil)
		}
	}
	if err != nil {
		return nil, err
	}

	content, perr := delta.Patch(base.Content(), e.Content)
	if perr != nil {
		return nil, pack.NewError(pack.BadDelta, perr.Error(), perr)
	}

	obj := object.New(base.Kind(), content)
	r.memoize(e, obj)
	return obj, nil
}

func int64Comparator(a, b interface{}) int {
	x, y := a.(int64), b.(int64)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
