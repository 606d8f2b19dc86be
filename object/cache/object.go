// Package cache provides a size-bounded object cache for delta-chain
// base objects. It is an optimization only: the pack index must
// produce identical results whether or not an entry happens to be
// cached, per spec §3 "Lifecycle".
package cache

import (
	"container/list"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/gitobjectstore/packclone/object"
)

// FileSize is a size measured in bytes.
type FileSize int64

// Byte-size constants for sizing a cache.
const (
	Byte FileSize = 1 << (iota * 10)
	KiByte
	MiByte
	GiByte
)

// DefaultMaxSize is the default capacity of an LRU built with
// NewObjectLRUDefault.
const DefaultMaxSize = 96 * MiByte

// Object is the interface resolved delta bases and fully reconstructed
// objects are cached through.
type Object interface {
	Put(o *object.Object)
	Get(h object.Hash) (*object.Object, bool)
	Clear()
}

// ObjectLRU is a least-recently-used object cache bounded by total
// content size rather than entry count, since pack entries vary
// enormously in size. It keeps its own container/list eviction list
// and evicts by byte budget instead of by item count.
type ObjectLRU struct {
	MaxSize FileSize

	mu         sync.Mutex
	actualSize FileSize
	ll         *list.List
	index      map[object.Hash]*list.Element
}

type entry struct {
	hash object.Hash
	obj  *object.Object
	size FileSize
}

// NewObjectLRU returns a new ObjectLRU with the given max size.
func NewObjectLRU(maxSize FileSize) *ObjectLRU {
	return &ObjectLRU{
		MaxSize: maxSize,
		ll:      list.New(),
		index:   make(map[object.Hash]*list.Element),
	}
}

// NewObjectLRUDefault returns a new ObjectLRU with a reasonable
// default size.
func NewObjectLRUDefault() *ObjectLRU {
	return NewObjectLRU(DefaultMaxSize)
}

// Put adds an object to the cache, evicting least-recently-used
// entries until it fits within MaxSize. An object larger than MaxSize
// is not retained; it can still be looked up through the normal
// non-cached path.
func (c *ObjectLRU) Put(o *object.Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := o.Hash()
	size := FileSize(o.Size())

	if el, ok := c.index[h]; ok {
		old := el.Value.(*entry)
		c.actualSize -= old.size
		c.ll.Remove(el)
		delete(c.index, h)
	}

	if size > c.MaxSize {
		return
	}

	for c.actualSize+size > c.MaxSize && c.ll.Len() > 0 {
		c.removeOldest()
	}

	el := c.ll.PushFront(&entry{hash: h, obj: o, size: size})
	c.index[h] = el
	c.actualSize += size
}

// Get returns the cached object for h, if present.
func (c *ObjectLRU) Get(h object.Hash) (*object.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[h]
	if !ok {
		return nil, false
	}

	c.ll.MoveToFront(el)
	return el.Value.(*entry).obj, true
}

// Clear empties the cache.
func (c *ObjectLRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.index = make(map[object.Hash]*list.Element)
	c.actualSize = 0
}

func (c *ObjectLRU) removeOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.index, e.hash)
	c.actualSize -= e.size
}

// OffsetCache is a lighter-weight companion cache used by the pack
// reader to remember which pack offsets have already produced a known
// hash, using groupcache's lru.Cache directly for its entry-count
// eviction (the inverse trade-off to ObjectLRU's byte-budget eviction
// — this cache holds small fixed-size values).
type OffsetCache struct {
	mu sync.Mutex
	c  *lru.Cache
}

// NewOffsetCache returns an OffsetCache bounded to maxEntries offsets.
func NewOffsetCache(maxEntries int) *OffsetCache {
	return &OffsetCache{c: lru.New(maxEntries)}
}

// Put records the hash produced by resolving the entry at offset.
func (k *OffsetCache) Put(offset int64, h object.Hash) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.c.Add(offset, h)
}

// Get returns the hash previously recorded for offset, if any.
func (k *OffsetCache) Get(offset int64) (object.Hash, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.c.Get(offset)
	if !ok {
		return object.ZeroHash, false
	}
	return v.(object.Hash), true
}
