// Package cache holds decoded blocks in memory under a byte budget, evicting
// the least recently used block when the budget is exceeded.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/KevoDB/s3kv/pkg/block"
)

// ErrCapacityExceeded is returned by Insert for a block larger than the whole cache
var ErrCapacityExceeded = errors.New("block exceeds cache capacity")

// EvictCallback is called, outside the cache lock, for each block evicted to
// make room for another
type EvictCallback func(id block.ID, size int64)

type entry struct {
	id   block.ID
	blk  *block.Block
	size int64
}

// Cache is a byte-bounded LRU of decoded blocks. It is safe for concurrent
// use. The lock covers only the map and the recency list; no I/O or copying
// happens under it.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	items    map[block.ID]*list.Element
	order    *list.List // front is most recently used

	stats   Statistics
	onEvict EvictCallback
}

// Option configures a Cache
type Option func(*Cache)

// WithEvictCallback registers fn to be told about evictions
func WithEvictCallback(fn EvictCallback) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// New creates a cache holding at most capacity bytes of decoded blocks. A
// capacity of zero or less disables caching: every Get misses.
func New(capacity int64, opts ...Option) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	c := &Cache{
		capacity: capacity,
		items:    make(map[block.ID]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached block and marks it most recently used
func (c *Cache) Get(id block.ID) (*block.Block, bool) {
	var blk *block.Block
	c.mu.Lock()
	el, ok := c.items[id]
	if ok {
		c.order.MoveToFront(el)
		blk = el.Value.(*entry).blk
	}
	c.mu.Unlock()

	if !ok {
		c.stats.miss()
		return nil, false
	}
	c.stats.hit()
	return blk, true
}

// Contains reports whether id is cached without touching its recency
func (c *Cache) Contains(id block.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

// Insert caches blk under id as the most recently used entry, evicting least
// recently used blocks until it fits. A block larger than the capacity is
// refused with ErrCapacityExceeded and the cache is left unchanged.
func (c *Cache) Insert(id block.ID, blk *block.Block) error {
	size := blk.Size()
	if size > c.capacity {
		c.stats.rejected()
		return fmt.Errorf("%w: block %d is %d bytes, capacity %d",
			ErrCapacityExceeded, id, size, c.capacity)
	}

	var evicted []*entry

	c.mu.Lock()
	if el, ok := c.items[id]; ok {
		// entries are never mutated once linked, replace instead
		c.size += size - el.Value.(*entry).size
		el.Value = &entry{id: id, blk: blk, size: size}
		c.order.MoveToFront(el)
	} else {
		c.items[id] = c.order.PushFront(&entry{id: id, blk: blk, size: size})
		c.size += size
	}
	for c.size > c.capacity {
		back := c.order.Back()
		e := back.Value.(*entry)
		c.removeElement(back)
		evicted = append(evicted, e)
	}
	c.stats.setBytes(c.size)
	c.mu.Unlock()

	c.stats.inserted()
	for _, e := range evicted {
		c.stats.evicted()
		if c.onEvict != nil {
			c.onEvict(e.id, e.size)
		}
	}
	return nil
}

// Invalidate drops id from the cache and reports whether it was present
func (c *Cache) Invalidate(id block.ID) bool {
	c.mu.Lock()
	el, ok := c.items[id]
	if ok {
		c.removeElement(el)
		c.stats.setBytes(c.size)
	}
	c.mu.Unlock()

	if ok {
		c.stats.invalidated()
	}
	return ok
}

// Clear drops every cached block
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[block.ID]*list.Element)
	c.order.Init()
	c.size = 0
	c.stats.setBytes(0)
	c.mu.Unlock()
}

// Len returns the number of cached blocks
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the accounted bytes of all cached blocks
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Capacity returns the byte budget
func (c *Cache) Capacity() int64 {
	return c.capacity
}

// Keys returns the cached block IDs from most to least recently used
func (c *Cache) Keys() []block.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]block.ID, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*entry).id)
	}
	return ids
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	s := c.stats.snapshot()
	s.Capacity = c.capacity
	c.mu.Lock()
	s.Entries = len(c.items)
	s.Bytes = c.size
	c.mu.Unlock()
	return s
}

// removeElement must be called with c.mu held
func (c *Cache) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.items, e.id)
	c.size -= e.size
}
