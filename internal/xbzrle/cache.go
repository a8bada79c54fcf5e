// Package xbzrle implements the XBZRLE page cache (C4) and the byte-level
// delta codec (C5.1) it supports: a fixed-capacity, power-of-two, LRU map
// from guest address to the last page snapshot sent to the receiver.
package xbzrle

import (
	"errors"
	"math/bits"
	"sync"

	"github.com/bobuhiro11/ramigrate/internal/page"
)

// ErrInvalidCapacity is returned by NewCache for a non-positive capacity.
var ErrInvalidCapacity = errors.New("xbzrle: capacity must be >= 1")

type entry struct {
	key  uint64
	data [page.Size]byte
	tick uint64
	seq  uint64
}

// Cache is a fixed-capacity, power-of-two, LRU map from guest address to
// the page bytes last sent for that address. It is not safe for concurrent
// use by design (§4.4): the migration driver serializes access to it the
// same way it serializes access to the cursor and dirty log.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*entry
	tick     uint64
	seq      uint64
}

func pow2floor(n int) int {
	if n < 1 {
		n = 1
	}

	return 1 << (bits.Len(uint(n)) - 1)
}

// NewCache creates a cache rounded down to the nearest power of two.
func NewCache(capacity int) (*Cache, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	return &Cache{
		capacity: pow2floor(capacity),
		entries:  make(map[uint64]*entry),
	}, nil
}

// Probe reports whether key is cached, without affecting LRU order.
func (c *Cache) Probe(key uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]

	return ok
}

// Get returns the cached page for key, refreshing its LRU tick. The caller
// may mutate the returned array in place; Get returns nil if key is not
// cached (callers are expected to Probe first).
func (c *Cache) Get(key uint64) *[page.Size]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}

	c.tick++
	e.tick = c.tick

	return &e.data
}

// Insert stores data under key, evicting the least-recently-used entry if
// the cache is full. Inserting an existing key overwrites its content and
// refreshes its LRU tick.
func (c *Cache) Insert(key uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		copy(e.data[:], data)
		c.tick++
		e.tick = c.tick

		return
	}

	if len(c.entries) >= c.capacity {
		c.evictLocked()
	}

	c.seq++
	c.tick++

	e := &entry{key: key, tick: c.tick, seq: c.seq}
	copy(e.data[:], data)
	c.entries[key] = e
}

// evictLocked removes the entry with the minimum LRU tick. Ties are broken
// by the lower insertion sequence, so eviction order is deterministic.
func (c *Cache) evictLocked() {
	var victim *entry

	for _, e := range c.entries {
		if victim == nil || e.tick < victim.tick || (e.tick == victim.tick && e.seq < victim.seq) {
			victim = e
		}
	}

	if victim != nil {
		delete(c.entries, victim.key)
	}
}

// Resize quantizes newCapacity to a power of two and evicts excess
// least-recently-used entries if the new capacity is smaller. It returns
// the effective (quantized) capacity, mirroring xbzrle_cache_resize's
// behavior whether or not the cache already holds entries.
func (c *Cache) Resize(newCapacity int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	nc := pow2floor(newCapacity)

	for len(c.entries) > nc {
		c.evictLocked()
	}

	c.capacity = nc

	return nc
}

// Close drops all entries (fini).
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uint64]*entry)
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Capacity reports the current effective (power-of-two) capacity.
func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.capacity
}
