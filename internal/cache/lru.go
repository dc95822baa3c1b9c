// Package cache provides a small TTL-aware LRU used for negative caches
// (validation failures that must not trigger retry storms) and short-lived
// response caches on the browse path.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity bounds an LRU when the caller passes a non-positive size.
const DefaultCapacity = 1024

// LRU is a mutex-guarded least-recently-used cache with optional per-cache
// TTL. A zero TTL disables expiry. Hit and miss counters are atomic so the
// stats endpoint reads them without taking the lock.
type LRU[V any] struct {
	mu       sync.Mutex
	entries  map[string]*lruEntry[V]
	head     *lruEntry[V] // Most recently used.
	tail     *lruEntry[V] // Least recently used.
	capacity int
	ttl      time.Duration
	now      func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// lruEntry is a doubly-linked list node for LRU tracking.
type lruEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	prev      *lruEntry[V]
	next      *lruEntry[V]
}

// New creates an LRU bounded to capacity entries. ttl of zero disables
// expiry.
func New[V any](capacity int, ttl time.Duration) *LRU[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &LRU[V]{
		entries:  make(map[string]*lruEntry[V]),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get retrieves a value. Expired entries count as misses and are removed.
func (c *LRU[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)

		return zero, false
	}

	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.removeFromList(entry)
		delete(c.entries, key)
		c.misses.Add(1)

		return zero, false
	}

	c.hits.Add(1)
	c.moveToFront(entry)

	return entry.value, true
}

// Put inserts or refreshes a value, evicting the least recently used entry
// when the cache is full.
func (c *LRU[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.value = value
		entry.expiresAt = c.expiry()
		c.moveToFront(entry)

		return
	}

	if len(c.entries) >= c.capacity && c.tail != nil {
		victim := c.tail
		c.removeFromList(victim)
		delete(c.entries, victim.key)
	}

	entry := &lruEntry[V]{
		key:       key,
		value:     value,
		expiresAt: c.expiry(),
	}

	c.entries[key] = entry
	c.addToFront(entry)
}

// Delete removes a key if present.
func (c *LRU[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}

	c.removeFromList(entry)
	delete(c.entries, key)
}

// Clear removes all entries.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*lruEntry[V])
	c.head = nil
	c.tail = nil
}

// Len returns the current entry count, including not-yet-collected expired
// entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Stats returns cache performance counters.
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}
}

// Stats holds cache performance counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// HitRate returns the cache hit rate (0.0 to 1.0).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}

	return float64(s.Hits) / float64(total)
}

func (c *LRU[V]) expiry() time.Time {
	if c.ttl == 0 {
		return time.Time{}
	}

	return c.now().Add(c.ttl)
}

// moveToFront moves an entry to the front of the LRU list (most recently used).
func (c *LRU[V]) moveToFront(entry *lruEntry[V]) {
	if entry == c.head {
		return
	}

	c.removeFromList(entry)
	c.addToFront(entry)
}

// addToFront adds an entry to the front of the LRU list.
func (c *LRU[V]) addToFront(entry *lruEntry[V]) {
	entry.prev = nil
	entry.next = c.head

	if c.head != nil {
		c.head.prev = entry
	}

	c.head = entry

	if c.tail == nil {
		c.tail = entry
	}
}

// removeFromList removes an entry from the LRU list.
func (c *LRU[V]) removeFromList(entry *lruEntry[V]) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}

	entry.prev = nil
	entry.next = nil
}
