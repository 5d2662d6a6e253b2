// Package lru provides a small in-process LRU cache with TTL support,
// used to avoid repeated lookups against external vocabulary services.
package lru

import (
	"container/list"
	"sync"
	"time"
)

// Cache implements an LRU cache with TTL support and generics.
type Cache[K comparable, V any] struct {
	cache      map[K]*entry[K, V]
	order      *list.List
	capacity   int
	defaultTTL time.Duration
	mu         sync.RWMutex
}

type entry[K comparable, V any] struct {
	expiresAt time.Time
	element   *list.Element
	key       K
	value     V
}

// New creates a new LRU cache.
func New[K comparable, V any](capacity int, defaultTTL time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	return &Cache[K, V]{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		cache:      make(map[K]*entry[K, V]),
		order:      list.New(),
	}
}

// Get retrieves a value from the cache.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[key]
	if !ok {
		var zero V
		return zero, false
	}

	if time.Now().After(e.expiresAt) {
		c.removeEntry(e)
		var zero V
		return zero, false
	}

	// Move to front (most recently used)
	c.order.MoveToFront(e.element)
	return e.value, true
}

// Set stores a value in the cache with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores a value in the cache with an explicit TTL.
func (c *Cache[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	// Update existing entry
	if e, ok := c.cache[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}

	// Evict if at capacity
	for len(c.cache) >= c.capacity {
		c.evictOldest()
	}

	e := &entry[K, V]{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	e.element = c.order.PushFront(e)
	c.cache[key] = e
}

// Remove removes a specific entry from the cache.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.cache[key]; ok {
		c.removeEntry(e)
		return true
	}
	return false
}

// Size returns the number of entries in the cache.
func (c *Cache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Clear removes all entries from the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[K]*entry[K, V])
	c.order.Init()
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (c *Cache[K, V]) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}

	e, ok := oldest.Value.(*entry[K, V])
	if !ok {
		return
	}
	c.removeEntry(e)
}

// removeEntry removes an entry from the cache.
// Must be called with lock held.
func (c *Cache[K, V]) removeEntry(e *entry[K, V]) {
	c.order.Remove(e.element)
	delete(c.cache, e.key)
}
