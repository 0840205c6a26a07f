// ABOUTME: Thread-safe TTL cache mapping idempotency keys to the id they produced.
// ABOUTME: Used by the coordination tools so a retried send returns the first message.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// cacheEntry stores the value, timestamp and list element for a cached key.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited map from idempotency
// keys to results. Uses a doubly-linked list to maintain insertion order for
// O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	group   singleflight.Group
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value stored for key if it has not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || c.now().Sub(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.value, true
}

// Put stores value for key. If the cache is at capacity, the oldest entry is
// evicted to make room.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// putLocked is the internal put implementation. Must be called with mu held.
func (c *Cache) putLocked(key, value string) {
	now := c.now()

	// If key already exists, update it and move to back
	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// Do returns the cached value for key, or runs fn and caches its result.
// Concurrent calls with the same key share one execution of fn. replayed
// is true when the value came from an earlier call. Failed calls are not
// cached.
func (c *Cache) Do(key string, fn func() (string, error)) (value string, replayed bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	type result struct {
		value    string
		replayed bool
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		// Another flight may have finished between Get and Do.
		if v, ok := c.Get(key); ok {
			return result{value: v, replayed: true}, nil
		}
		v, err := fn()
		if err != nil {
			return nil, err
		}
		c.Put(key, v)
		return result{value: v}, nil
	})
	if err != nil {
		return "", false, err
	}
	r, _ := v.(result)
	return r.value, r.replayed || shared, nil
}

// Len returns the number of stored entries, including expired ones not yet
// cleaned up.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
