// ABOUTME: Thread-safe TTL cache recording per-message delivery dispositions.
// ABOUTME: Redelivery of a known messageId returns the recorded outcome instead of reprocessing.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Disposition is the recorded outcome of processing one messageId.
type Disposition string

const (
	// DispositionInflight means processing started but has not finished.
	DispositionInflight Disposition = "inflight"
	// DispositionDelivered means the message was handed to the target agent.
	DispositionDelivered Disposition = "delivered"
	// DispositionFailed means processing ended in a terminal failure.
	DispositionFailed Disposition = "failed"
)

// cacheEntry stores the disposition, timestamp, and list element for a key.
type cacheEntry struct {
	disposition Disposition
	timestamp   time.Time
	element     *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited cache mapping
// messageIds to their processing disposition. Redelivered messages hit the
// cache and get the recorded outcome back, so a retry never causes a second
// agent-visible effect. Uses a doubly-linked list for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a disposition cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Begin atomically claims a messageId for processing. If the key is unknown
// (or expired) it is marked inflight and Begin returns ("", false): the
// caller owns processing. Otherwise the recorded disposition is returned
// with true and the caller must not reprocess.
func (c *Cache) Begin(key string) (Disposition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return entry.disposition, true
	}

	c.setLocked(key, DispositionInflight)
	return "", false
}

// Record overwrites the disposition for a key. Called when processing
// reaches its outcome; the entry's TTL restarts from now.
func (c *Cache) Record(key string, d Disposition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, d)
}

// Forget drops a key so a later redelivery is processed fresh. Used when
// an inflight claim is abandoned without an outcome.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Lookup returns the recorded disposition without claiming the key.
func (c *Cache) Lookup(key string) (Disposition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.disposition, true
}

// setLocked records a disposition. Must be called with mu held.
func (c *Cache) setLocked(key string, d Disposition) {
	now := time.Now()

	if entry, exists := c.entries[key]; exists {
		entry.disposition = d
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		disposition: d,
		timestamp:   now,
		element:     elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
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

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
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
