// ABOUTME: Scoped, TTL-bounded set of recently seen request ids.
// ABOUTME: The MCP endpoint uses it to reject request ids reused within a session.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entryKey struct {
	scope string
	id    string
}

type entry struct {
	key    entryKey
	seenAt time.Time
}

// Cache tracks (scope, id) pairs. Entries expire after the TTL and the
// oldest entry is evicted once maxSize is reached. The order list holds
// entries oldest first, which keeps both expiry and eviction O(1) per entry.
type Cache struct {
	mu      sync.Mutex
	entries map[entryKey]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweep(sweepInterval(ttl))
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		entries: make(map[entryKey]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < 2*time.Second {
		return time.Second
	}
	if ttl > 2*time.Minute {
		return time.Minute
	}
	return ttl / 2
}

// Seen records id under scope and reports whether it was already present
// and unexpired. A duplicate does not extend the original entry's lifetime.
func (c *Cache) Seen(scope, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	key := entryKey{scope: scope, id: id}
	if _, ok := c.entries[key]; ok {
		return true
	}

	if len(c.entries) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Forget drops every id recorded under scope and returns how many were removed.
func (c *Cache) Forget(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).key.scope == scope {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	return len(c.entries)
}

// expireLocked pops expired entries from the front of the order list.
func (c *Cache) expireLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e := c.order.Remove(el).(*entry)
	delete(c.entries, e.key)
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.expireLocked(c.now())
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
