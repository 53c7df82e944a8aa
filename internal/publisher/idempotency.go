package publisher

import (
	"sync"
	"time"
)

// idemCache is a fixed-capacity TTL set used to suppress duplicate outcome
// publishes after crash-restart redelivery. Expiry is an explicit sweep and
// capacity pressure evicts the oldest entry, so memory stays bounded without
// relying on garbage collection.
type idemCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]time.Time
	order    []string
	now      func() time.Time
}

func newIdemCache(ttl time.Duration, capacity int) *idemCache {
	return &idemCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]time.Time, capacity),
		order:    make([]string, 0, capacity),
		now:      time.Now,
	}
}

// PutIfAbsent records the key and reports true when it was not already
// present (and unexpired).
func (c *idemCache) PutIfAbsent(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return false
	}

	if len(c.entries) >= c.capacity {
		c.sweepLocked(now)
		for len(c.entries) >= c.capacity && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}

	c.entries[key] = now
	c.order = append(c.order, key)
	return true
}

// Remove forgets a key so a later redelivery is not suppressed. Used when a
// publish ultimately failed and only the dead-letter store holds the outcome.
func (c *idemCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep drops expired entries.
func (c *idemCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
}

func (c *idemCache) sweepLocked(now time.Time) {
	kept := c.order[:0]
	for _, key := range c.order {
		at, ok := c.entries[key]
		if !ok {
			continue
		}
		if now.Sub(at) >= c.ttl {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}

// Len returns the number of live entries.
func (c *idemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
