package publisher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdemCachePutIfAbsent(t *testing.T) {
	cache := newIdemCache(time.Hour, 10)

	assert.True(t, cache.PutIfAbsent("evt-1"))
	assert.False(t, cache.PutIfAbsent("evt-1"))
	assert.True(t, cache.PutIfAbsent("evt-2"))
	assert.Equal(t, 2, cache.Len())
}

func TestIdemCacheExpiry(t *testing.T) {
	cache := newIdemCache(time.Minute, 10)

	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	assert.True(t, cache.PutIfAbsent("evt-1"))
	assert.False(t, cache.PutIfAbsent("evt-1"))

	current = current.Add(2 * time.Minute)
	assert.True(t, cache.PutIfAbsent("evt-1"), "expired entry no longer suppresses")
}

func TestIdemCacheSweepDropsExpired(t *testing.T) {
	cache := newIdemCache(time.Minute, 10)

	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	cache.PutIfAbsent("evt-1")
	cache.PutIfAbsent("evt-2")
	current = current.Add(30 * time.Second)
	cache.PutIfAbsent("evt-3")

	current = current.Add(45 * time.Second)
	cache.Sweep()

	assert.Equal(t, 1, cache.Len(), "only evt-3 is inside the ttl")
	assert.False(t, cache.PutIfAbsent("evt-3"))
}

func TestIdemCacheCapacityEvictsOldest(t *testing.T) {
	cache := newIdemCache(time.Hour, 3)

	cache.PutIfAbsent("evt-1")
	cache.PutIfAbsent("evt-2")
	cache.PutIfAbsent("evt-3")
	cache.PutIfAbsent("evt-4")

	assert.Equal(t, 3, cache.Len())
	assert.True(t, cache.PutIfAbsent("evt-1"), "oldest entry was evicted under capacity pressure")
	assert.False(t, cache.PutIfAbsent("evt-4"))
}
