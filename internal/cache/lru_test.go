package cache_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/cache"
)

// Test sizing constants.
const (
	testCapacity = 3
	testTTL      = 50 * time.Millisecond
)

func TestPutGet(t *testing.T) {
	t.Parallel()

	c := cache.New[int](testCapacity, 0)
	c.Put("a", 1)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestMissOnAbsentKey(t *testing.T) {
	t.Parallel()

	c := cache.New[string](testCapacity, 0)

	_, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := cache.New[int](testCapacity, 0)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch "a" so "b" becomes the eviction victim.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", 4)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")

	_, ok = c.Get("a")
	assert.True(t, ok)

	_, ok = c.Get("d")
	assert.True(t, ok)
}

func TestCapacityNeverExceeded(t *testing.T) {
	t.Parallel()

	c := cache.New[int](testCapacity, 0)

	const inserts = 10
	for i := range inserts {
		c.Put(strconv.Itoa(i), i)
	}

	assert.Equal(t, testCapacity, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	c := cache.New[int](testCapacity, testTTL)
	c.Put("a", 1)

	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(testTTL + 20*time.Millisecond)

	_, ok = c.Get("a")
	assert.False(t, ok, "entry should expire after the TTL")
}

func TestDelete(t *testing.T) {
	t.Parallel()

	c := cache.New[int](testCapacity, 0)
	c.Put("a", 1)
	c.Delete("a")

	_, ok := c.Get("a")
	assert.False(t, ok)

	// Deleting an absent key is a no-op.
	c.Delete("a")
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := cache.New[int](testCapacity, 0)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Clear()

	assert.Zero(t, c.Len())

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	t.Parallel()

	c := cache.New[int](testCapacity, 0)
	c.Put("a", 1)

	_, _ = c.Get("a")
	_, _ = c.Get("a")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 0.001)
}

func TestHitRateEmptyCache(t *testing.T) {
	t.Parallel()

	c := cache.New[int](testCapacity, 0)
	assert.Zero(t, c.Stats().HitRate())
}

func TestPutRefreshesExisting(t *testing.T) {
	t.Parallel()

	c := cache.New[int](testCapacity, 0)
	c.Put("a", 1)
	c.Put("a", 2)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, got)
	assert.Equal(t, 1, c.Len())
}
