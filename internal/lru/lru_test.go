package lru

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheGetSet(t *testing.T) {
	c := New[string, int](10, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Size())
}

func TestCacheEviction(t *testing.T) {
	c := New[int, string](2, time.Minute)

	c.Set(1, "one")
	c.Set(2, "two")
	// Touch 1 so 2 becomes the eviction candidate.
	c.Get(1)
	c.Set(3, "three")

	_, ok := c.Get(2)
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get(1)
	assert.True(t, ok)
	_, ok = c.Get(3)
	assert.True(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := New[string, string](10, time.Minute)

	c.SetTTL("k", "v", 10*time.Millisecond)
	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry should not be returned")
}

func TestCacheRemoveAndClear(t *testing.T) {
	c := New[string, int](10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, 1, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
}
