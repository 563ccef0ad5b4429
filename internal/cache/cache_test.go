package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_CanonicalOverArgOrder(t *testing.T) {
	a := Key("search", map[string]interface{}{"q": "go", "limit": 10})
	b := Key("search", map[string]interface{}{"limit": 10, "q": "go"})
	assert.Equal(t, a, b, "map key order must not change the cache key")
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Key("other", map[string]interface{}{"q": "go", "limit": 10}))
	assert.NotEqual(t, a, Key("search", map[string]interface{}{"q": "rust", "limit": 10}))
}

func TestGetPut_RoundTrip(t *testing.T) {
	c := New(10, time.Minute)
	args := map[string]interface{}{"q": "go"}

	_, ok := c.Get("search", args)
	assert.False(t, ok)

	c.Put("search", args, "result", time.Minute)
	got, ok := c.Get("search", args)
	require.True(t, ok)
	assert.Equal(t, "result", got)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
}

func TestPut_NonPositiveTTLNotStored(t *testing.T) {
	c := New(10, time.Minute)
	args := map[string]interface{}{"q": "go"}

	c.Put("search", args, "result", 0)
	c.Put("search", args, "result", -time.Second)

	_, ok := c.Get("search", args)
	assert.False(t, ok, "uncacheable responses must never be served from cache")
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestGet_ExpiresOnRead(t *testing.T) {
	c := New(10, time.Minute)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	args := map[string]interface{}{}
	c.Put("t", args, "v", 5*time.Second)

	c.now = func() time.Time { return base.Add(5 * time.Second) }
	_, ok := c.Get("t", args)
	assert.False(t, ok, "TTL boundary is exclusive")
	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestPut_EvictsLeastRecentlyAccessed(t *testing.T) {
	c := New(2, time.Minute)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.Put("t", map[string]interface{}{"n": 1}, "one", time.Minute)
	c.now = func() time.Time { return base.Add(time.Second) }
	c.Put("t", map[string]interface{}{"n": 2}, "two", time.Minute)

	// Touch entry 1 so entry 2 becomes the LRU victim.
	c.now = func() time.Time { return base.Add(2 * time.Second) }
	_, ok := c.Get("t", map[string]interface{}{"n": 1})
	require.True(t, ok)

	c.Put("t", map[string]interface{}{"n": 3}, "three", time.Minute)

	_, ok = c.Get("t", map[string]interface{}{"n": 1})
	assert.True(t, ok)
	_, ok = c.Get("t", map[string]interface{}{"n": 2})
	assert.False(t, ok, "LRU entry evicted")
	_, ok = c.Get("t", map[string]interface{}{"n": 3})
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestPut_OverwriteDoesNotEvict(t *testing.T) {
	c := New(2, time.Minute)
	c.Put("t", map[string]interface{}{"n": 1}, "one", time.Minute)
	c.Put("t", map[string]interface{}{"n": 2}, "two", time.Minute)
	c.Put("t", map[string]interface{}{"n": 1}, "one-updated", time.Minute)

	got, ok := c.Get("t", map[string]interface{}{"n": 1})
	require.True(t, ok)
	assert.Equal(t, "one-updated", got)
	assert.Equal(t, int64(0), c.Stats().Evictions)
}

func TestClear(t *testing.T) {
	c := New(10, time.Minute)
	for i := 0; i < 3; i++ {
		c.Put("a", map[string]interface{}{"n": i}, i, time.Minute)
	}
	c.Put("b", map[string]interface{}{}, "keep", time.Minute)

	assert.Equal(t, 3, c.Clear("a"))
	_, ok := c.Get("b", map[string]interface{}{})
	assert.True(t, ok)

	assert.Equal(t, 1, c.Clear(""))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestStats_PurgesExpired(t *testing.T) {
	c := New(10, time.Minute)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		c.Put("t", map[string]interface{}{"n": i}, i, 10*time.Second)
	}
	c.now = func() time.Time { return base.Add(time.Minute) }

	st := c.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, int64(5), st.Expired)
}

func TestDisabledCache(t *testing.T) {
	c := New(0, time.Minute)
	for i := 0; i < 10; i++ {
		c.Put("t", map[string]interface{}{"n": fmt.Sprint(i)}, i, time.Minute)
	}
	assert.Equal(t, 0, c.Stats().Entries)
}
