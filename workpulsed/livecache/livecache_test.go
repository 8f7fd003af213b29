package livecache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/workpulse/workpulse/workpulsed/livecache"
)

func TestCache_TTL(t *testing.T) {
	t.Parallel()
	mClock := quartz.NewMock(t)
	cache := livecache.New(livecache.WithClock(mClock))

	cache.Set("live:tenant:a", "snapshot")
	value, ok := cache.Get("live:tenant:a")
	require.True(t, ok)
	require.Equal(t, "snapshot", value)

	mClock.Advance(livecache.DefaultTTL - time.Millisecond)
	_, ok = cache.Get("live:tenant:a")
	require.True(t, ok)

	mClock.Advance(time.Millisecond)
	_, ok = cache.Get("live:tenant:a")
	require.False(t, ok)
	// Expired entries are evicted on the read that misses.
	require.Equal(t, 0, cache.Len())
}

func TestCache_SetRefreshesTTL(t *testing.T) {
	t.Parallel()
	mClock := quartz.NewMock(t)
	cache := livecache.New(livecache.WithClock(mClock), livecache.WithTTL(10*time.Second))

	cache.Set("live:tenant:a", 1)
	mClock.Advance(8 * time.Second)
	cache.Set("live:tenant:a", 2)
	mClock.Advance(8 * time.Second)

	value, ok := cache.Get("live:tenant:a")
	require.True(t, ok)
	require.Equal(t, 2, value)
}

func TestCache_InvalidatePattern(t *testing.T) {
	t.Parallel()
	mClock := quartz.NewMock(t)
	cache := livecache.New(livecache.WithClock(mClock))

	cache.Set("live:tenant:a", 1)
	cache.Set("live:tenant:a:team:x", 2)
	cache.Set("live:tenant:b", 3)

	dropped := cache.InvalidatePattern("live:tenant:a")
	require.Equal(t, 2, dropped)

	_, ok := cache.Get("live:tenant:a")
	require.False(t, ok)
	_, ok = cache.Get("live:tenant:b")
	require.True(t, ok)

	require.Equal(t, 0, cache.InvalidatePattern("live:tenant:a"))
}
