package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/workpulse/workpulse/workpulsed/ratelimit"
)

func TestLimiter_Check(t *testing.T) {
	t.Parallel()

	t.Run("AllowsUpToLimit", func(t *testing.T) {
		t.Parallel()
		mClock := quartz.NewMock(t)
		limiter := ratelimit.New(3, time.Minute, ratelimit.WithClock(mClock))

		for i := 0; i < 3; i++ {
			result := limiter.Check("agent-1")
			require.True(t, result.Allowed, "request %d should be admitted", i)
			require.Equal(t, 3, result.Limit)
			require.Equal(t, 2-i, result.Remaining)
		}

		result := limiter.Check("agent-1")
		require.False(t, result.Allowed)
		require.Equal(t, 0, result.Remaining)
	})

	t.Run("RejectionConsumesNothing", func(t *testing.T) {
		t.Parallel()
		mClock := quartz.NewMock(t)
		limiter := ratelimit.New(2, time.Minute, ratelimit.WithClock(mClock))

		require.True(t, limiter.Check("agent-1").Allowed)
		require.True(t, limiter.Check("agent-1").Allowed)
		require.False(t, limiter.Check("agent-1").Allowed)
		require.Equal(t, 2, limiter.Usage("agent-1"))
	})

	t.Run("SlidingWindow", func(t *testing.T) {
		t.Parallel()
		mClock := quartz.NewMock(t)
		limiter := ratelimit.New(2, time.Minute, ratelimit.WithClock(mClock))

		require.True(t, limiter.Check("agent-1").Allowed)
		mClock.Advance(30 * time.Second)
		require.True(t, limiter.Check("agent-1").Allowed)
		require.False(t, limiter.Check("agent-1").Allowed)

		// The first request ages out halfway through; exactly one slot frees.
		mClock.Advance(31 * time.Second)
		require.True(t, limiter.Check("agent-1").Allowed)
		require.False(t, limiter.Check("agent-1").Allowed)
	})

	t.Run("ResetAtIsNowPlusWindow", func(t *testing.T) {
		t.Parallel()
		mClock := quartz.NewMock(t)
		limiter := ratelimit.New(1, time.Minute, ratelimit.WithClock(mClock))

		result := limiter.Check("agent-1")
		require.Equal(t, mClock.Now().Add(time.Minute), result.ResetAt)

		mClock.Advance(10 * time.Second)
		// Rejected checks report the same contract.
		result = limiter.Check("agent-1")
		require.False(t, result.Allowed)
		require.Equal(t, mClock.Now().Add(time.Minute), result.ResetAt)
	})

	t.Run("IdentitiesAreIndependent", func(t *testing.T) {
		t.Parallel()
		mClock := quartz.NewMock(t)
		limiter := ratelimit.New(1, time.Minute, ratelimit.WithClock(mClock))

		require.True(t, limiter.Check("agent-1").Allowed)
		require.False(t, limiter.Check("agent-1").Allowed)
		require.True(t, limiter.Check("agent-2").Allowed)
		require.Equal(t, 2, limiter.Size())
	})
}

func TestLimiter_Reset(t *testing.T) {
	t.Parallel()

	mClock := quartz.NewMock(t)
	limiter := ratelimit.New(1, time.Minute, ratelimit.WithClock(mClock))

	require.True(t, limiter.Check("agent-1").Allowed)
	require.False(t, limiter.Check("agent-1").Allowed)

	limiter.Reset("agent-1")
	require.Equal(t, 0, limiter.Usage("agent-1"))
	require.True(t, limiter.Check("agent-1").Allowed)
}

func TestLimiter_Usage(t *testing.T) {
	t.Parallel()

	mClock := quartz.NewMock(t)
	limiter := ratelimit.New(5, time.Minute, ratelimit.WithClock(mClock))

	require.Equal(t, 0, limiter.Usage("agent-1"))
	limiter.Check("agent-1")
	limiter.Check("agent-1")
	require.Equal(t, 2, limiter.Usage("agent-1"))

	// Usage prunes aged-out entries and drops empty buckets entirely.
	mClock.Advance(time.Minute + time.Second)
	require.Equal(t, 0, limiter.Usage("agent-1"))
	require.Equal(t, 0, limiter.Size())
}
