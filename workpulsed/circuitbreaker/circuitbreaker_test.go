package circuitbreaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/coder/quartz"

	"github.com/workpulse/workpulse/workpulsed/circuitbreaker"
)

var errStorage = xerrors.New("storage down")

func fail(context.Context) error { return errStorage }

func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	breaker := circuitbreaker.New(3, 2, 30*time.Second, circuitbreaker.WithClock(mClock))

	require.Equal(t, circuitbreaker.StateClosed, breaker.State())
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, breaker.Execute(ctx, fail), errStorage)
	}
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	// Calls are rejected without invoking the operation.
	invoked := false
	err := breaker.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	require.False(t, invoked)
}

func TestBreaker_SuccessForgivesInClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	breaker := circuitbreaker.New(3, 2, 30*time.Second, circuitbreaker.WithClock(mClock))

	// Two failures, then a success: the failure streak resets entirely.
	require.Error(t, breaker.Execute(ctx, fail))
	require.Error(t, breaker.Execute(ctx, fail))
	require.NoError(t, breaker.Execute(ctx, succeed))

	require.Error(t, breaker.Execute(ctx, fail))
	require.Error(t, breaker.Execute(ctx, fail))
	require.Equal(t, circuitbreaker.StateClosed, breaker.State())
	require.Error(t, breaker.Execute(ctx, fail))
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())
}

func TestBreaker_HalfOpenProbes(t *testing.T) {
	t.Parallel()

	open := func(t *testing.T, mClock *quartz.Mock) *circuitbreaker.Breaker {
		t.Helper()
		breaker := circuitbreaker.New(1, 2, 30*time.Second, circuitbreaker.WithClock(mClock))
		require.Error(t, breaker.Execute(context.Background(), fail))
		require.Equal(t, circuitbreaker.StateOpen, breaker.State())
		return breaker
	}

	t.Run("CooldownAdmitsProbe", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		mClock := quartz.NewMock(t)
		breaker := open(t, mClock)

		mClock.Advance(29 * time.Second)
		require.ErrorIs(t, breaker.Execute(ctx, succeed), circuitbreaker.ErrOpen)

		mClock.Advance(time.Second)
		require.NoError(t, breaker.Execute(ctx, succeed))
		require.Equal(t, circuitbreaker.StateHalfOpen, breaker.State())
	})

	t.Run("SuccessThresholdCloses", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		mClock := quartz.NewMock(t)
		breaker := open(t, mClock)

		mClock.Advance(30 * time.Second)
		require.NoError(t, breaker.Execute(ctx, succeed))
		require.Equal(t, circuitbreaker.StateHalfOpen, breaker.State())
		require.NoError(t, breaker.Execute(ctx, succeed))
		require.Equal(t, circuitbreaker.StateClosed, breaker.State())
	})

	t.Run("FailureReopensImmediately", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		mClock := quartz.NewMock(t)
		breaker := open(t, mClock)

		mClock.Advance(30 * time.Second)
		require.NoError(t, breaker.Execute(ctx, succeed))
		require.ErrorIs(t, breaker.Execute(ctx, fail), errStorage)
		require.Equal(t, circuitbreaker.StateOpen, breaker.State())

		// The cooldown restarts from the reopen.
		mClock.Advance(29 * time.Second)
		require.ErrorIs(t, breaker.Execute(ctx, succeed), circuitbreaker.ErrOpen)
	})
}

func TestBreaker_RetryAfter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	breaker := circuitbreaker.New(1, 1, 30*time.Second, circuitbreaker.WithClock(mClock))

	require.Zero(t, breaker.RetryAfter())

	require.Error(t, breaker.Execute(ctx, fail))
	require.Equal(t, 30*time.Second, breaker.RetryAfter())

	mClock.Advance(10 * time.Second)
	require.Equal(t, 20*time.Second, breaker.RetryAfter())

	// Cooldown elapsed: probes are admitted, nothing left to wait for.
	mClock.Advance(20 * time.Second)
	require.Zero(t, breaker.RetryAfter())
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	breaker := circuitbreaker.New(1, 1, time.Hour, circuitbreaker.WithClock(mClock))

	require.Error(t, breaker.Execute(ctx, fail))
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	breaker.Reset()
	require.Equal(t, circuitbreaker.StateClosed, breaker.State())
	require.NoError(t, breaker.Execute(ctx, succeed))
}
