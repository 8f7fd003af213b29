package dedup_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/coder/quartz"

	"github.com/workpulse/workpulse/testutil"
	"github.com/workpulse/workpulse/workpulsed/dedup"
)

func TestDeduplicator_ConcurrentCallsShareOneExecution(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	dd := dedup.New(time.Second)

	var (
		invocations atomic.Int64
		release     = make(chan struct{})
	)
	op := func(context.Context) (any, error) {
		invocations.Add(1)
		<-release
		return "stored", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = dd.Execute(ctx, "hb:device-1", op)
		}()
	}

	require.Eventually(t, func() bool {
		return dd.InFlight("hb:device-1")
	}, testutil.WaitShort, testutil.IntervalFast)
	close(release)
	wg.Wait()

	require.Equal(t, int64(1), invocations.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "stored", results[i])
	}
}

func TestDeduplicator_TTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	dd := dedup.New(5*time.Second, dedup.WithClock(mClock))

	var invocations int
	op := func(context.Context) (any, error) {
		invocations++
		return invocations, nil
	}

	value, err := dd.Execute(ctx, "hb:device-1", op)
	require.NoError(t, err)
	require.Equal(t, 1, value)

	// Within the TTL the cached result is served without re-executing.
	mClock.Advance(4 * time.Second)
	value, err = dd.Execute(ctx, "hb:device-1", op)
	require.NoError(t, err)
	require.Equal(t, 1, value)
	require.Equal(t, 1, invocations)

	// Past the TTL the next call runs for real.
	mClock.Advance(2 * time.Second)
	value, err = dd.Execute(ctx, "hb:device-1", op)
	require.NoError(t, err)
	require.Equal(t, 2, value)
	require.Equal(t, 2, invocations)
}

func TestDeduplicator_FailureNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	dd := dedup.New(5*time.Second, dedup.WithClock(mClock))

	var invocations int
	errDown := xerrors.New("storage down")
	op := func(context.Context) (any, error) {
		invocations++
		if invocations == 1 {
			return nil, errDown
		}
		return "ok", nil
	}

	_, err := dd.Execute(ctx, "hb:device-1", op)
	require.ErrorIs(t, err, errDown)
	require.False(t, dd.InFlight("hb:device-1"))

	// The failed result was evicted, so the retry executes immediately.
	value, err := dd.Execute(ctx, "hb:device-1", op)
	require.NoError(t, err)
	require.Equal(t, "ok", value)
	require.Equal(t, 2, invocations)
}

func TestDeduplicator_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dd := dedup.New(time.Minute)

	var invocations atomic.Int64
	op := func(context.Context) (any, error) {
		return invocations.Add(1), nil
	}

	a, err := dd.Execute(ctx, "hb:device-1", op)
	require.NoError(t, err)
	b, err := dd.Execute(ctx, "hb:device-2", op)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, dd.Size())
}

func TestDeduplicator_Clear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dd := dedup.New(time.Minute)

	var invocations int
	op := func(context.Context) (any, error) {
		invocations++
		return invocations, nil
	}

	_, err := dd.Execute(ctx, "hb:device-1", op)
	require.NoError(t, err)
	dd.Clear()
	require.Equal(t, 0, dd.Size())

	value, err := dd.Execute(ctx, "hb:device-1", op)
	require.NoError(t, err)
	require.Equal(t, 2, value)
}
