package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/workpulse/workpulse/testutil"
	"github.com/workpulse/workpulse/workpulsed/session"
	"github.com/workpulse/workpulse/workpulsed/store"
)

// recordingStore wraps a store and captures CloseSession parameters so tests
// can observe the aggregates a sweep wrote.
type recordingStore struct {
	store.Store

	mu     sync.Mutex
	closes []store.CloseSessionParams
}

func (r *recordingStore) CloseSession(ctx context.Context, params store.CloseSessionParams) error {
	r.mu.Lock()
	r.closes = append(r.closes, params)
	r.mu.Unlock()
	return r.Store.CloseSession(ctx, params)
}

func (r *recordingStore) closedParams(t *testing.T, id uuid.UUID) store.CloseSessionParams {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, params := range r.closes {
		if params.ID == id {
			return params
		}
	}
	t.Fatalf("no CloseSession call recorded for %s", id)
	return store.CloseSessionParams{}
}

func newSweepEnv(t *testing.T) (*testEnv, *recordingStore, *session.Sweeper) {
	t.Helper()
	env := newEnv(t)
	recording := &recordingStore{Store: env.db}
	env.db = recording
	logger := testutil.Logger(t)
	env.manager = session.New(logger, prometheus.NewRegistry(), session.Options{
		Clock:       env.clock,
		Store:       recording,
		Presence:    env.presence,
		Cache:       env.cache,
		Broadcaster: env.broadcaster,
	})
	sweeper := session.NewSweeper(logger, prometheus.NewRegistry(), session.SweeperOptions{
		Clock:   env.clock,
		Store:   recording,
		Manager: env.manager,
	})
	return env, recording, sweeper
}

func TestSweeper_ClosesOrphanedSessions(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	env, recording, sweeper := newSweepEnv(t)
	device := env.seed(t, uuid.New())
	start := env.clock.Now()

	result, err := env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{Timestamp: start})
	require.NoError(t, err)

	// Just under the timeout: nothing to do.
	stats := sweeper.SweepOnce(ctx, start.Add(session.DefaultOrphanTimeout-time.Second), false)
	require.Empty(t, stats.Candidates)
	require.Empty(t, stats.Closed)

	now := start.Add(session.DefaultOrphanTimeout)
	stats = sweeper.SweepOnce(ctx, now, false)
	require.Empty(t, stats.Errors)
	require.Len(t, stats.Candidates, 1)
	require.Equal(t, result.SessionID, stats.Candidates[0].SessionID)
	require.False(t, stats.Candidates[0].Forced)
	require.Equal(t, store.CloseReasonOrphaned, stats.Closed[result.SessionID])

	params := recording.closedParams(t, result.SessionID)
	require.Equal(t, store.CloseReasonOrphaned, params.Reason)
	// Closed at the device's last contact, not the sweep time.
	require.Equal(t, start, params.ClosedAt)

	_, err = env.db.GetOpenSession(ctx, device.EmployeeID, device.ID)
	require.ErrorIs(t, err, store.ErrNoRows)
	_, ok := env.presence.Get(device.ID)
	require.False(t, ok)
}

func TestSweeper_RecomputesAggregatesFromLedger(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	env, recording, sweeper := newSweepEnv(t)
	device := env.seed(t, uuid.New())
	start := env.clock.Now()

	result, err := env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{
		Timestamp: start,
		// Self-reported counters that the ledger will contradict.
		HasAggregates: true,
		ActiveSeconds: 99999,
		IdleSeconds:   99999,
	})
	require.NoError(t, err)

	lastSeen := start.Add(5 * time.Minute)
	_, err = env.manager.AppendEvents(ctx, device, []store.ActivityEntry{
		{
			StartTime:       start,
			EndTime:         start.Add(3 * time.Minute),
			DurationSeconds: 180,
			AppName:         "editor",
		},
		{
			StartTime:       start.Add(3 * time.Minute),
			EndTime:         start.Add(4 * time.Minute),
			DurationSeconds: 60,
			IsIdle:          true,
		},
		{
			// Still open at the time the device went silent.
			StartTime: start.Add(4 * time.Minute),
			AppName:   "editor",
		},
	})
	require.NoError(t, err)
	require.NoError(t, env.db.UpdateDeviceLastSeen(ctx, device.ID, lastSeen))

	stats := sweeper.SweepOnce(ctx, lastSeen.Add(session.DefaultOrphanTimeout), false)
	require.Empty(t, stats.Errors)
	require.Equal(t, store.CloseReasonOrphaned, stats.Closed[result.SessionID])

	// The open entry was finalized at last-seen: 1 minute of active time.
	open, err := env.db.ListOpenActivityEntries(ctx, device.EmployeeID, device.ID)
	require.NoError(t, err)
	require.Empty(t, open)

	params := recording.closedParams(t, result.SessionID)
	require.Equal(t, lastSeen, params.ClosedAt)
	require.EqualValues(t, 180+60, params.ActiveSeconds)
	require.EqualValues(t, 60, params.IdleSeconds)
	require.EqualValues(t, 300, params.TotalSeconds)
}

func TestSweeper_ForcedCloseZeroesAggregates(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	env, recording, sweeper := newSweepEnv(t)
	device := env.seed(t, uuid.New())
	start := env.clock.Now()

	result, err := env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{
		Timestamp:     start,
		HasAggregates: true,
		ActiveSeconds: 3600,
		IdleSeconds:   600,
	})
	require.NoError(t, err)

	now := start.Add(session.DefaultForceTimeout)
	stats := sweeper.SweepOnce(ctx, now, false)
	require.Empty(t, stats.Errors)
	require.Len(t, stats.Candidates, 1)
	require.True(t, stats.Candidates[0].Forced)
	require.Equal(t, store.CloseReasonForced, stats.Closed[result.SessionID])

	params := recording.closedParams(t, result.SessionID)
	require.Zero(t, params.ActiveSeconds)
	require.Zero(t, params.IdleSeconds)
	require.Zero(t, params.TotalSeconds)
}

func TestSweeper_LongSessionRecentSilenceIsRoutine(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	env, recording, sweeper := newSweepEnv(t)
	device := env.seed(t, uuid.New())
	start := env.clock.Now()

	result, err := env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{Timestamp: start})
	require.NoError(t, err)

	// The session has been open past the forced ceiling, but the device
	// kept reporting until recently. The tiers key on silence, so this is
	// a routine orphan close that trusts the ledger, not a forced one.
	lastSeen := start.Add(25 * time.Hour)
	_, err = env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{Timestamp: lastSeen})
	require.NoError(t, err)
	_, err = env.manager.AppendEvents(ctx, device, []store.ActivityEntry{
		{
			StartTime:       start.Add(24 * time.Hour),
			EndTime:         start.Add(24*time.Hour + 2*time.Minute),
			DurationSeconds: 120,
			AppName:         "editor",
		},
	})
	require.NoError(t, err)
	require.NoError(t, env.db.UpdateDeviceLastSeen(ctx, device.ID, lastSeen))

	stats := sweeper.SweepOnce(ctx, lastSeen.Add(session.DefaultOrphanTimeout), false)
	require.Empty(t, stats.Errors)
	require.Len(t, stats.Candidates, 1)
	require.False(t, stats.Candidates[0].Forced)
	require.Equal(t, store.CloseReasonOrphaned, stats.Closed[result.SessionID])

	params := recording.closedParams(t, result.SessionID)
	require.Equal(t, lastSeen, params.ClosedAt)
	require.EqualValues(t, 120, params.ActiveSeconds)
	require.EqualValues(t, 120, params.TotalSeconds)
}

func TestSweeper_DryRun(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	env, _, sweeper := newSweepEnv(t)
	device := env.seed(t, uuid.New())
	start := env.clock.Now()

	result, err := env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{Timestamp: start})
	require.NoError(t, err)

	stats := sweeper.SweepOnce(ctx, start.Add(session.DefaultOrphanTimeout), true)
	require.Len(t, stats.Candidates, 1)
	require.Equal(t, result.SessionID, stats.Candidates[0].SessionID)
	require.Empty(t, stats.Closed)

	// Nothing was actually closed.
	open, err := env.db.GetOpenSession(ctx, device.EmployeeID, device.ID)
	require.NoError(t, err)
	require.Equal(t, result.SessionID, open.ID)
}

func TestSweeper_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	env, _, sweeper := newSweepEnv(t)
	device := env.seed(t, uuid.New())
	start := env.clock.Now()

	_, err := env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{Timestamp: start})
	require.NoError(t, err)

	now := start.Add(session.DefaultOrphanTimeout)
	stats := sweeper.SweepOnce(ctx, now, false)
	require.Len(t, stats.Closed, 1)

	stats = sweeper.SweepOnce(ctx, now, false)
	require.Empty(t, stats.Candidates)
	require.Empty(t, stats.Closed)
	require.Empty(t, stats.Errors)
}

func TestSweeper_RevivedDeviceNotClosed(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	env, _, sweeper := newSweepEnv(t)
	device := env.seed(t, uuid.New())
	start := env.clock.Now()

	result, err := env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{Timestamp: start})
	require.NoError(t, err)

	// The device reported again before the sweep ran.
	_, err = env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{
		Timestamp: start.Add(9 * time.Minute),
	})
	require.NoError(t, err)

	stats := sweeper.SweepOnce(ctx, start.Add(session.DefaultOrphanTimeout), false)
	require.Empty(t, stats.Candidates)

	open, err := env.db.GetOpenSession(ctx, device.EmployeeID, device.ID)
	require.NoError(t, err)
	require.Equal(t, result.SessionID, open.ID)
}

func TestSweeper_ErrorIsolation(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	env, _, sweeper := newSweepEnv(t)
	healthy := env.seed(t, uuid.New())
	start := env.clock.Now()

	// A session referencing a device the store no longer knows about.
	_, _, err := env.db.AcquireOpenSession(ctx, store.AcquireOpenSessionParams{
		EmployeeID: uuid.New(),
		DeviceID:   uuid.New(),
		ClockIn:    start,
	})
	require.NoError(t, err)

	healthyResult, err := env.manager.ProcessHeartbeat(ctx, healthy, session.Heartbeat{Timestamp: start})
	require.NoError(t, err)

	stats := sweeper.SweepOnce(ctx, start.Add(session.DefaultOrphanTimeout), false)
	require.Len(t, stats.Errors, 1)
	require.Equal(t, store.CloseReasonOrphaned, stats.Closed[healthyResult.SessionID])
}

func TestSweeper_Run(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	env, _, _ := newSweepEnv(t)
	device := env.seed(t, uuid.New())
	start := env.clock.Now()

	_, err := env.manager.ProcessHeartbeat(ctx, device, session.Heartbeat{Timestamp: start})
	require.NoError(t, err)

	statsCh := make(chan session.Stats)
	sweeper := session.NewSweeper(testutil.Logger(t), prometheus.NewRegistry(), session.SweeperOptions{
		Clock:   env.clock,
		Store:   env.db,
		Manager: env.manager,
	}).WithStatsChannel(statsCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tick := make(chan time.Time)
	sweeper.Run(runCtx, tick)

	testutil.RequireSend(ctx, t, tick, start.Add(session.DefaultOrphanTimeout))
	stats := testutil.RequireReceive(ctx, t, statsCh)
	require.Len(t, stats.Closed, 1)
}
