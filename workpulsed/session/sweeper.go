package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/workpulse/workpulse/workpulsed/store"
	"github.com/workpulse/workpulse/workpulsesdk"
)

const (
	// DefaultOrphanTimeout is how long a device may be silent before its
	// open session is considered orphaned and closed from the ledger.
	DefaultOrphanTimeout = 10 * time.Minute
	// DefaultForceTimeout is the defensive ceiling: a device silent this
	// long has its session closed with zeroed aggregates rather than
	// trusting a ledger that stale.
	DefaultForceTimeout = 24 * time.Hour

	// sweepConcurrency bounds parallel session closes so a large backlog
	// cannot overload storage.
	sweepConcurrency = 10
)

// Stats describes one sweep run. Errors are per-session: one session's
// failure never aborts the rest of the run.
type Stats struct {
	Closed     map[uuid.UUID]store.CloseReason
	Candidates []workpulsesdk.SweepCandidate
	Errors     []error
	Elapsed    time.Duration
}

// Sweeper periodically force-closes sessions whose device went silent
// without a clean clock-out. It runs independently of request handling; a
// heartbeat racing the sweep simply reopens a fresh session, which is
// self-healing rather than an error.
type Sweeper struct {
	logger        slog.Logger
	clock         quartz.Clock
	db            store.Store
	mgr           *Manager
	statsCh       chan<- Stats
	orphanTimeout time.Duration
	forceTimeout  time.Duration

	closed *prometheus.CounterVec
	errs   prometheus.Counter
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Clock         quartz.Clock
	Store         store.Store
	Manager       *Manager
	OrphanTimeout time.Duration
	ForceTimeout  time.Duration
}

// NewSweeper returns a Sweeper. Run starts its periodic loop; SweepOnce
// serves one-shot operator triggers.
func NewSweeper(logger slog.Logger, reg prometheus.Registerer, opts SweeperOptions) *Sweeper {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.OrphanTimeout == 0 {
		opts.OrphanTimeout = DefaultOrphanTimeout
	}
	if opts.ForceTimeout == 0 {
		opts.ForceTimeout = DefaultForceTimeout
	}
	s := &Sweeper{
		logger:        logger.Named("sweeper"),
		clock:         opts.Clock,
		db:            opts.Store,
		mgr:           opts.Manager,
		orphanTimeout: opts.OrphanTimeout,
		forceTimeout:  opts.ForceTimeout,

		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "sweeper",
			Name:      "closed_total",
			Help:      "Sessions closed by the sweep, by reason.",
		}, []string{"reason"}),
		errs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "sweeper",
			Name:      "errors_total",
			Help:      "Per-session sweep failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.closed, s.errs)
	}
	return s
}

// WithStatsChannel pushes a Stats to ch after every tick.
func (s *Sweeper) WithStatsChannel(ch chan<- Stats) *Sweeper {
	s.statsCh = ch
	return s
}

// Run sweeps on every tick until ctx is done or the tick channel closes.
func (s *Sweeper) Run(ctx context.Context, tick <-chan time.Time) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-tick:
				if !ok {
					return
				}
				stats := s.SweepOnce(ctx, t, false)
				if len(stats.Errors) > 0 {
					s.logger.Error(ctx, "sweep finished with errors",
						slog.F("closed", len(stats.Closed)),
						slog.F("errors", len(stats.Errors)),
					)
				}
				s.logger.Debug(ctx, "sweep stats",
					slog.F("elapsed", stats.Elapsed),
					slog.F("closed", len(stats.Closed)),
				)
				if s.statsCh != nil {
					select {
					case <-ctx.Done():
						return
					case s.statsCh <- stats:
					}
				}
			}
		}
	}()
}

// SweepOnce walks every open session and closes the orphaned ones. With
// dryRun, candidates are reported but nothing is closed. Sessions are
// processed independently; failures are collected into Stats.Errors.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time, dryRun bool) Stats {
	start := s.clock.Now()
	stats := Stats{
		Closed: make(map[uuid.UUID]store.CloseReason),
	}
	defer func() {
		stats.Elapsed = s.clock.Now().Sub(start)
	}()

	sessions, err := s.db.ListOpenSessions(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, xerrors.Errorf("list open sessions: %w", err))
		return stats
	}

	var statsMu sync.Mutex
	eg := errgroup.Group{}
	eg.SetLimit(sweepConcurrency)
	for _, session := range sessions {
		eg.Go(func() error {
			candidate, reason, err := s.evaluate(ctx, session, now)
			statsMu.Lock()
			defer statsMu.Unlock()
			if err != nil {
				s.errs.Inc()
				stats.Errors = append(stats.Errors, err)
				return nil
			}
			if reason == "" {
				return nil
			}
			stats.Candidates = append(stats.Candidates, candidate)
			if dryRun {
				return nil
			}
			if closeErr := s.mgr.closeOrphan(ctx, session, now, s.orphanTimeout, reason); closeErr != nil {
				if xerrors.Is(closeErr, errSessionRevived) {
					// A heartbeat or a concurrent sweep got here first.
					return nil
				}
				s.errs.Inc()
				stats.Errors = append(stats.Errors, closeErr)
				return nil
			}
			s.closed.WithLabelValues(string(reason)).Inc()
			stats.Closed[session.ID] = reason
			return nil
		})
	}
	_ = eg.Wait()
	return stats
}

// evaluate decides whether a session is orphaned. The decision is advisory:
// closeOrphan re-checks under the pair lock.
func (s *Sweeper) evaluate(ctx context.Context, session store.WorkSession, now time.Time) (workpulsesdk.SweepCandidate, store.CloseReason, error) {
	device, err := s.db.GetDevice(ctx, session.DeviceID)
	if err != nil {
		return workpulsesdk.SweepCandidate{}, "", xerrors.Errorf("session %s references device %s: %w", session.ID, session.DeviceID, err)
	}
	silent := now.Sub(device.LastSeenAt)
	var reason store.CloseReason
	switch {
	case silent >= s.forceTimeout:
		reason = store.CloseReasonForced
	case silent >= s.orphanTimeout:
		reason = store.CloseReasonOrphaned
	default:
		return workpulsesdk.SweepCandidate{}, "", nil
	}
	return workpulsesdk.SweepCandidate{
		SessionID:  session.ID,
		EmployeeID: session.EmployeeID,
		DeviceID:   session.DeviceID,
		LastSeen:   device.LastSeenAt,
		SilentFor:  int64(silent / time.Second),
		Forced:     reason == store.CloseReasonForced,
	}, reason, nil
}

var errSessionRevived = xerrors.New("session no longer eligible for orphan close")

// closeOrphan force-closes one orphaned session. Under the pair lock it
// re-validates eligibility, finalizes the session's open ledger entries at
// the device's last-seen time, and recomputes aggregates from the ledger
// instead of trusting the final heartbeat's self-reported counters. The
// forced tier zeroes aggregates instead.
func (m *Manager) closeOrphan(ctx context.Context, session store.WorkSession, now time.Time, orphanTimeout time.Duration, reason store.CloseReason) error {
	unlock := m.lockPair(session.EmployeeID, session.DeviceID)
	defer unlock()

	current, err := m.db.GetOpenSession(ctx, session.EmployeeID, session.DeviceID)
	if xerrors.Is(err, store.ErrNoRows) {
		return errSessionRevived
	}
	if err != nil {
		return xerrors.Errorf("refetch open session: %w", err)
	}
	if current.ID != session.ID {
		// The orphan was already closed and the pair opened a new session.
		return errSessionRevived
	}
	device, err := m.db.GetDevice(ctx, session.DeviceID)
	if err != nil {
		return xerrors.Errorf("get device: %w", err)
	}
	if now.Sub(device.LastSeenAt) < orphanTimeout {
		// The device came back between evaluation and close.
		return errSessionRevived
	}

	closedAt := device.LastSeenAt
	if closedAt.Before(session.ClockIn) {
		closedAt = session.ClockIn
	}

	var activeSeconds, idleSeconds int64
	if reason != store.CloseReasonForced {
		activeSeconds, idleSeconds, err = m.recomputeAggregatesFromLedger(ctx, session, closedAt)
		if err != nil {
			return err
		}
	}

	err = m.db.CloseSession(ctx, store.CloseSessionParams{
		ID:            session.ID,
		ClosedAt:      closedAt,
		Reason:        reason,
		ActiveSeconds: activeSeconds,
		IdleSeconds:   idleSeconds,
		TotalSeconds:  activeSeconds + idleSeconds,
	})
	if xerrors.Is(err, store.ErrNoRows) {
		return errSessionRevived
	}
	if err != nil {
		return xerrors.Errorf("close orphaned session %s: %w", session.ID, err)
	}
	m.sessionsClosed.WithLabelValues(string(reason)).Inc()

	m.presence.Remove(session.DeviceID)
	m.notifyTransition(ctx, device, "", false, string(reason), "")

	m.logger.Info(ctx, "closed orphaned session",
		slog.F("session_id", session.ID),
		slog.F("device_id", session.DeviceID),
		slog.F("reason", reason),
		slog.F("closed_at", closedAt),
	)
	return nil
}

// recomputeAggregatesFromLedger finalizes the session's open activity
// entries at lastSeen and sums active/idle time from the finalized ledger.
// This is the authoritative counterpart of applyHeartbeatAggregates: the
// ledger is trusted precisely because the agent can no longer be asked to
// confirm its counters.
func (m *Manager) recomputeAggregatesFromLedger(ctx context.Context, session store.WorkSession, lastSeen time.Time) (activeSeconds, idleSeconds int64, err error) {
	open, err := m.db.ListOpenActivityEntries(ctx, session.EmployeeID, session.DeviceID)
	if err != nil {
		return 0, 0, xerrors.Errorf("list open activity entries: %w", err)
	}
	for _, entry := range open {
		if entry.StartTime.Before(session.ClockIn) || entry.StartTime.After(lastSeen) {
			continue
		}
		duration := int64(lastSeen.Sub(entry.StartTime) / time.Second)
		if duration < 0 {
			duration = 0
		}
		err := m.db.FinalizeActivityEntry(ctx, store.FinalizeActivityEntryParams{
			ID:              entry.ID,
			EndTime:         lastSeen,
			DurationSeconds: duration,
		})
		if err != nil && !xerrors.Is(err, store.ErrNoRows) {
			return 0, 0, xerrors.Errorf("finalize activity entry %s: %w", entry.ID, err)
		}
	}

	entries, err := m.db.ListActivityEntriesInRange(ctx, store.ActivityEntriesInRangeParams{
		EmployeeID: session.EmployeeID,
		DeviceID:   session.DeviceID,
		Start:      session.ClockIn,
		End:        lastSeen,
	})
	if err != nil {
		return 0, 0, xerrors.Errorf("list activity entries: %w", err)
	}
	for _, entry := range entries {
		if entry.IsIdle {
			idleSeconds += entry.DurationSeconds
		} else {
			activeSeconds += entry.DurationSeconds
		}
	}
	return activeSeconds, idleSeconds, nil
}
