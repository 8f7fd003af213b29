// Package session owns the clock-in/clock-out lifecycle of work sessions.
// Heartbeats and activity events keep a session open; an explicit clock-out
// or the orphan sweep closes it. While a session is open its aggregates are
// whatever the agent last reported; once the agent can no longer be asked,
// the activity ledger becomes the authority (see sweeper.go).
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/workpulse/workpulse/workpulsed/broadcast"
	"github.com/workpulse/workpulse/workpulsed/livecache"
	"github.com/workpulse/workpulse/workpulsed/presence"
	"github.com/workpulse/workpulse/workpulsed/store"
	"github.com/workpulse/workpulse/workpulsesdk"
)

// ErrNoOpenSession is returned by ClockOut when the device has nothing to
// close.
var ErrNoOpenSession = xerrors.New("no open session for device")

// Heartbeat is the domain form of an agent heartbeat, after wire decoding
// and idle-precedence resolution.
type Heartbeat struct {
	Timestamp time.Time
	IsIdle    bool
	Activity  presence.Activity

	// Cumulative self-reported counters for the agent's current day.
	// HasAggregates is false when the agent omitted them.
	HasAggregates bool
	ActiveSeconds int64
	IdleSeconds   int64
}

// HeartbeatResult reports what a heartbeat did.
type HeartbeatResult struct {
	SessionID uuid.UUID
	Created   bool
	// Stale marks a heartbeat older than the session's last applied one;
	// it was discarded rather than applied out of order.
	Stale bool
}

// Options configures a Manager.
type Options struct {
	Clock       quartz.Clock
	Store       store.Store
	Presence    *presence.Store
	Cache       *livecache.Cache
	Broadcaster *broadcast.Broadcaster
}

// Manager serializes session transitions per employee+device pair and is
// the only writer of presence records.
type Manager struct {
	logger      slog.Logger
	clock       quartz.Clock
	db          store.Store
	presence    *presence.Store
	cache       *livecache.Cache
	broadcaster *broadcast.Broadcaster

	// pairMu serializes transitions for one employee+device pair. Entries
	// are never freed; the map is bounded by the enrolled device fleet.
	mu     sync.Mutex
	pairMu map[string]*sync.Mutex

	heartbeats      prometheus.Counter
	staleHeartbeats prometheus.Counter
	sessionsOpened  prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
}

// New returns a Manager. reg may be nil to skip metric registration.
func New(logger slog.Logger, reg prometheus.Registerer, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	m := &Manager{
		logger:      logger.Named("session"),
		clock:       opts.Clock,
		db:          opts.Store,
		presence:    opts.Presence,
		cache:       opts.Cache,
		broadcaster: opts.Broadcaster,
		pairMu:      make(map[string]*sync.Mutex),

		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "session",
			Name:      "heartbeats_total",
			Help:      "Heartbeats applied.",
		}),
		staleHeartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "session",
			Name:      "stale_heartbeats_total",
			Help:      "Heartbeats discarded for arriving out of order.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Work sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Work sessions closed, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.heartbeats, m.staleHeartbeats, m.sessionsOpened, m.sessionsClosed)
	}
	return m
}

// SnapshotCacheKey is the livecache key prefix for a tenant's live view.
func SnapshotCacheKey(tenantID uuid.UUID) string {
	return "live:tenant:" + tenantID.String()
}

// ProcessHeartbeat applies one heartbeat: it opens a session if the pair has
// none, applies the agent's cumulative counters last-write-wins, refreshes
// presence, and pushes an update to dashboards when the device crossed the
// idle/active boundary. Heartbeats older than the last applied one are
// discarded.
func (m *Manager) ProcessHeartbeat(ctx context.Context, device store.Device, hb Heartbeat) (HeartbeatResult, error) {
	unlock := m.lockPair(device.EmployeeID, device.ID)
	defer unlock()

	session, created, err := m.db.AcquireOpenSession(ctx, store.AcquireOpenSessionParams{
		EmployeeID: device.EmployeeID,
		DeviceID:   device.ID,
		ClockIn:    hb.Timestamp,
	})
	if err != nil {
		return HeartbeatResult{}, xerrors.Errorf("acquire open session: %w", err)
	}
	if created {
		m.sessionsOpened.Inc()
	}

	if !created && hb.Timestamp.Before(session.UpdatedAt) {
		m.staleHeartbeats.Inc()
		return HeartbeatResult{SessionID: session.ID, Stale: true}, nil
	}

	if err := m.applyHeartbeatAggregates(ctx, session, hb); err != nil {
		return HeartbeatResult{}, err
	}
	if err := m.db.UpdateDeviceLastSeen(ctx, device.ID, hb.Timestamp); err != nil {
		return HeartbeatResult{}, xerrors.Errorf("update device last seen: %w", err)
	}

	status := presence.StatusOnline
	if hb.IsIdle {
		status = presence.StatusIdle
	}
	previous, hadPresence := m.presence.Get(device.ID)
	m.presence.Set(presence.Record{
		DeviceID:   device.ID,
		EmployeeID: device.EmployeeID,
		Status:     status,
		Activity:   hb.Activity,
		LastSeen:   hb.Timestamp,
	})
	m.heartbeats.Inc()

	// Only idle/active crossings are worth a cache invalidation and a push;
	// invalidating on every heartbeat from a whole fleet would defeat the
	// cache.
	if !hadPresence || previous.Status != status {
		reason := "heartbeat"
		if !hadPresence {
			reason = "connected"
		}
		m.notifyTransition(ctx, device, status, true, reason, hb.Activity.AppName)
	}

	return HeartbeatResult{SessionID: session.ID, Created: created}, nil
}

// applyHeartbeatAggregates overwrites the session's aggregates with the
// agent's cumulative counters. Last-write-wins by design: while the agent is
// alive it is the source of truth for its own day counters. The ledger-based
// recomputation in recomputeAggregatesFromLedger is only used once the agent
// is gone.
func (m *Manager) applyHeartbeatAggregates(ctx context.Context, session store.WorkSession, hb Heartbeat) error {
	params := store.UpdateSessionAggregatesParams{
		ID:            session.ID,
		ActiveSeconds: session.ActiveSeconds,
		IdleSeconds:   session.IdleSeconds,
		TotalSeconds:  session.TotalSeconds,
		UpdatedAt:     hb.Timestamp,
	}
	if hb.HasAggregates {
		params.ActiveSeconds = hb.ActiveSeconds
		params.IdleSeconds = hb.IdleSeconds
		params.TotalSeconds = hb.ActiveSeconds + hb.IdleSeconds
	}
	if err := m.db.UpdateSessionAggregates(ctx, params); err != nil {
		return xerrors.Errorf("apply heartbeat aggregates: %w", err)
	}
	return nil
}

// AppendEvents appends activity entries to the ledger, opening a session for
// the pair if none exists.
func (m *Manager) AppendEvents(ctx context.Context, device store.Device, entries []store.ActivityEntry) (uuid.UUID, error) {
	if len(entries) == 0 {
		return uuid.Nil, nil
	}
	unlock := m.lockPair(device.EmployeeID, device.ID)
	defer unlock()

	session, created, err := m.db.AcquireOpenSession(ctx, store.AcquireOpenSessionParams{
		EmployeeID: device.EmployeeID,
		DeviceID:   device.ID,
		ClockIn:    entries[0].StartTime,
	})
	if err != nil {
		return uuid.Nil, xerrors.Errorf("acquire open session: %w", err)
	}
	if created {
		m.sessionsOpened.Inc()
	}

	lastSeen := time.Time{}
	for i := range entries {
		entries[i].EmployeeID = device.EmployeeID
		entries[i].DeviceID = device.ID
		seen := entries[i].StartTime
		if !entries[i].EndTime.IsZero() {
			seen = entries[i].EndTime
		}
		if seen.After(lastSeen) {
			lastSeen = seen
		}
	}
	if err := m.db.InsertActivityEntries(ctx, entries); err != nil {
		return uuid.Nil, xerrors.Errorf("insert activity entries: %w", err)
	}
	if err := m.db.UpdateDeviceLastSeen(ctx, device.ID, lastSeen); err != nil {
		return uuid.Nil, xerrors.Errorf("update device last seen: %w", err)
	}
	return session.ID, nil
}

// ClockOut cleanly closes the device's open session, freezing its
// aggregates as last reported.
func (m *Manager) ClockOut(ctx context.Context, device store.Device, at time.Time) (store.WorkSession, error) {
	unlock := m.lockPair(device.EmployeeID, device.ID)
	defer unlock()

	session, err := m.db.GetOpenSession(ctx, device.EmployeeID, device.ID)
	if xerrors.Is(err, store.ErrNoRows) {
		return store.WorkSession{}, ErrNoOpenSession
	}
	if err != nil {
		return store.WorkSession{}, xerrors.Errorf("get open session: %w", err)
	}

	err = m.db.CloseSession(ctx, store.CloseSessionParams{
		ID:            session.ID,
		ClosedAt:      at,
		Reason:        store.CloseReasonClockOut,
		ActiveSeconds: session.ActiveSeconds,
		IdleSeconds:   session.IdleSeconds,
		TotalSeconds:  session.TotalSeconds,
	})
	if err != nil {
		return store.WorkSession{}, xerrors.Errorf("close session: %w", err)
	}
	m.sessionsClosed.WithLabelValues(string(store.CloseReasonClockOut)).Inc()

	m.presence.Remove(device.ID)
	m.notifyTransition(ctx, device, "", false, "clock_out", "")

	session.State = store.SessionStateClosed
	session.ClosedAt = at
	session.CloseReason = store.CloseReasonClockOut
	return session, nil
}

// Snapshot computes the live view for one tenant from presence and open
// sessions. Callers are expected to serve it through the livecache.
func (m *Manager) Snapshot(ctx context.Context, tenantID uuid.UUID) (workpulsesdk.LiveSnapshot, error) {
	snapshot := workpulsesdk.LiveSnapshot{
		GeneratedAt: m.clock.Now(),
		Employees:   []workpulsesdk.LiveEmployee{},
	}
	for _, record := range m.presence.All() {
		employee, err := m.db.GetEmployee(ctx, record.EmployeeID)
		if err != nil {
			if xerrors.Is(err, store.ErrNoRows) {
				// Presence for an unknown employee is a data inconsistency,
				// not a reason to fail the whole view.
				m.logger.Warn(ctx, "presence references missing employee",
					slog.F("employee_id", record.EmployeeID),
				)
				continue
			}
			return workpulsesdk.LiveSnapshot{}, xerrors.Errorf("get employee: %w", err)
		}
		if employee.TenantID != tenantID {
			continue
		}

		live := workpulsesdk.LiveEmployee{
			EmployeeID:  employee.ID,
			Name:        employee.Name,
			TeamID:      employee.TeamID,
			DeviceID:    record.DeviceID,
			Status:      workpulsesdk.PresenceStatus(record.Status),
			AppName:     record.Activity.AppName,
			WindowTitle: record.Activity.WindowTitle,
			LastSeen:    record.LastSeen,
		}
		session, err := m.db.GetOpenSession(ctx, record.EmployeeID, record.DeviceID)
		if err == nil {
			live.ActiveSeconds = session.ActiveSeconds
			live.IdleSeconds = session.IdleSeconds
		} else if !xerrors.Is(err, store.ErrNoRows) {
			return workpulsesdk.LiveSnapshot{}, xerrors.Errorf("get open session: %w", err)
		}
		snapshot.Employees = append(snapshot.Employees, live)
		snapshot.TotalActiveSeconds += live.ActiveSeconds
		snapshot.TotalIdleSeconds += live.IdleSeconds
	}
	return snapshot, nil
}

// notifyTransition invalidates the tenant's cached view and pushes an
// update to team and tenant-wide subscribers. Push failures never propagate
// to the ingestion path.
func (m *Manager) notifyTransition(ctx context.Context, device store.Device, status presence.Status, online bool, reason, appName string) {
	employee, err := m.db.GetEmployee(ctx, device.EmployeeID)
	if err != nil {
		m.logger.Warn(ctx, "resolve employee for push",
			slog.F("employee_id", device.EmployeeID),
			slog.Error(err),
		)
		return
	}

	m.cache.InvalidatePattern(SnapshotCacheKey(employee.TenantID))

	event := workpulsesdk.PushEvent{
		Type:      workpulsesdk.PushEventTypeUpdate,
		Timestamp: m.clock.Now(),
		Update: &workpulsesdk.PresenceEvent{
			EmployeeID: employee.ID,
			DeviceID:   device.ID,
			TeamID:     employee.TeamID,
			Status:     workpulsesdk.PresenceStatus(status),
			Online:     online,
			Reason:     reason,
			AppName:    appName,
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Error(ctx, "marshal push event", slog.Error(err))
		return
	}
	m.broadcaster.Broadcast(ctx, broadcast.TeamKey(employee.TenantID, employee.TeamID), payload)
	m.broadcaster.Broadcast(ctx, broadcast.TenantKey(employee.TenantID), payload)
}

func (m *Manager) lockPair(employeeID, deviceID uuid.UUID) (unlock func()) {
	key := employeeID.String() + "/" + deviceID.String()
	m.mu.Lock()
	pairMu, ok := m.pairMu[key]
	if !ok {
		pairMu = &sync.Mutex{}
		m.pairMu[key] = pairMu
	}
	m.mu.Unlock()
	pairMu.Lock()
	return pairMu.Unlock
}
