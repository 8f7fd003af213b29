package storemem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workpulse/workpulse/workpulsed/store"
)

// New returns an in-memory implementation of store.Store. It is the default
// for tests and single-instance dev servers.
func New() store.Store {
	return &memQuerier{
		devices:   make(map[uuid.UUID]store.Device),
		byToken:   make(map[string]uuid.UUID),
		employees: make(map[uuid.UUID]store.Employee),
		sessions:  make(map[uuid.UUID]store.WorkSession),
		entries:   make([]store.ActivityEntry, 0),
	}
}

type memQuerier struct {
	mutex sync.RWMutex

	devices   map[uuid.UUID]store.Device
	byToken   map[string]uuid.UUID
	employees map[uuid.UUID]store.Employee
	sessions  map[uuid.UUID]store.WorkSession
	entries   []store.ActivityEntry
}

// InsertDevice seeds a device record. Exposed for tests and the dev server;
// production device enrollment lives outside this subsystem.
func (q *memQuerier) InsertDevice(_ context.Context, device store.Device) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.devices[device.ID] = device
	if device.Token != "" {
		q.byToken[device.Token] = device.ID
	}
	return nil
}

// InsertEmployee seeds an employee record.
func (q *memQuerier) InsertEmployee(_ context.Context, employee store.Employee) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.employees[employee.ID] = employee
	return nil
}

func (q *memQuerier) GetDeviceByToken(_ context.Context, token string) (store.Device, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	id, ok := q.byToken[token]
	if !ok {
		return store.Device{}, store.ErrNoRows
	}
	return q.devices[id], nil
}

func (q *memQuerier) GetDevice(_ context.Context, id uuid.UUID) (store.Device, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	device, ok := q.devices[id]
	if !ok {
		return store.Device{}, store.ErrNoRows
	}
	return device, nil
}

func (q *memQuerier) UpdateDeviceLastSeen(_ context.Context, id uuid.UUID, seenAt time.Time) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	device, ok := q.devices[id]
	if !ok {
		return store.ErrNoRows
	}
	// Last-seen never moves backwards; retried requests may arrive late.
	if seenAt.After(device.LastSeenAt) {
		device.LastSeenAt = seenAt
		q.devices[id] = device
	}
	return nil
}

func (q *memQuerier) GetEmployee(_ context.Context, id uuid.UUID) (store.Employee, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	employee, ok := q.employees[id]
	if !ok {
		return store.Employee{}, store.ErrNoRows
	}
	return employee, nil
}

func (q *memQuerier) AcquireOpenSession(_ context.Context, params store.AcquireOpenSessionParams) (store.WorkSession, bool, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for _, session := range q.sessions {
		if session.State == store.SessionStateOpen &&
			session.EmployeeID == params.EmployeeID &&
			session.DeviceID == params.DeviceID {
			return session, false, nil
		}
	}
	session := store.WorkSession{
		ID:         uuid.New(),
		EmployeeID: params.EmployeeID,
		DeviceID:   params.DeviceID,
		ClockIn:    params.ClockIn,
		State:      store.SessionStateOpen,
		UpdatedAt:  params.ClockIn,
	}
	q.sessions[session.ID] = session
	return session, true, nil
}

func (q *memQuerier) GetOpenSession(_ context.Context, employeeID, deviceID uuid.UUID) (store.WorkSession, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	for _, session := range q.sessions {
		if session.State == store.SessionStateOpen &&
			session.EmployeeID == employeeID &&
			session.DeviceID == deviceID {
			return session, nil
		}
	}
	return store.WorkSession{}, store.ErrNoRows
}

func (q *memQuerier) ListOpenSessions(_ context.Context) ([]store.WorkSession, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	sessions := make([]store.WorkSession, 0)
	for _, session := range q.sessions {
		if session.State == store.SessionStateOpen {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ClockIn.Before(sessions[j].ClockIn)
	})
	return sessions, nil
}

func (q *memQuerier) UpdateSessionAggregates(_ context.Context, params store.UpdateSessionAggregatesParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	session, ok := q.sessions[params.ID]
	if !ok || session.State != store.SessionStateOpen {
		return store.ErrNoRows
	}
	session.ActiveSeconds = params.ActiveSeconds
	session.IdleSeconds = params.IdleSeconds
	session.TotalSeconds = params.TotalSeconds
	session.UpdatedAt = params.UpdatedAt
	q.sessions[params.ID] = session
	return nil
}

func (q *memQuerier) CloseSession(_ context.Context, params store.CloseSessionParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	session, ok := q.sessions[params.ID]
	if !ok || session.State != store.SessionStateOpen {
		return store.ErrNoRows
	}
	session.State = store.SessionStateClosed
	session.ClosedAt = params.ClosedAt
	session.CloseReason = params.Reason
	session.ActiveSeconds = params.ActiveSeconds
	session.IdleSeconds = params.IdleSeconds
	session.TotalSeconds = params.TotalSeconds
	q.sessions[params.ID] = session
	return nil
}

func (q *memQuerier) InsertActivityEntries(_ context.Context, entries []store.ActivityEntry) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for _, entry := range entries {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		q.entries = append(q.entries, entry)
	}
	return nil
}

func (q *memQuerier) ListOpenActivityEntries(_ context.Context, employeeID, deviceID uuid.UUID) ([]store.ActivityEntry, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	entries := make([]store.ActivityEntry, 0)
	for _, entry := range q.entries {
		if entry.Open() && entry.EmployeeID == employeeID && entry.DeviceID == deviceID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (q *memQuerier) ListActivityEntriesInRange(_ context.Context, params store.ActivityEntriesInRangeParams) ([]store.ActivityEntry, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	entries := make([]store.ActivityEntry, 0)
	for _, entry := range q.entries {
		if entry.EmployeeID != params.EmployeeID || entry.DeviceID != params.DeviceID {
			continue
		}
		if entry.StartTime.Before(params.Start) || entry.StartTime.After(params.End) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
	return entries, nil
}

func (q *memQuerier) FinalizeActivityEntry(_ context.Context, params store.FinalizeActivityEntryParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for i, entry := range q.entries {
		if entry.ID != params.ID {
			continue
		}
		if !entry.Open() {
			return store.ErrNoRows
		}
		entry.EndTime = params.EndTime
		entry.DurationSeconds = params.DurationSeconds
		q.entries[i] = entry
		return nil
	}
	return store.ErrNoRows
}
