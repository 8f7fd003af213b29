package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// ErrNoRows is returned when a lookup matches nothing. Implementations backed
// by a SQL store should translate their driver's sentinel to this one.
var ErrNoRows = xerrors.New("no rows")

// SessionState is the explicit lifecycle state of a work session. A session
// is never represented by a nullable close timestamp; closed sessions always
// carry a reason.
type SessionState string

const (
	SessionStateOpen   SessionState = "open"
	SessionStateClosed SessionState = "closed"
)

// CloseReason records why a session left the open state.
type CloseReason string

const (
	// CloseReasonClockOut is a clean close requested by the agent.
	CloseReasonClockOut CloseReason = "clock_out"
	// CloseReasonOrphaned is a routine sweep close of a session whose device
	// went silent past the orphan timeout. Aggregates are recomputed from the
	// activity ledger.
	CloseReasonOrphaned CloseReason = "orphaned"
	// CloseReasonForced is a defensive sweep close of a session that has been
	// open far past any plausible workday. Aggregates are zeroed rather than
	// trusting stale data.
	CloseReasonForced CloseReason = "forced"
)

// Device is an enrolled agent installation. Identity resolution (token ->
// device) is handled by an external system; this store only persists the
// record it hands back.
type Device struct {
	ID         uuid.UUID
	EmployeeID uuid.UUID
	Name       string
	Token      string
	LastSeenAt time.Time
}

// Employee is the subset of the employee record the live pipeline needs.
type Employee struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	TeamID   uuid.UUID
	Name     string
}

// WorkSession is one contiguous tracked work period for an employee on a
// device. Aggregate seconds are monotonically non-decreasing while the
// session is open and frozen at close.
type WorkSession struct {
	ID         uuid.UUID
	EmployeeID uuid.UUID
	DeviceID   uuid.UUID
	ClockIn    time.Time

	State       SessionState
	ClosedAt    time.Time
	CloseReason CloseReason

	ActiveSeconds int64
	IdleSeconds   int64
	TotalSeconds  int64

	// UpdatedAt is the embedded timestamp of the last heartbeat applied to
	// this session, used to discard out-of-order heartbeats.
	UpdatedAt time.Time
}

// ActivityEntry is one row of the append-only activity ledger. An entry with
// a zero EndTime is still open; the sweep finalizes open entries when it
// closes an orphaned session.
type ActivityEntry struct {
	ID              uuid.UUID
	EmployeeID      uuid.UUID
	DeviceID        uuid.UUID
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds int64
	IsIdle          bool
	Category        string
	AppName         string
	WindowTitle     string
}

// Open reports whether the entry has not been finalized yet.
func (e ActivityEntry) Open() bool {
	return e.EndTime.IsZero()
}

type AcquireOpenSessionParams struct {
	EmployeeID uuid.UUID
	DeviceID   uuid.UUID
	ClockIn    time.Time
}

type UpdateSessionAggregatesParams struct {
	ID            uuid.UUID
	ActiveSeconds int64
	IdleSeconds   int64
	TotalSeconds  int64
	UpdatedAt     time.Time
}

type CloseSessionParams struct {
	ID            uuid.UUID
	ClosedAt      time.Time
	Reason        CloseReason
	ActiveSeconds int64
	IdleSeconds   int64
	TotalSeconds  int64
}

type FinalizeActivityEntryParams struct {
	ID              uuid.UUID
	EndTime         time.Time
	DurationSeconds int64
}

type ActivityEntriesInRangeParams struct {
	EmployeeID uuid.UUID
	DeviceID   uuid.UUID
	Start      time.Time
	End        time.Time
}

// Store is the persistence boundary of the live pipeline. The production
// deployment backs it with the relational layer; tests and the default dev
// server use the in-memory implementation in storemem.
type Store interface {
	// InsertDevice and InsertEmployee exist for seeding; enrollment proper is
	// owned by the excluded identity subsystem.
	InsertDevice(ctx context.Context, device Device) error
	InsertEmployee(ctx context.Context, employee Employee) error

	// GetDeviceByToken resolves an agent token. Returns ErrNoRows for an
	// unknown token.
	GetDeviceByToken(ctx context.Context, token string) (Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (Device, error)
	UpdateDeviceLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error

	GetEmployee(ctx context.Context, id uuid.UUID) (Employee, error)

	// AcquireOpenSession returns the open session for the employee+device
	// pair, creating one with the given clock-in time when none exists. The
	// created return reports which happened. Implementations must enforce
	// at most one open session per pair even under concurrent calls.
	AcquireOpenSession(ctx context.Context, params AcquireOpenSessionParams) (session WorkSession, created bool, err error)
	GetOpenSession(ctx context.Context, employeeID, deviceID uuid.UUID) (WorkSession, error)
	ListOpenSessions(ctx context.Context) ([]WorkSession, error)
	UpdateSessionAggregates(ctx context.Context, params UpdateSessionAggregatesParams) error
	// CloseSession transitions an open session to closed. Closing an already
	// closed session returns ErrNoRows so sweeps are naturally idempotent.
	CloseSession(ctx context.Context, params CloseSessionParams) error

	InsertActivityEntries(ctx context.Context, entries []ActivityEntry) error
	ListOpenActivityEntries(ctx context.Context, employeeID, deviceID uuid.UUID) ([]ActivityEntry, error)
	ListActivityEntriesInRange(ctx context.Context, params ActivityEntriesInRangeParams) ([]ActivityEntry, error)
	FinalizeActivityEntry(ctx context.Context, params FinalizeActivityEntryParams) error
}
