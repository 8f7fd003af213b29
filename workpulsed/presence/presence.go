// Package presence answers "is this agent online right now". It is the only
// place device liveness is written; everything else reads it.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the coarse liveness state shown on dashboards.
type Status string

const (
	StatusOnline Status = "online"
	StatusIdle   Status = "idle"
)

// Activity is what the agent reported it is currently doing. All fields are
// optional; an empty Activity means the agent sent no app metadata.
type Activity struct {
	AppName     string `json:"app_name,omitempty"`
	WindowTitle string `json:"window_title,omitempty"`
	URL         string `json:"url,omitempty"`
	Domain      string `json:"domain,omitempty"`
	IsIdle      bool   `json:"is_idle,omitempty"`
}

// Record is the current presence of one device. Overwritten on every
// accepted heartbeat, removed when the session closes.
type Record struct {
	DeviceID   uuid.UUID `json:"device_id"`
	EmployeeID uuid.UUID `json:"employee_id"`
	Status     Status    `json:"status"`
	Activity   Activity  `json:"activity"`
	LastSeen   time.Time `json:"last_seen"`
}

// Store holds presence records keyed by device. Reads after writes within a
// process are consistent; deployments sharing presence across instances
// swap in an externally backed implementation behind the same methods.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]Record
}

// NewStore returns an empty presence store.
func NewStore() *Store {
	return &Store{
		records: make(map[uuid.UUID]Record),
	}
}

// Set creates or overwrites the record for record.DeviceID.
func (s *Store) Set(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.DeviceID] = record
}

// Get returns the record for deviceID, if present.
func (s *Store) Get(deviceID uuid.UUID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[deviceID]
	return record, ok
}

// All returns every record, ordered by device ID for stable output.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].DeviceID.String() < records[j].DeviceID.String()
	})
	return records
}

// Remove deletes the record for deviceID, if present.
func (s *Store) Remove(deviceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, deviceID)
}

// Len returns the number of devices currently tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
