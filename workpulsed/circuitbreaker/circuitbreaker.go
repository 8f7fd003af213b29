// Package circuitbreaker protects the storage layer from being hammered
// while it is failing. A breaker wraps an operation class: consecutive
// failures open it, a cooldown half-opens it, and consecutive probe
// successes close it again.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

// State is the breaker's current mode.
type State string

const (
	// StateClosed admits every call.
	StateClosed State = "closed"
	// StateOpen rejects every call without invoking the operation.
	StateOpen State = "open"
	// StateHalfOpen admits probe calls after the cooldown.
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned when the breaker rejects a call outright.
var ErrOpen = xerrors.New("circuit breaker is open")

// Breaker implements the CLOSED/OPEN/HALF_OPEN state machine. A single
// success in CLOSED fully forgives prior failures; a single failure in
// HALF_OPEN reopens immediately.
type Breaker struct {
	clock            quartz.Clock
	failureThreshold int
	successThreshold int
	timeout          time.Duration

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the real clock, for tests.
func WithClock(clock quartz.Clock) Option {
	return func(b *Breaker) {
		b.clock = clock
	}
}

// New returns a closed Breaker. failureThreshold consecutive failures open
// it; after timeout it half-opens, and successThreshold consecutive
// successes close it again.
func New(failureThreshold, successThreshold int, timeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		clock:            quartz.NewReal(),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs op under the breaker's protection. When the breaker is open
// and the cooldown has not elapsed, op is not invoked and ErrOpen is
// returned.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

// State returns the breaker's current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns how long until the open breaker admits a probe, and
// zero when calls are already admitted.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.openedAt.Add(b.timeout).Sub(b.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the breaker closed and clears all counters. Operational
// override only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.openedAt = time.Time{}
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if b.clock.Now().Before(b.openedAt.Add(b.timeout)) {
		return ErrOpen
	}
	b.state = StateHalfOpen
	b.successes = 0
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if err != nil {
			b.failures++
			if b.failures >= b.failureThreshold {
				b.state = StateOpen
				b.openedAt = b.clock.Now()
			}
			return
		}
		b.failures = 0
	case StateHalfOpen:
		if err != nil {
			// No partial credit: one failed probe reopens the window.
			b.state = StateOpen
			b.openedAt = b.clock.Now()
			b.successes = 0
			return
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateOpen:
		// A call admitted before a concurrent open still records here;
		// its outcome is irrelevant once the breaker has opened.
	}
}
