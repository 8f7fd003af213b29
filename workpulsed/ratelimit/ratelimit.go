// Package ratelimit implements the sliding-window request limiter used to
// admit agent traffic. It is deliberately not a fixed-bucket counter: each
// identity keeps the timestamps of its requests inside the current window,
// so capacity frees up continuously as old requests age out.
package ratelimit

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Result is the outcome of a single admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when full capacity would exist if the caller stopped
	// sending entirely, i.e. now + window. It is not the close of the
	// window the oldest recorded request started.
	ResetAt time.Time
}

// Limiter is a sliding-window rate limiter keyed by an opaque identity
// string. Entries for a key are purged lazily on the next access to that
// key; an abandoned key retains at most one window's worth of timestamps
// until Reset is called for it.
type Limiter struct {
	clock       quartz.Clock
	window      time.Duration
	maxRequests int

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the real clock, for tests.
func WithClock(clock quartz.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// New returns a Limiter allowing maxRequests per identity per window.
func New(maxRequests int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		clock:       quartz.NewReal(),
		window:      window,
		maxRequests: maxRequests,
		buckets:     make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records a request attempt for identity and reports whether it is
// admitted. An admitted request consumes one slot of the window's capacity;
// a rejected request consumes nothing.
func (l *Limiter) Check(identity string) Result {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.purgeLocked(identity, now)
	result := Result{
		Limit:   l.maxRequests,
		ResetAt: now.Add(l.window),
	}
	if len(bucket) >= l.maxRequests {
		l.buckets[identity] = bucket
		return result
	}
	bucket = append(bucket, now)
	l.buckets[identity] = bucket
	result.Allowed = true
	result.Remaining = l.maxRequests - len(bucket)
	return result
}

// Usage returns the number of requests recorded for identity inside the
// current window.
func (l *Limiter) Usage(identity string) int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.purgeLocked(identity, now)
	if len(bucket) == 0 {
		delete(l.buckets, identity)
		return 0
	}
	l.buckets[identity] = bucket
	return len(bucket)
}

// Reset forgets all recorded requests for identity.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, identity)
}

// Size returns the number of identities currently tracked, including keys
// whose remaining timestamps have aged out but not yet been purged.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) purgeLocked(identity string, now time.Time) []time.Time {
	bucket := l.buckets[identity]
	cutoff := now.Add(-l.window)
	// Timestamps are appended in order, so find the first one still inside
	// the window and drop everything before it.
	keep := 0
	for keep < len(bucket) && !bucket[keep].After(cutoff) {
		keep++
	}
	return bucket[keep:]
}
