// Package dedup collapses concurrent retries of the same logical request
// into a single execution. Agents on flaky links retry aggressively; without
// this, one slow storage write turns into N identical writes.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"
)

// Deduplicator runs at most one operation per key at a time. Concurrent
// calls for an in-flight key share the first call's result. A successful
// result stays cached for a short TTL so immediate retries are served
// without re-executing; a failed result is evicted immediately so the next
// call retries for real.
type Deduplicator struct {
	clock quartz.Clock
	ttl   time.Duration

	group singleflight.Group

	mu      sync.Mutex
	pending map[string]struct{}
	cached  map[string]cachedResult
}

type cachedResult struct {
	value     any
	expiresAt time.Time
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithClock replaces the real clock, for tests.
func WithClock(clock quartz.Clock) Option {
	return func(d *Deduplicator) {
		d.clock = clock
	}
}

// New returns a Deduplicator caching successful results for ttl.
func New(ttl time.Duration, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		clock:   quartz.NewReal(),
		ttl:     ttl,
		pending: make(map[string]struct{}),
		cached:  make(map[string]cachedResult),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs op for key, or returns the shared/cached result of an
// identical request.
func (d *Deduplicator) Execute(ctx context.Context, key string, op func(ctx context.Context) (any, error)) (any, error) {
	d.mu.Lock()
	if result, ok := d.cached[key]; ok {
		if d.clock.Now().Before(result.expiresAt) {
			d.mu.Unlock()
			return result.value, nil
		}
		delete(d.cached, key)
	}
	d.pending[key] = struct{}{}
	d.mu.Unlock()

	value, err, _ := d.group.Do(key, func() (any, error) {
		value, err := op(ctx)
		d.mu.Lock()
		defer d.mu.Unlock()
		if err == nil {
			d.cached[key] = cachedResult{
				value:     value,
				expiresAt: d.clock.Now().Add(d.ttl),
			}
		}
		return value, err
	})

	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
	return value, err
}

// InFlight reports whether key has a pending execution or an unexpired
// cached result.
func (d *Deduplicator) InFlight(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[key]; ok {
		return true
	}
	result, ok := d.cached[key]
	if !ok {
		return false
	}
	if !d.clock.Now().Before(result.expiresAt) {
		delete(d.cached, key)
		return false
	}
	return true
}

// Size returns the number of keys with pending or cached entries.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	for key, result := range d.cached {
		if !now.Before(result.expiresAt) {
			delete(d.cached, key)
		}
	}
	n := len(d.cached)
	for key := range d.pending {
		if _, ok := d.cached[key]; !ok {
			n++
		}
	}
	return n
}

// Clear drops every cached result. In-flight executions are unaffected and
// cache their results on completion as usual.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached = make(map[string]cachedResult)
}
