// Package livecache is the short-TTL cache in front of the computed
// "who is online" view. Polling and streaming dashboards share one snapshot
// per TTL window instead of each recomputing it, which bounds recomputation
// cost under fleet-wide heartbeat load. Invalidation is reserved for state
// transitions that matter visually (idle/active crossings), never for
// individual heartbeats.
package livecache

import (
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// DefaultTTL keeps dashboards at most this stale. Chosen short enough that
// eventual consistency is invisible to a human, long enough to coalesce a
// whole fleet's heartbeats into one recomputation.
const DefaultTTL = 4 * time.Second

// Cache is a TTL cache with prefix invalidation. Expired entries are
// evicted lazily on read.
type Cache struct {
	clock quartz.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the real clock, for tests.
func WithClock(clock quartz.Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		clock:   quartz.NewReal(),
		ttl:     DefaultTTL,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the unexpired value for key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for the cache's TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		value:     value,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
}

// InvalidatePattern drops every entry whose key starts with prefix and
// returns how many were dropped.
func (c *Cache) InvalidatePattern(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of entries, including any not yet lazily evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
