// Package broadcast is the registry of open dashboard push connections and
// the fan-out primitive that feeds them. It is transport-agnostic: a sink is
// any write function, SSE and WebSocket senders both register here.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"cdr.dev/slog"
)

// Sink receives one serialized payload. Implementations must be
// non-blocking (enqueue and return); a returned error removes the sink from
// the registry.
type Sink func(ctx context.Context, payload []byte) error

// TeamKey scopes a subscription to one team of one tenant. Keys always
// embed the tenant so a mis-scoped subscribe cannot leak across tenants.
func TeamKey(tenantID, teamID uuid.UUID) string {
	return fmt.Sprintf("tenant:%s:team:%s", tenantID, teamID)
}

// TenantKey is the "all teams" subscription for a tenant. It receives every
// update for the tenant regardless of which team changed.
func TenantKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenant:%s:*", tenantID)
}

// EmployeeKey scopes a subscription to a single employee, used for
// agent-facing notifications.
func EmployeeKey(employeeID uuid.UUID) string {
	return fmt.Sprintf("employee:%s", employeeID)
}

// writeTimeout bounds a single sink write. Sinks are expected to enqueue
// and return; this only guards against a pathological implementation.
const writeTimeout = 5 * time.Second

// Broadcaster owns the set membership of subscriptions; the transport layer
// owns each sink's lifecycle and unsubscribes via the returned cancel.
type Broadcaster struct {
	logger slog.Logger

	mu    sync.RWMutex
	sinks map[string]map[uuid.UUID]Sink

	subscriptions prometheus.Gauge
	pruned        prometheus.Counter
}

// New returns an empty Broadcaster, registering metrics on reg when
// non-nil.
func New(logger slog.Logger, reg prometheus.Registerer) *Broadcaster {
	b := &Broadcaster{
		logger: logger.Named("broadcast"),
		sinks:  make(map[string]map[uuid.UUID]Sink),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workpulse",
			Subsystem: "broadcast",
			Name:      "subscriptions",
			Help:      "Open push subscriptions.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "broadcast",
			Name:      "pruned_sinks_total",
			Help:      "Sinks removed after a failed write.",
		}),
	}
	if reg != nil {
		reg.MustRegister(b.subscriptions, b.pruned)
	}
	return b
}

// Subscribe registers sink under key and returns a cancel function. Cancel
// is idempotent.
func (b *Broadcaster) Subscribe(key string, sink Sink) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sinks, ok := b.sinks[key]
	if !ok {
		sinks = make(map[uuid.UUID]Sink)
		b.sinks[key] = sinks
	}
	id := uuid.New()
	sinks[id] = sink
	b.subscriptions.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(key, id)
		})
	}
}

// Broadcast writes payload to every sink registered under key. A failing
// sink is pruned; its error never reaches other sinks or the caller.
func (b *Broadcaster) Broadcast(ctx context.Context, key string, payload []byte) {
	b.mu.RLock()
	targets := make(map[uuid.UUID]Sink, len(b.sinks[key]))
	for id, sink := range b.sinks[key] {
		targets[id] = sink
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for id, sink := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			if err := sink(writeCtx, payload); err != nil {
				b.logger.Debug(ctx, "pruning dead sink",
					slog.F("key", key),
					slog.Error(err),
				)
				b.remove(key, id)
				b.pruned.Inc()
			}
		}()
	}
	wg.Wait()
}

// BroadcastAll writes payload to every sink under every key.
func (b *Broadcaster) BroadcastAll(ctx context.Context, payload []byte) {
	b.mu.RLock()
	keys := make([]string, 0, len(b.sinks))
	for key := range b.sinks {
		keys = append(keys, key)
	}
	b.mu.RUnlock()
	for _, key := range keys {
		b.Broadcast(ctx, key, payload)
	}
}

// Len returns the number of sinks registered under key.
func (b *Broadcaster) Len(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks[key])
}

func (b *Broadcaster) remove(key string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sinks, ok := b.sinks[key]
	if !ok {
		return
	}
	if _, ok := sinks[id]; !ok {
		return
	}
	delete(sinks, id)
	b.subscriptions.Dec()
	if len(sinks) == 0 {
		delete(b.sinks, key)
	}
}
