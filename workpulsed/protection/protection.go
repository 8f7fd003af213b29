// Package protection is the admission gate in front of agent ingestion. It
// stacks a fleet-wide rate limit, a per-device rate limit, request
// deduplication, and a circuit breaker around the storage layer, so a burst
// from one device or a storage outage cannot take the whole ingest path
// down.
package protection

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/workpulse/workpulse/workpulsed/circuitbreaker"
	"github.com/workpulse/workpulse/workpulsed/dedup"
	"github.com/workpulse/workpulse/workpulsed/ratelimit"
)

const globalIdentity = "global"

// ErrRateLimited is returned when either limiter rejects the request. The
// Result's RateLimit field says which budget was exhausted and when capacity
// returns.
var ErrRateLimited = xerrors.New("rate limit exceeded")

// Options tune the protective layer. Zero values fall back to defaults
// sized for a fleet of a few thousand agents on one instance.
type Options struct {
	GlobalLimit             int
	IdentityLimit           int
	LimitWindow             time.Duration
	DedupTTL                time.Duration
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	// Clock is injected into every subcomponent, for tests.
	Clock quartz.Clock
}

// Result is the outcome of one protected execution. RateLimit is always the
// snapshot taken at admission, even when the operation itself failed.
type Result struct {
	Value     any
	Err       error
	RateLimit ratelimit.Result
}

// Ok reports whether the operation ran and succeeded.
func (r Result) Ok() bool {
	return r.Err == nil
}

// Service composes the protective components. Construct one per protected
// operation class so a storage outage visible to one class does not trip
// unrelated traffic.
type Service struct {
	logger   slog.Logger
	global   *ratelimit.Limiter
	identity *ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	dedup    *dedup.Deduplicator

	admitted         prometheus.Counter
	rejectedGlobal   prometheus.Counter
	rejectedIdentity prometheus.Counter
	rejectedBreaker  prometheus.Counter
}

// New returns a Service with the given options, registering its metrics on
// reg when non-nil.
func New(logger slog.Logger, reg prometheus.Registerer, opts Options) *Service {
	if opts.GlobalLimit == 0 {
		opts.GlobalLimit = 1000
	}
	if opts.IdentityLimit == 0 {
		opts.IdentityLimit = 120
	}
	if opts.LimitWindow == 0 {
		opts.LimitWindow = time.Minute
	}
	if opts.DedupTTL == 0 {
		opts.DedupTTL = 5 * time.Second
	}
	if opts.BreakerFailureThreshold == 0 {
		opts.BreakerFailureThreshold = 5
	}
	if opts.BreakerSuccessThreshold == 0 {
		opts.BreakerSuccessThreshold = 2
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	var limiterOpts []ratelimit.Option
	var breakerOpts []circuitbreaker.Option
	var dedupOpts []dedup.Option
	if opts.Clock != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithClock(opts.Clock))
		breakerOpts = append(breakerOpts, circuitbreaker.WithClock(opts.Clock))
		dedupOpts = append(dedupOpts, dedup.WithClock(opts.Clock))
	}

	s := &Service{
		logger:   logger.Named("protection"),
		global:   ratelimit.New(opts.GlobalLimit, opts.LimitWindow, limiterOpts...),
		identity: ratelimit.New(opts.IdentityLimit, opts.LimitWindow, limiterOpts...),
		breaker:  circuitbreaker.New(opts.BreakerFailureThreshold, opts.BreakerSuccessThreshold, opts.BreakerTimeout, breakerOpts...),
		dedup:    dedup.New(opts.DedupTTL, dedupOpts...),

		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "protection",
			Name:      "admitted_total",
			Help:      "Requests admitted past both rate limiters.",
		}),
		rejectedGlobal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "protection",
			Name:      "rejected_global_total",
			Help:      "Requests rejected by the fleet-wide rate limit.",
		}),
		rejectedIdentity: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "protection",
			Name:      "rejected_identity_total",
			Help:      "Requests rejected by the per-identity rate limit.",
		}),
		rejectedBreaker: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workpulse",
			Subsystem: "protection",
			Name:      "rejected_breaker_total",
			Help:      "Requests rejected by the open circuit breaker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.admitted, s.rejectedGlobal, s.rejectedIdentity, s.rejectedBreaker)
	}
	return s
}

// Execute admits one request for identity and runs op through the breaker,
// deduplicated by requestKey. Rate-limit slots are spent at admission,
// regardless of whether op ultimately succeeds.
func (s *Service) Execute(ctx context.Context, identity, requestKey string, op func(ctx context.Context) (any, error)) Result {
	global := s.global.Check(globalIdentity)
	if !global.Allowed {
		s.rejectedGlobal.Inc()
		return Result{Err: ErrRateLimited, RateLimit: global}
	}

	perIdentity := s.identity.Check(identity)
	if !perIdentity.Allowed {
		s.rejectedIdentity.Inc()
		return Result{Err: ErrRateLimited, RateLimit: perIdentity}
	}
	s.admitted.Inc()

	value, err := s.dedup.Execute(ctx, requestKey, func(ctx context.Context) (any, error) {
		var value any
		execErr := s.breaker.Execute(ctx, func(ctx context.Context) error {
			var opErr error
			value, opErr = op(ctx)
			return opErr
		})
		return value, execErr
	})
	if err != nil {
		if xerrors.Is(err, circuitbreaker.ErrOpen) {
			s.rejectedBreaker.Inc()
		} else {
			s.logger.Warn(ctx, "protected operation failed",
				slog.F("identity", identity),
				slog.F("request_key", requestKey),
				slog.Error(err),
			)
		}
		return Result{Err: err, RateLimit: perIdentity}
	}
	return Result{Value: value, RateLimit: perIdentity}
}

// BreakerState exposes the breaker's state for health reporting.
func (s *Service) BreakerState() circuitbreaker.State {
	return s.breaker.State()
}

// BreakerRetryAfter returns the open breaker's remaining cooldown, for
// Retry-After headers. Zero when the breaker admits calls.
func (s *Service) BreakerRetryAfter() time.Duration {
	return s.breaker.RetryAfter()
}

// ResetBreaker forces the breaker closed. Operational override.
func (s *Service) ResetBreaker() {
	s.breaker.Reset()
}

// InFlight reports whether requestKey currently collapses into an existing
// execution or cached result.
func (s *Service) InFlight(requestKey string) bool {
	return s.dedup.InFlight(requestKey)
}
