// Package workpulsed is the workpulse server: agent ingestion, the live
// presence view, dashboard push streams, and the orphan sweep, all behind
// one chi router.
package workpulsed

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/workpulse/workpulse/buildinfo"
	"github.com/workpulse/workpulse/workpulsed/broadcast"
	"github.com/workpulse/workpulse/workpulsed/httpapi"
	"github.com/workpulse/workpulse/workpulsed/httpmw"
	"github.com/workpulse/workpulse/workpulsed/livecache"
	"github.com/workpulse/workpulse/workpulsed/presence"
	"github.com/workpulse/workpulse/workpulsed/protection"
	"github.com/workpulse/workpulse/workpulsed/session"
	"github.com/workpulse/workpulse/workpulsed/store"
	"github.com/workpulse/workpulse/workpulsesdk"
)

// Options configures the API. Store is required; everything else has
// defaults sized for a single instance.
type Options struct {
	Logger slog.Logger
	Clock  quartz.Clock
	Store  store.Store

	// PrometheusRegistry receives every component's collectors. Defaults to
	// a fresh registry exposed on /metrics.
	PrometheusRegistry *prometheus.Registry

	// DefaultTenantID scopes dashboard requests when no session resolver is
	// installed. Session authentication proper is owned by an external
	// system.
	DefaultTenantID uuid.UUID

	// SweepSecret guards the sweep trigger endpoints. Empty disables them.
	SweepSecret string

	Protection    protection.Options
	CacheTTL      time.Duration
	OrphanTimeout time.Duration
	ForceTimeout  time.Duration

	// IPRateLimit is the coarse per-IP request budget per minute applied
	// in front of everything else. Zero uses a default; negative disables.
	IPRateLimit int
}

// API is the assembled server. Its Handler field serves all routes.
type API struct {
	Options Options
	Handler http.Handler

	Logger      slog.Logger
	Clock       quartz.Clock
	Store       store.Store
	Presence    *presence.Store
	Cache       *livecache.Cache
	Broadcaster *broadcast.Broadcaster
	Manager     *session.Manager
	Sweeper     *session.Sweeper
	Protection  *protection.Service
}

// New assembles the API and its router.
func New(options Options) *API {
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.PrometheusRegistry == nil {
		options.PrometheusRegistry = prometheus.NewRegistry()
	}
	if options.CacheTTL == 0 {
		options.CacheTTL = livecache.DefaultTTL
	}
	if options.IPRateLimit == 0 {
		options.IPRateLimit = 600
	}
	options.Protection.Clock = options.Clock

	logger := options.Logger
	reg := options.PrometheusRegistry

	api := &API{
		Options:     options,
		Logger:      logger,
		Clock:       options.Clock,
		Store:       options.Store,
		Presence:    presence.NewStore(),
		Cache:       livecache.New(livecache.WithClock(options.Clock), livecache.WithTTL(options.CacheTTL)),
		Broadcaster: broadcast.New(logger, reg),
		Protection:  protection.New(logger, reg, options.Protection),
	}
	api.Manager = session.New(logger, reg, session.Options{
		Clock:       options.Clock,
		Store:       options.Store,
		Presence:    api.Presence,
		Cache:       api.Cache,
		Broadcaster: api.Broadcaster,
	})
	api.Sweeper = session.NewSweeper(logger, reg, session.SweeperOptions{
		Clock:         options.Clock,
		Store:         options.Store,
		Manager:       api.Manager,
		OrphanTimeout: options.OrphanTimeout,
		ForceTimeout:  options.ForceTimeout,
	})

	r := chi.NewRouter()
	r.Use(
		httpmw.AttachRequestID,
		httpmw.Logger(logger),
	)
	if options.IPRateLimit > 0 {
		r.Use(httprate.Limit(
			options.IPRateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				httpapi.Write(r.Context(), w, http.StatusTooManyRequests, workpulsesdk.Response{
					Message: "Rate limit exceeded. Please try again later.",
				})
			}),
		))
	}

	r.Get("/healthz", api.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v2", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Use(httpmw.ExtractDevice(options.Store))
			r.Post("/heartbeat", api.postHeartbeat)
			r.Post("/events", api.postEvents)
			r.Post("/clockout", api.postClockOut)
		})
		r.Route("/live", func(r chi.Router) {
			r.Get("/", api.liveSnapshot)
			r.Get("/watch", api.watchLiveSSE)
			r.Get("/watch-ws", api.watchLiveWS)
		})
		r.Route("/sweep", func(r chi.Router) {
			r.Use(httpmw.RequireSweepSecret(options.SweepSecret))
			r.Post("/", api.postSweep)
			r.Get("/dry-run", api.getSweepDryRun)
		})
	})
	api.Handler = r
	return api
}

func (api *API) healthz(rw http.ResponseWriter, r *http.Request) {
	httpapi.Write(r.Context(), rw, http.StatusOK, workpulsesdk.Response{
		Message: "ok",
		Detail:  buildinfo.Version() + ", breaker: " + string(api.Protection.BreakerState()),
	})
}

// tenantID resolves the tenant for a dashboard request. Session-based
// multi-tenant resolution plugs in here; the default scopes everything to
// the configured tenant.
func (api *API) tenantID(_ *http.Request) uuid.UUID {
	return api.Options.DefaultTenantID
}
