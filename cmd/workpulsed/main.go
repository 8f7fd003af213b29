package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/quartz"
	"github.com/coder/serpent"

	"github.com/workpulse/workpulse/buildinfo"
	"github.com/workpulse/workpulse/workpulsed"
	"github.com/workpulse/workpulse/workpulsed/session"
	"github.com/workpulse/workpulse/workpulsed/store"
	"github.com/workpulse/workpulse/workpulsed/store/storemem"
)

func main() {
	cmd := &serpent.Command{
		Use:   "workpulsed",
		Short: "Workforce presence and activity server",
		Children: []*serpent.Command{
			serverCmd(),
		},
	}

	err := cmd.Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serverCmd() *serpent.Command {
	var (
		address       string
		verbose       bool
		tenantID      string
		sweepSecret   string
		sweepInterval time.Duration
		orphanTimeout time.Duration
		forceTimeout  time.Duration
		cacheTTL      time.Duration
		ipRateLimit   int64
		devSeed       bool
	)

	cmd := &serpent.Command{
		Use:   "server",
		Short: "Start the workpulsed API server",
		Handler: func(inv *serpent.Invocation) error {
			sinkLevel := slog.LevelInfo
			if verbose {
				sinkLevel = slog.LevelDebug
			}
			logger := slog.Make(sloghuman.Sink(inv.Stderr)).Leveled(sinkLevel)

			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tenant, err := uuid.Parse(tenantID)
			if err != nil {
				return xerrors.Errorf("parse tenant ID %q: %w", tenantID, err)
			}

			db := storemem.New()
			api := workpulsed.New(workpulsed.Options{
				Logger:          logger,
				Clock:           quartz.NewReal(),
				Store:           db,
				DefaultTenantID: tenant,
				SweepSecret:     sweepSecret,
				CacheTTL:        cacheTTL,
				OrphanTimeout:   orphanTimeout,
				ForceTimeout:    forceTimeout,
				IPRateLimit:     int(ipRateLimit),
			})

			if devSeed {
				if err := seedDev(inv, db, tenant); err != nil {
					return xerrors.Errorf("seed dev data: %w", err)
				}
			}

			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			api.Sweeper.Run(ctx, ticker.C)

			listener, err := net.Listen("tcp", address)
			if err != nil {
				return xerrors.Errorf("listen on %q: %w", address, err)
			}
			srv := &http.Server{
				Handler: api.Handler,
				// Slow-loris defense; watch endpoints stream past this via
				// per-write deadlines, not a response timeout.
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Serve(listener)
			}()
			logger.Info(ctx, "server started",
				slog.F("version", buildinfo.Version()),
				slog.F("address", listener.Addr().String()),
				slog.F("tenant_id", tenant),
			)

			select {
			case err := <-errCh:
				return xerrors.Errorf("serve: %w", err)
			case <-ctx.Done():
			}

			logger.Info(ctx, "interrupt caught, shutting down")
			shutdownCtx, cancel := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return xerrors.Errorf("shutdown: %w", err)
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return xerrors.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Options = serpent.OptionSet{
		{
			Flag:        "address",
			Env:         "WORKPULSE_ADDRESS",
			Default:     "127.0.0.1:3000",
			Description: "Bind address of the server.",
			Value:       serpent.StringOf(&address),
		},
		{
			Flag:          "verbose",
			FlagShorthand: "v",
			Env:           "WORKPULSE_VERBOSE",
			Description:   "Enable debug logging.",
			Value:         serpent.BoolOf(&verbose),
		},
		{
			Flag:        "tenant-id",
			Env:         "WORKPULSE_TENANT_ID",
			Default:     "00000000-0000-0000-0000-000000000001",
			Description: "Tenant scope for dashboard requests until a session resolver is installed.",
			Value:       serpent.StringOf(&tenantID),
		},
		{
			Flag:        "sweep-secret",
			Env:         "WORKPULSE_SWEEP_SECRET",
			Description: "Shared secret guarding the manual sweep endpoints. Empty disables them.",
			Value:       serpent.StringOf(&sweepSecret),
		},
		{
			Flag:        "sweep-interval",
			Env:         "WORKPULSE_SWEEP_INTERVAL",
			Default:     "1m",
			Description: "How often the orphaned-session sweeper runs.",
			Value:       serpent.DurationOf(&sweepInterval),
		},
		{
			Flag:        "orphan-timeout",
			Env:         "WORKPULSE_ORPHAN_TIMEOUT",
			Default:     session.DefaultOrphanTimeout.String(),
			Description: "Silence after which an open session is closed as orphaned.",
			Value:       serpent.DurationOf(&orphanTimeout),
		},
		{
			Flag:        "force-timeout",
			Env:         "WORKPULSE_FORCE_TIMEOUT",
			Default:     session.DefaultForceTimeout.String(),
			Description: "Silence after which a session is force-closed with zeroed aggregates.",
			Value:       serpent.DurationOf(&forceTimeout),
		},
		{
			Flag:        "cache-ttl",
			Env:         "WORKPULSE_CACHE_TTL",
			Default:     "4s",
			Description: "TTL of the live-view snapshot cache.",
			Value:       serpent.DurationOf(&cacheTTL),
		},
		{
			Flag:        "ip-rate-limit",
			Env:         "WORKPULSE_IP_RATE_LIMIT",
			Default:     "600",
			Description: "Per-IP requests allowed per minute. Negative disables.",
			Value:       serpent.Int64Of(&ipRateLimit),
		},
		{
			Flag:        "dev-seed",
			Env:         "WORKPULSE_DEV_SEED",
			Description: "Seed an in-memory demo employee and device, printing the agent token.",
			Value:       serpent.BoolOf(&devSeed),
		},
	}
	return cmd
}

// seedDev inserts a demo employee and device so agents can be pointed at a
// fresh server without external provisioning.
func seedDev(inv *serpent.Invocation, db store.Store, tenantID uuid.UUID) error {
	ctx := inv.Context()
	employee := store.Employee{
		ID:       uuid.New(),
		TenantID: tenantID,
		TeamID:   uuid.New(),
		Name:     "demo-employee",
	}
	if err := db.InsertEmployee(ctx, employee); err != nil {
		return xerrors.Errorf("insert employee: %w", err)
	}
	device := store.Device{
		ID:         uuid.New(),
		EmployeeID: employee.ID,
		Name:       "demo-device",
		Token:      uuid.NewString(),
	}
	if err := db.InsertDevice(ctx, device); err != nil {
		return xerrors.Errorf("insert device: %w", err)
	}
	_, _ = fmt.Fprintf(inv.Stdout, "Seeded demo data:\n")
	_, _ = fmt.Fprintf(inv.Stdout, "  employee ID: %s\n", employee.ID)
	_, _ = fmt.Fprintf(inv.Stdout, "  team ID:     %s\n", employee.TeamID)
	_, _ = fmt.Fprintf(inv.Stdout, "  device ID:   %s\n", device.ID)
	_, _ = fmt.Fprintf(inv.Stdout, "  agent token: %s\n", device.Token)
	return nil
}
