/*
main.go - Application entry point

PURPOSE:
  Starts the billing engine: either the HTTP server, or a single run
  triggered from the command line (cron, CI, operators).

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, BILLING_* environment)
  2. Parse command-line flags (override configuration)
  3. Initialize logging, SQLite store and run lock
  4. Wire the engine behind the API handler
  5. Either execute -run once and exit, or serve HTTP with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port
  -db        SQLite database path (":memory:" for in-memory)
  -lock      Run lock backend: local | valkey
  -valkey    Valkey address for the valkey lock
  -fallback  Billing fallback when the store is unreachable: simulate | strict
  -run       One-shot run: commission | recon | group | individual
  -period    Period for -run group (e.g. 2026-4); default current month
  -force     Re-run a completed monthly run (-run commission | recon)

EXAMPLES:
  # Serve the API
  ./server -db="./data/billing.db"

  # Monthly commission run from cron, across several hosts
  ./server -run=commission -lock=valkey -valkey=cache:6379

  # Bill group payers for March 2026 and fail loudly if the store is down
  ./server -run=group -period=2026-3 -fallback=strict

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/automation"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/runlock"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	port := flag.Int("port", cfg.ServerPort, "HTTP server port")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	lockBackend := flag.String("lock", cfg.LockBackend, "Run lock backend (local|valkey)")
	valkeyAddr := flag.String("valkey", cfg.ValkeyAddress, "Valkey address")
	fallback := flag.String("fallback", cfg.BillingFallback, "Billing fallback (simulate|strict)")
	oneShot := flag.String("run", "", "Execute one run and exit (commission|recon|group|individual)")
	period := flag.String("period", "", "Period for -run group")
	force := flag.Bool("force", false, "Re-run a completed monthly run")
	flag.Parse()

	cfg.ServerPort = *port
	cfg.DatabasePath = *dbPath
	cfg.LockBackend = *lockBackend
	cfg.ValkeyAddress = *valkeyAddr
	cfg.BillingFallback = *fallback
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	log := logger.New("main").Function("run")

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	handler := api.NewHandler(store, locker, domain.SystemClock, billing.FallbackPolicy(cfg.BillingFallback))

	if *oneShot != "" {
		return execute(context.Background(), handler, *oneShot, *period, *force)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      api.NewRouter(handler, cfg.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", server.Addr, "db", cfg.DatabasePath, "lock", cfg.LockBackend, "fallback", cfg.BillingFallback)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return log.Err("server failed", err)
		}
		return nil
	case <-quit:
	}

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return log.Err("server forced to shutdown", err)
	}
	log.Info("server stopped")
	return nil
}

func newLocker(cfg config.Config) (runlock.Locker, func(), error) {
	if cfg.LockBackend != config.LockValkey {
		return runlock.NewLocal(), func() {}, nil
	}
	v, err := runlock.NewValkey(cfg.ValkeyAddress, runlock.DefaultTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.ValkeyAddress, err)
	}
	return v, v.Close, nil
}

// execute runs one trigger and logs its outcome.
func execute(ctx context.Context, h *api.Handler, what, periodKey string, force bool) error {
	log := logger.New("main").Function("execute")

	switch what {
	case "group", "individual":
		var (
			run *domain.BillingRun
			err error
		)
		if what == "group" {
			var p domain.Period
			if periodKey != "" {
				if p, err = domain.ParsePeriod(periodKey); err != nil {
					return err
				}
			}
			run, err = h.Billing.ExecuteGroupBilling(ctx, p)
		} else {
			run, err = h.Billing.ExecuteIndividualBilling(ctx)
		}
		if err != nil {
			return err
		}
		log.Info("billing run finished", "run", run.ID, "strategy", run.Strategy, "status", run.Status,
			"invoices", run.InvoiceCount, "total", run.TotalAmount.StringFixed(2), "simulated", run.Simulated)
		for _, line := range run.Logs {
			log.Debug(line, "run", run.ID)
		}
		return nil

	default:
		if what == "recon" {
			what = string(domain.RunPremiumRecon)
		}
		runType, err := automation.ParseRunType(what)
		if err != nil {
			return err
		}
		run, err := h.Orchestrator.ExecuteMonthlyRun(ctx, runType, "cli", force)
		if err != nil {
			return err
		}
		if run == nil {
			log.Info("monthly run already completed", "type", runType)
			return nil
		}
		log.Info("monthly run finished", "run", run.ID, "status", run.Status,
			"count", run.Summary.Count, "total", run.Summary.TotalValue.StringFixed(2))
		return nil
	}
}
