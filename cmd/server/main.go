/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Property237 credit and escrow server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults, YAML, .env, environment, flags)
  3. Initialize SQLite store
  4. Seed the credit catalog (get-or-create, admin edits survive)
  5. Build services, handler and router
  6. Run the HTTP server and the deadline scheduler until a signal

COMMAND-LINE FLAGS:
  -c, --config   YAML config file (default: config.yaml, optional)
  -p, --port     HTTP server port, overrides config
      --db       SQLite database path, overrides config
                 Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler after its current sweep
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  ./server --db=./data/property237.db
  ./server --db=":memory:" --port=3000
  LOG_LEVEL=debug ./server -c deploy/config.yaml

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - escrow/scheduler.go: Deadline sweeps
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/property237/credit-escrow/api"
	"github.com/property237/credit-escrow/config"
	"github.com/property237/credit-escrow/credits"
	"github.com/property237/credit-escrow/escrow"
	"github.com/property237/credit-escrow/factory"
	"github.com/property237/credit-escrow/logger"
	"github.com/property237/credit-escrow/metrics"
	"github.com/property237/credit-escrow/notify"
	"github.com/property237/credit-escrow/store/sqlite"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Flags
	configPath := pflag.StringP("config", "c", "config.yaml", "YAML config file")
	port := pflag.IntP("port", "p", 0, "HTTP server port (overrides config)")
	dbPath := pflag.String("db", "", "SQLite database path (overrides config)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithConfig(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	if err := seedCatalog(ctx, cfg, store, log); err != nil {
		return err
	}

	rec := metrics.New()
	notifier := notify.NewLogNotifier(log)

	creditSvc := credits.NewService(store.Credits(),
		credits.WithLogger(log),
		credits.WithNotifier(notifier),
		credits.WithMetrics(rec),
		credits.WithWelcomeBonus(cfg.Credits.WelcomeBonus),
	)
	escrowSvc := escrow.NewService(store.Escrows(),
		escrow.WithLogger(log),
		escrow.WithNotifier(notifier),
		escrow.WithMetrics(rec),
		escrow.WithPaymentWindow(cfg.Escrow.PaymentWindow),
		escrow.WithReleaseWindow(cfg.Escrow.ReleaseWindow),
	)

	scheduler := escrow.NewDeadlineScheduler(escrowSvc, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval

	handler := api.NewHandler(creditSvc, escrowSvc,
		api.WithLogger(log),
		api.WithScheduler(scheduler),
		api.WithHealthCheck(store),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, rec, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Str("db", cfg.Database.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func seedCatalog(ctx context.Context, cfg *config.Config, store *sqlite.Store, log zerolog.Logger) error {
	f := factory.NewCatalogFactory()

	cat := factory.DefaultCatalog()
	if cfg.Credits.CatalogPath != "" {
		loaded, err := f.LoadCatalog(cfg.Credits.CatalogPath)
		if err != nil {
			return err
		}
		cat = loaded
	}

	res, err := f.Seed(ctx, store.Credits(), cat)
	if err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	log.Info().
		Int("packages_created", res.PackagesCreated).
		Int("pricing_created", res.PricingCreated).
		Msg("credit catalog seeded")
	return nil
}
