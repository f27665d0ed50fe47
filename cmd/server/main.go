/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the access engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (YAML -> .env -> ACCESS_* env -> flags)
  2. Configure slog
  3. Open the ledger store (sqlite | gorm-sqlite | postgres)
  4. Import the catalog, if one is configured
  5. Wire gate -> enrollment listener, tracker, access controller
  6. Optional Redis: progress cache + payment stream consumer
  7. Start the enrollment reconciler and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the payment consumer and the reconciler
  4. Close database and Redis connections

EXAMPLES:
  # Local run with the demo catalog
  ACCESS_JWT_SECRET=dev ACCESS_WEBHOOK_SECRET=dev ./server -catalog=demo

  # PostgreSQL via GORM, Redis cache and payment stream
  ./server -config=config.yaml -db-driver=postgres -db="postgres://..." -redis=localhost:6379

SEE ALSO:
  - config/config.go: Settings and precedence
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/gormstore/gormstore.go: Store implementations
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/access-engine/access"
	"github.com/warp/access-engine/api"
	"github.com/warp/access-engine/auth"
	"github.com/warp/access-engine/cache"
	"github.com/warp/access-engine/catalog"
	"github.com/warp/access-engine/config"
	"github.com/warp/access-engine/enrollment"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/payments"
	"github.com/warp/access-engine/progress"
	"github.com/warp/access-engine/purchase"
	"github.com/warp/access-engine/store/gormstore"
	"github.com/warp/access-engine/store/sqlite"
)

// closableStore is a ledger.Store that owns a connection.
type closableStore interface {
	ledger.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	logger := initLogger(cfg.LogLevel)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = store.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	logger.Info("ledger store opened", "driver", cfg.DBDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := importCatalog(ctx, cfg.Catalog, store); err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}
	signer, err := payments.NewSigner(cfg.WebhookSecret)
	if err != nil {
		return err
	}

	// Redis is optional: without it there is no progress cache and payments
	// arrive only through the webhook.
	var (
		rdb           *redis.Client
		progressCache progress.Cache
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		progressCache = cache.NewProgressCache(rdb, cfg.CacheTTL)
		logger.Info("redis enabled", "addr", cfg.RedisAddr)
	}

	gate := purchase.NewGate(store)
	gate.Logger = logger
	enrollments := enrollment.NewService(store, gate)
	enrollments.Logger = logger
	gate.OnConfirm(enrollments.OnPurchaseConfirmed)

	tracker := progress.NewTracker(store, enrollments, progressCache)
	tracker.Logger = logger
	ctrl := access.NewController(store, enrollments, gate, tracker)
	ctrl.Logger = logger

	reconciler := api.NewEnrollmentReconciler(enrollments, cfg.ReconcileSchedule)
	reconciler.Logger = logger
	if err := reconciler.Start(); err != nil {
		return err
	}
	defer reconciler.Stop()

	var wg sync.WaitGroup
	if rdb != nil {
		consumer, err := payments.NewStreamConsumer(rdb, gate, payments.StreamConfig{Stream: cfg.PaymentStream})
		if err != nil {
			return err
		}
		consumer.Logger = logger
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}

	handler := api.NewHandler(api.Deps{
		Access:      ctrl,
		Enrollments: enrollments,
		Purchases:   gate,
		Catalog:     store,
		Signer:      signer,
		Reconciler:  reconciler,
		Logger:      logger,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, verifier, cfg.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	wg.Wait()
	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.Config) (closableStore, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		return sqlite.New(cfg.DBDSN)
	case config.DriverGormSQLite:
		return gormstore.Open("sqlite", cfg.DBDSN)
	case config.DriverPostgres:
		return gormstore.Open("postgres", cfg.DBDSN)
	}
	return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
}

func importCatalog(ctx context.Context, source string, s catalog.Saver) error {
	var (
		cat *catalog.Catalog
		err error
	)
	switch source {
	case "":
		return nil
	case "demo":
		cat = catalog.Demo()
	default:
		cat, err = catalog.NewFactory().ParseFile(source)
		if err != nil {
			return fmt.Errorf("catalog %s: %w", source, err)
		}
	}
	if err := catalog.Load(ctx, s, cat); err != nil {
		return fmt.Errorf("import catalog: %w", err)
	}
	slog.Info("catalog imported", "source", source, "courses", len(cat.Courses), "resources", len(cat.Resources))
	return nil
}

// initLogger configures the global slog logger with JSON output and level.
func initLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
	slog.SetDefault(logger)
	return logger
}
