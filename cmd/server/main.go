/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the quota engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment (config package)
  2. Build the zap logger
  3. Open the store selected by STORE_DRIVER and migrate it
  4. Optionally load a demo scenario (SEED_SCENARIO)
  5. Wire the reservation and reconciliation engines, metrics and monitor
  6. Configure HTTP router, /healthz, /readyz and /metrics
  7. Start server with graceful shutdown

ENVIRONMENT:
  See config/config.go. The most common ones:
    PORT, LOG_LEVEL, STORE_DRIVER, SQLITE_PATH, DATABASE_URL,
    QUOTA_EQUAL_SHARE, CENTRAL_API_TOKEN, SYNC_RATE_LIMIT

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Stop the discrepancy monitor
  4. Close the store

EXAMPLES:
  # Run with a file database and the demo accounts
  STORE_DRIVER=sqlite SQLITE_PATH=./data/quota.db SEED_SCENARIO=demo ./server

  # Run against PostgreSQL with the equal-share strategy
  STORE_DRIVER=postgres DATABASE_URL=postgres://... QUOTA_EQUAL_SHARE=true ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/open.go: Store selection
*/
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/quota-engine/api"
	"github.com/warp/quota-engine/config"
	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/logging"
	"github.com/warp/quota-engine/metrics"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/reconcile"
	"github.com/warp/quota-engine/seed"
	"github.com/warp/quota-engine/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Component: "quota-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("init store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer backend.Close()

	collector := metrics.NewCollector(nil)

	svc := quota.NewService(backend, quota.NewSelector(cfg.EqualShare), logger.Named("quota"))
	svc.Observer = collector

	engine := reconcile.NewEngine(backend, logger.Named("reconcile"))
	engine.Observer = collector
	svc.Usage = engine

	if cfg.SeedScenario != "" {
		loader := &seed.Loader{Admin: backend, Service: svc}
		if err := loader.Load(ctx, cfg.SeedScenario, generic.Today(svc.Clock)); err != nil {
			logger.Fatal("seed store", zap.String("scenario", cfg.SeedScenario), zap.Error(err))
		}
		logger.Info("seeded store", zap.String("scenario", cfg.SeedScenario))
	}

	monitor := reconcile.NewMonitor(engine)
	monitor.CheckInterval = cfg.MonitorInterval
	monitor.Start()
	defer monitor.Stop()

	handler := api.NewHandler(svc, engine, logger.Named("api"))
	router := api.NewRouter(handler, api.Options{
		APIToken:       cfg.APIToken,
		CORSOrigins:    cfg.CORSOrigins,
		SyncRateLimit:  cfg.SyncRateLimit,
		RequestTimeout: cfg.RequestTimeout,
	})
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Ping(r.Context()); err != nil {
			logging.FromRequest(r, logger).Warn("store not ready", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())

	if cfg.APIToken == "" {
		logger.Warn("CENTRAL_API_TOKEN is empty, API authentication disabled")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting quota server",
			zap.String("port", cfg.Port),
			zap.String("driver", cfg.StoreDriver),
			zap.Bool("equal_share", cfg.EqualShare))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
