// Package main is the entrypoint for the Launchpad API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/launchpad/internal/aggregator"
	"github.com/kiranshivaraju/launchpad/internal/api"
	"github.com/kiranshivaraju/launchpad/internal/api/handler"
	mw "github.com/kiranshivaraju/launchpad/internal/api/middleware"
	"github.com/kiranshivaraju/launchpad/internal/api/response"
	"github.com/kiranshivaraju/launchpad/internal/cache"
	"github.com/kiranshivaraju/launchpad/internal/config"
	"github.com/kiranshivaraju/launchpad/internal/eventbus"
	"github.com/kiranshivaraju/launchpad/internal/gateway"
	"github.com/kiranshivaraju/launchpad/internal/pipeline"
	"github.com/kiranshivaraju/launchpad/internal/runner"
	"github.com/kiranshivaraju/launchpad/internal/store"
	"github.com/kiranshivaraju/launchpad/internal/submit"
	"github.com/kiranshivaraju/launchpad/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Log))
	slog.Info("config loaded", "env", cfg.Server.Env, "runner_image", cfg.Runner.Image)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}()

	// 3. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 4. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 5. Create Redis cache and event bus
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	bus, err := eventbus.NewRedisBus(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	defer bus.Close()
	slog.Info("redis connected")

	// 6. Job runner
	launcher, err := runner.NewDockerLauncher(cfg.Runner, bus)
	if err != nil {
		return fmt.Errorf("create job runner: %w", err)
	}

	// 7. Core services
	pgStore := store.NewPostgresStore(pool)
	submitter := submit.NewService(pgStore, launcher, redisCache, cfg.Deploy, cfg.Redis.StatusCacheTTL)
	agg := aggregator.New(pgStore,
		aggregator.WithMaxBatchSize(cfg.Aggregator.MaxBatchSize),
		aggregator.WithFlushInterval(cfg.Aggregator.FlushInterval),
		aggregator.WithStatusCache(redisCache, cfg.Redis.StatusCacheTTL),
	)
	hub := gateway.NewHub(gateway.WithSendBuffer(cfg.Gateway.SendBuffer))

	pipe := pipeline.New(pipeline.BusSource(bus), agg, hub)
	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	// 8. Build router with dependencies
	deps := api.Dependencies{
		RateLimit:   mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),
		CORSOrigins: cfg.Server.CORSOrigins,

		HealthHandler:  healthHandler(pgStore, redisCache, bus),
		SubmitHandler:  handler.NewSubmitHandler(submitter),
		ListHandler:    handler.NewListHandler(pgStore),
		GetHandler:     handler.NewGetHandler(pgStore),
		StatusHandler:  handler.NewStatusHandler(pgStore, redisCache),
		UpdateHandler:  handler.NewUpdateHandler(submitter),
		DeleteHandler:  handler.NewDeleteHandler(pgStore, redisCache),
		LiveHandler:    gateway.Handler(hub, gateway.HandlerOptions{AllowedOrigins: cfg.Gateway.AllowedOrigins}),
		MetricsHandler: promhttp.Handler(),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the gateway sets per-frame deadlines on long-lived sockets.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		slog.Error("pipeline shutdown", "error", err)
	}
	if err := launcher.Wait(shutdownCtx); err != nil {
		slog.Warn("build containers still running at shutdown", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// pinger is anything the health check can probe.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and event bus connectivity.
func healthHandler(db, c, bus pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"eventbus": "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := bus.Ping(r.Context()); err != nil {
			checks["eventbus"] = "degraded"
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":    "ok",
			"services":  checks,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
