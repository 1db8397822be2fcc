// Package main is the entrypoint for the MediaQueue API server.
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

	"github.com/derekchu/mediaqueue/internal/api"
	"github.com/derekchu/mediaqueue/internal/api/handler"
	mw "github.com/derekchu/mediaqueue/internal/api/middleware"
	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/config"
	"github.com/derekchu/mediaqueue/internal/scheduler"
	"github.com/derekchu/mediaqueue/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and scheduler components
	pgStore := store.NewPostgresStore(pool)
	factory := scheduler.NewFactory(pgStore, redisCache, cfg.Scheduler)
	retryMgr := scheduler.NewRetryManager(pgStore, redisCache, nil,
		cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffCap)

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 120)

	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		CreateJobHandler: handler.NewCreateJobHandler(factory),
		GetJobHandler:    handler.NewGetJobHandler(pgStore),
		JobStatusHandler: handler.NewJobStatusHandler(pgStore, redisCache),
		ListJobsHandler:  handler.NewListJobsHandler(pgStore),
		CancelJobHandler: handler.NewCancelJobHandler(pgStore, redisCache),

		StatsHandler:      handler.NewStatsHandler(pgStore, redisCache),
		AdminStatsHandler: handler.NewAdminStatsHandler(pgStore, redisCache),

		ClaimJobHandler:    handler.NewClaimJobHandler(pgStore, redisCache),
		JobProgressHandler: handler.NewJobProgressHandler(pgStore),
		CompleteJobHandler: handler.NewCompleteJobHandler(pgStore, redisCache),
		FailJobHandler:     handler.NewFailJobHandler(pgStore, retryMgr),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	})

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
