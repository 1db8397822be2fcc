// Package main is the entrypoint for the MediaQueue worker process. It
// claims jobs, runs their stage pipelines against the analysis services,
// and reaps jobs stranded by crashed workers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/config"
	"github.com/derekchu/mediaqueue/internal/metrics"
	"github.com/derekchu/mediaqueue/internal/scheduler"
	"github.com/derekchu/mediaqueue/internal/stage"
	"github.com/derekchu/mediaqueue/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"concurrency", cfg.Scheduler.WorkerConcurrency,
		"poll_interval", cfg.Scheduler.PollInterval,
		"stages_base_url", cfg.Stages.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)

	// Stage executors share one HTTP client against the analysis services.
	executor := stage.NewHTTPExecutor(cfg.Stages.BaseURL, cfg.Stages.Timeout)
	if err := executor.Ready(ctx); err != nil {
		slog.Warn("stage services not ready yet, starting anyway", "error", err)
	}
	registry := scheduler.NewRegistry()
	stage.RegisterAll(registry, executor, cfg.Stages.Extra...)

	retryMgr := scheduler.NewRetryManager(pgStore, redisCache, nil,
		cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffCap)
	runner := scheduler.NewStageRunner(pgStore, redisCache, registry, retryMgr, cfg.Stages.Timeout)

	workerID := workerIdentity()
	worker := scheduler.NewWorker(workerID, pgStore, redisCache, runner,
		cfg.Scheduler.PollInterval, cfg.Scheduler.WorkerConcurrency)
	reaper := scheduler.NewReaper(pgStore, retryMgr,
		cfg.Scheduler.MaxJobRuntime, cfg.Scheduler.ReapInterval)

	metrics.StartMetricsServer(fmt.Sprintf(":%d", cfg.Server.Port))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, finishing in-flight jobs...")
	wg.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
