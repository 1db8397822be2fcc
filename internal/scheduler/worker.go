package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/metrics"
	"github.com/derekchu/mediaqueue/internal/store"
	"github.com/derekchu/mediaqueue/pkg/models"
)

// Worker polls for eligible jobs and runs them. One Worker fans out into a
// fixed number of claim loops, each claiming under its own worker id so
// every in-flight job has exactly one holder.
type Worker struct {
	id           string
	store        store.Store
	cache        cache.Cache
	runner       *StageRunner
	pollInterval time.Duration
	concurrency  int
}

// NewWorker creates a Worker. id should be unique per process (hostname
// plus pid works); concurrency below 1 is raised to 1.
func NewWorker(id string, s store.Store, c cache.Cache, runner *StageRunner, pollInterval time.Duration, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		id:           id,
		store:        s,
		cache:        c,
		runner:       runner,
		pollInterval: pollInterval,
		concurrency:  concurrency,
	}
}

// Run starts the claim loops and blocks until ctx is cancelled and all
// loops have drained their current job.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker starting", "worker_id", w.id, "concurrency", w.concurrency, "poll_interval", w.pollInterval)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		claimID := fmt.Sprintf("%s/%d", w.id, i)
		go func() {
			defer wg.Done()
			w.claimLoop(ctx, claimID)
		}()
	}
	wg.Wait()
	slog.Info("worker stopped", "worker_id", w.id)
}

func (w *Worker) claimLoop(ctx context.Context, claimID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.store.ClaimNextJob(ctx, claimID)
		if err != nil {
			if errors.Is(err, store.ErrNoJobAvailable) {
				if !sleep(ctx, w.pollInterval) {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Error("claiming job", "worker_id", claimID, "error", err)
			if !sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}

		metrics.JobsClaimed.WithLabelValues(job.JobType).Inc()
		_ = w.cache.SetJobStatus(ctx, job.UserID, job.ID, models.JobStatusProcessing, jobStatusCacheTTL)
		slog.Info("claimed job", "worker_id", claimID, "job_id", job.ID,
			"job_type", job.JobType, "priority", job.Priority, "retry_count", job.RetryCount)

		if err := w.runner.RunStages(ctx, claimID, job); err != nil {
			slog.Error("running job stages", "worker_id", claimID, "job_id", job.ID, "error", err)
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
