package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/derekchu/mediaqueue/internal/metrics"
	"github.com/derekchu/mediaqueue/internal/store"
)

const reapBatchSize = 100

// Reaper recovers jobs stuck in processing past the maximum runtime,
// typically after a worker crash. Stalled jobs go through the normal retry
// policy, so a crashed worker costs retry budget but never strands a job.
type Reaper struct {
	store      store.Store
	retry      *RetryManager
	maxRuntime time.Duration
	interval   time.Duration
}

func NewReaper(s store.Store, retry *RetryManager, maxRuntime, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{store: s, retry: retry, maxRuntime: maxRuntime, interval: interval}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("reaper starting", "max_runtime", r.maxRuntime, "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				slog.Error("reaper sweep", "error", err)
			}
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.maxRuntime)
	jobs, err := r.store.ListStalledJobs(ctx, cutoff, reapBatchSize)
	if err != nil {
		return fmt.Errorf("listing stalled jobs: %w", err)
	}

	for _, job := range jobs {
		stalledErr := fmt.Errorf("job exceeded maximum runtime of %s", r.maxRuntime)
		if _, err := r.retry.HandleFailure(ctx, job, stalledErr); err != nil {
			// The worker may have finished or the job may have been
			// cancelled between the listing and the transition.
			if errors.Is(err, store.ErrClaimLost) || errors.Is(err, store.ErrJobTerminal) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			slog.Error("reaping stalled job", "job_id", job.ID, "error", err)
			continue
		}
		metrics.JobsReaped.Inc()
		slog.Warn("reaped stalled job", "job_id", job.ID,
			"worker_id", job.WorkerID, "started_at", job.StartedAt)
	}
	return nil
}
