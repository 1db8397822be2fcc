package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/metrics"
	"github.com/derekchu/mediaqueue/internal/store"
	"github.com/derekchu/mediaqueue/pkg/models"
)

// StageRunner drives a claimed job through its stage plan. Each stage
// boundary is persisted, so a reclaimed job resumes observability from its
// last recorded stage rather than silently restarting.
type StageRunner struct {
	store        store.Store
	cache        cache.Cache
	registry     *Registry
	retry        *RetryManager
	stageTimeout time.Duration
}

// NewStageRunner creates a StageRunner. stageTimeout bounds each individual
// stage execution; zero means no per-stage bound.
func NewStageRunner(s store.Store, c cache.Cache, reg *Registry, retry *RetryManager, stageTimeout time.Duration) *StageRunner {
	return &StageRunner{store: s, cache: c, registry: reg, retry: retry, stageTimeout: stageTimeout}
}

// RunStages executes job's stage plan under workerID's claim. Stage
// failures are routed through the retry manager and never returned; the
// error return covers store and infrastructure failures only. Running a job
// already in a terminal state is a no-op.
func (r *StageRunner) RunStages(ctx context.Context, workerID string, job *models.Job) error {
	if models.TerminalStatus(job.Status) {
		return nil
	}

	plan, err := StagePlan(job)
	if err != nil {
		// A job with an unresolvable plan can never succeed.
		return r.handleFailure(ctx, workerID, job, Terminal(err))
	}

	total := len(plan)
	runStart := time.Now().UTC()
	perf := make(map[string]int64, total)

	for i, st := range plan {
		// The pre-stage progress write doubles as the cooperative
		// cancellation check: if the job was cancelled or the claim was
		// reaped, the conditional update matches no row and we stop.
		progress := store.ProgressParams{
			Stage:               st.Name,
			Progress:            models.ProgressFor(i, total),
			EstimatedCompletion: estimateCompletion(runStart, i, total),
			TotalStages:         &total,
		}
		if err := r.store.UpdateJobProgress(ctx, job.ID, workerID, progress); err != nil {
			if claimGone(err) {
				slog.Info("stopping stage run, claim no longer held",
					"job_id", job.ID, "worker_id", workerID, "stage", st.Name)
				return nil
			}
			return fmt.Errorf("recording stage progress: %w", err)
		}

		exec, ok := r.registry.Get(st.Name)
		if !ok {
			return r.handleFailure(ctx, workerID, job,
				Terminal(&StageError{Stage: st.Name, Err: fmt.Errorf("no executor registered")}))
		}

		stageCtx := ctx
		var cancel context.CancelFunc
		if r.stageTimeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, r.stageTimeout)
		}
		stageStart := time.Now()
		out, execErr := exec.Execute(stageCtx, Input{Job: job, Stage: st.Name, Config: st.Config})
		if cancel != nil {
			cancel()
		}
		elapsed := time.Since(stageStart)
		metrics.StageDuration.WithLabelValues(st.Name).Observe(elapsed.Seconds())
		perf[st.Name] = elapsed.Milliseconds()

		if execErr != nil {
			return r.handleFailure(ctx, workerID, job, &StageError{Stage: st.Name, Err: execErr})
		}

		if i == total-1 {
			return r.complete(ctx, workerID, job, st.Name, out, perf)
		}

		post := store.ProgressParams{
			Stage:          st.Name,
			Progress:       models.ProgressFor(i+1, total),
			PartialResults: stageResult(st.Name, out),
		}
		if err := r.store.UpdateJobProgress(ctx, job.ID, workerID, post); err != nil {
			if claimGone(err) {
				slog.Info("stopping stage run, claim no longer held",
					"job_id", job.ID, "worker_id", workerID, "stage", st.Name)
				return nil
			}
			return fmt.Errorf("recording stage result: %w", err)
		}
	}
	return nil
}

func (r *StageRunner) complete(ctx context.Context, workerID string, job *models.Job, lastStage string, out json.RawMessage, perf map[string]int64) error {
	now := time.Now().UTC()
	var durationMS int64
	if d := models.DurationMS(job.StartedAt, &now); d != nil {
		durationMS = *d
	}

	perfJSON, err := json.Marshal(map[string]any{"stage_ms": perf, "total_ms": durationMS})
	if err != nil {
		return fmt.Errorf("encoding performance metrics: %w", err)
	}

	params := store.CompleteParams{
		FinalResults:       stageResult(lastStage, out),
		PerformanceMetrics: perfJSON,
		CompletedAt:        now,
		DurationMS:         durationMS,
	}
	if err := r.store.CompleteJob(ctx, job.ID, workerID, params); err != nil {
		if claimGone(err) {
			slog.Info("completion skipped, claim no longer held", "job_id", job.ID, "worker_id", workerID)
			return nil
		}
		return fmt.Errorf("completing job: %w", err)
	}

	job.Status = models.JobStatusCompleted
	job.Progress = 100
	job.CompletedAt = &now
	job.DurationMS = &durationMS

	_ = r.cache.SetJobStatus(ctx, job.UserID, job.ID, models.JobStatusCompleted, jobStatusCacheTTL)
	metrics.JobsProcessed.WithLabelValues(job.JobType, "completed").Inc()
	metrics.JobDuration.WithLabelValues(job.JobType).Observe(float64(durationMS) / 1000)
	slog.Info("job completed", "job_id", job.ID, "duration_ms", durationMS)
	return nil
}

// handleFailure routes a stage failure through the retry manager. Losing
// the transition to a concurrent cancel or reap is the same benign stop as
// losing a progress write, not a worker error.
func (r *StageRunner) handleFailure(ctx context.Context, workerID string, job *models.Job, stageErr error) error {
	if _, err := r.retry.HandleFailure(ctx, job, stageErr); err != nil {
		if claimGone(err) {
			slog.Info("failure handling skipped, claim no longer held",
				"job_id", job.ID, "worker_id", workerID)
			return nil
		}
		return err
	}
	return nil
}

// claimGone reports whether a transition error means the worker no longer
// holds the job.
func claimGone(err error) bool {
	return errors.Is(err, store.ErrClaimLost) ||
		errors.Is(err, store.ErrJobTerminal) ||
		errors.Is(err, store.ErrNotFound)
}

// stageResult wraps a stage's output under its stage name so the store can
// merge it additively into processing_results.
func stageResult(stage string, out json.RawMessage) json.RawMessage {
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	merged, err := json.Marshal(map[string]json.RawMessage{stage: out})
	if err != nil {
		return nil
	}
	return merged
}

// estimateCompletion projects a finish time from the average duration of
// the stages completed so far. Before any stage finishes there is nothing
// to project from.
func estimateCompletion(runStart time.Time, completed, total int) *time.Time {
	if completed == 0 || total <= completed {
		return nil
	}
	elapsed := time.Since(runStart)
	perStage := elapsed / time.Duration(completed)
	est := time.Now().UTC().Add(perStage * time.Duration(total-completed))
	return &est
}
