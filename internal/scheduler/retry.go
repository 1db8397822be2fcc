package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/metrics"
	"github.com/derekchu/mediaqueue/internal/store"
	"github.com/derekchu/mediaqueue/pkg/models"
)

// RetryClassifier decides whether a stage failure is worth another attempt.
type RetryClassifier interface {
	Retryable(err error) bool
}

// DefaultClassifier treats TerminalError (and any configured sentinel
// errors) as terminal and everything else, including unknown errors, as
// retryable. Timeouts and transient network failures are explicitly
// retryable.
type DefaultClassifier struct {
	// TerminalErrors extends the terminal set with deployment-specific
	// sentinels matched via errors.Is.
	TerminalErrors []error
}

func (c *DefaultClassifier) Retryable(err error) bool {
	if IsTerminal(err) {
		return false
	}
	for _, terminal := range c.TerminalErrors {
		if errors.Is(err, terminal) {
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unknown errors are retryable by default.
	return true
}

// RetryManager owns the failure side of the state machine: it classifies
// stage errors, spends retry budget, and performs the retrying/failed
// transitions.
type RetryManager struct {
	store      store.Store
	cache      cache.Cache
	classifier RetryClassifier
	base       time.Duration
	cap        time.Duration
}

// NewRetryManager creates a RetryManager. A nil classifier falls back to
// the default policy.
func NewRetryManager(s store.Store, c cache.Cache, classifier RetryClassifier, base, cap time.Duration) *RetryManager {
	if classifier == nil {
		classifier = &DefaultClassifier{}
	}
	return &RetryManager{store: s, cache: c, classifier: classifier, base: base, cap: cap}
}

// Backoff computes the exponential backoff delay for the given attempt
// number (1-based): base * 2^attempt, capped.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// HandleFailure decides retry versus terminal failure for a job whose
// stage execution returned stageErr, performs the transition, and returns
// the job with its new state. The error return covers store failures only;
// the stage error itself is recorded on the job, never propagated.
func (m *RetryManager) HandleFailure(ctx context.Context, job *models.Job, stageErr error) (*models.Job, error) {
	now := time.Now().UTC()
	retryable := m.classifier.Retryable(stageErr)

	var stage string
	var se *StageError
	if errors.As(stageErr, &se) {
		stage = se.Stage
	}

	if retryable && job.RetryCount < job.MaxRetries {
		attempt := job.RetryCount + 1
		deadline := now.Add(Backoff(m.base, m.cap, attempt))
		details := &models.ErrorDetails{
			Message:    stageErr.Error(),
			Timestamp:  now,
			RetryCount: attempt,
			Stage:      stage,
		}

		if err := m.store.MarkJobRetrying(ctx, job.ID, details, deadline); err != nil {
			return job, err
		}

		job.Status = models.JobStatusRetrying
		job.RetryCount = attempt
		job.ErrorDetails = details
		job.NextAttemptAt = &deadline

		_ = m.cache.SetJobStatus(ctx, job.UserID, job.ID, models.JobStatusRetrying, jobStatusCacheTTL)
		metrics.JobsProcessed.WithLabelValues(job.JobType, "retried").Inc()
		slog.Info("job scheduled for retry",
			"job_id", job.ID, "attempt", attempt, "max_retries", job.MaxRetries,
			"next_attempt_at", deadline, "error", stageErr)
		return job, nil
	}

	// Terminal: either the error class is non-retryable or the budget is
	// exhausted. retry_count never exceeds max_retries.
	details := &models.ErrorDetails{
		Message:    stageErr.Error(),
		Timestamp:  now,
		RetryCount: job.RetryCount,
		Attempts:   job.RetryCount + 1,
		Terminal:   !retryable,
		Stage:      stage,
	}
	durationMS := models.DurationMS(job.StartedAt, &now)

	if err := m.store.MarkJobFailed(ctx, job.ID, details, now, durationMS); err != nil {
		return job, err
	}

	job.Status = models.JobStatusFailed
	job.ErrorDetails = details
	job.CompletedAt = &now
	job.DurationMS = durationMS

	_ = m.cache.SetJobStatus(ctx, job.UserID, job.ID, models.JobStatusFailed, jobStatusCacheTTL)
	metrics.JobsProcessed.WithLabelValues(job.JobType, "failed").Inc()
	slog.Warn("job failed terminally",
		"job_id", job.ID, "attempts", details.Attempts, "retryable", retryable, "error", stageErr)
	return job, nil
}
