package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/store/mock"
	"github.com/derekchu/mediaqueue/pkg/models"
	"github.com/google/uuid"
)

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	cap := 15 * time.Minute

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"attempt zero is base", 0, 30 * time.Second},
		{"first retry doubles", 1, time.Minute},
		{"second retry doubles again", 2, 2 * time.Minute},
		{"capped at maximum", 6, 15 * time.Minute},
		{"far past cap stays capped", 40, 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(base, cap, tt.attempt); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDefaultClassifier(t *testing.T) {
	sentinel := errors.New("bad input format")
	c := &DefaultClassifier{TerminalErrors: []error{sentinel}}

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"unknown errors are retryable", errors.New("something broke"), true},
		{"deadline exceeded is retryable", context.DeadlineExceeded, true},
		{"terminal wrapper is not retryable", Terminal(errors.New("unsupported codec")), false},
		{"wrapped terminal is not retryable", &StageError{Stage: "ocr", Err: Terminal(errors.New("bad"))}, false},
		{"configured sentinel is not retryable", sentinel, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Retryable(tt.err); got != tt.retryable {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func newProcessingJob(ms *mock.MemoryStore, retryCount, maxRetries int) *models.Job {
	started := time.Now().UTC().Add(-2 * time.Second)
	worker := "w/0"
	job := &models.Job{
		ID:         uuid.New(),
		UserID:     uuid.New(),
		JobType:    models.JobTypeVideoAnalysis,
		MediaType:  models.MediaTypeVideo,
		Priority:   models.PriorityDefault,
		Status:     models.JobStatusProcessing,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		StartedAt:  &started,
		WorkerID:   &worker,
		CreatedAt:  time.Now().UTC(),
	}
	_ = ms.CreateJob(context.Background(), job)
	return job
}

func TestHandleFailure_SchedulesRetry(t *testing.T) {
	ms := mock.NewMemoryStore()
	mc := cache.NewMemoryCache()
	rm := NewRetryManager(ms, mc, nil, 30*time.Second, 15*time.Minute)

	job := newProcessingJob(ms, 0, 3)
	before := time.Now().UTC()

	updated, err := rm.HandleFailure(context.Background(), job, &StageError{Stage: "transcribe", Err: errors.New("service unavailable")})
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}

	if updated.Status != models.JobStatusRetrying {
		t.Fatalf("expected retrying, got %q", updated.Status)
	}
	if updated.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", updated.RetryCount)
	}
	if updated.ErrorDetails == nil || updated.ErrorDetails.Stage != "transcribe" {
		t.Errorf("expected error details with stage, got %+v", updated.ErrorDetails)
	}

	// First retry waits base*2.
	wantDelay := time.Minute
	if updated.NextAttemptAt == nil {
		t.Fatal("expected next_attempt_at")
	}
	delay := updated.NextAttemptAt.Sub(before)
	if delay < wantDelay-time.Second || delay > wantDelay+time.Second {
		t.Errorf("expected ~%v backoff, got %v", wantDelay, delay)
	}

	stored, _ := ms.Job(job.ID)
	if stored.Status != models.JobStatusRetrying || stored.RetryCount != 1 {
		t.Errorf("persisted state %q/%d", stored.Status, stored.RetryCount)
	}
	if status, ok, _ := mc.GetJobStatus(context.Background(), job.UserID, job.ID); !ok || status != models.JobStatusRetrying {
		t.Errorf("cached status = %q ok=%v", status, ok)
	}
}

func TestHandleFailure_TerminalError(t *testing.T) {
	ms := mock.NewMemoryStore()
	mc := cache.NewMemoryCache()
	rm := NewRetryManager(ms, mc, nil, 30*time.Second, 15*time.Minute)

	job := newProcessingJob(ms, 0, 3)

	updated, err := rm.HandleFailure(context.Background(), job, Terminal(errors.New("unsupported media format")))
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}

	if updated.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %q", updated.Status)
	}
	if updated.RetryCount != 0 {
		t.Errorf("terminal failure must not spend retry budget, retry_count = %d", updated.RetryCount)
	}
	if updated.ErrorDetails == nil || !updated.ErrorDetails.Terminal {
		t.Errorf("expected terminal error details, got %+v", updated.ErrorDetails)
	}
	if updated.CompletedAt == nil {
		t.Error("expected completed_at")
	}
	if updated.DurationMS == nil || *updated.DurationMS <= 0 {
		t.Errorf("expected positive duration, got %v", updated.DurationMS)
	}
}

func TestHandleFailure_BudgetExhausted(t *testing.T) {
	ms := mock.NewMemoryStore()
	mc := cache.NewMemoryCache()
	rm := NewRetryManager(ms, mc, nil, 30*time.Second, 15*time.Minute)

	job := newProcessingJob(ms, 3, 3)

	updated, err := rm.HandleFailure(context.Background(), job, errors.New("still flaky"))
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}

	if updated.Status != models.JobStatusFailed {
		t.Fatalf("expected failed after exhausted budget, got %q", updated.Status)
	}
	if updated.RetryCount != 3 {
		t.Errorf("retry_count must never exceed max_retries, got %d", updated.RetryCount)
	}
	if updated.ErrorDetails == nil || updated.ErrorDetails.Attempts != 4 {
		t.Errorf("expected 4 recorded attempts, got %+v", updated.ErrorDetails)
	}
	if status, ok, _ := mc.GetJobStatus(context.Background(), job.UserID, job.ID); !ok || status != models.JobStatusFailed {
		t.Errorf("cached status = %q ok=%v", status, ok)
	}
}

func TestHandleFailure_FullRetryCycle(t *testing.T) {
	ms := mock.NewMemoryStore()
	mc := cache.NewMemoryCache()
	rm := NewRetryManager(ms, mc, nil, time.Second, time.Minute)

	job := newProcessingJob(ms, 0, 2)
	flaky := errors.New("transient failure")

	for attempt := 1; attempt <= 2; attempt++ {
		updated, err := rm.HandleFailure(context.Background(), job, flaky)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if updated.Status != models.JobStatusRetrying {
			t.Fatalf("attempt %d: expected retrying, got %q", attempt, updated.Status)
		}
		if updated.RetryCount != attempt {
			t.Fatalf("attempt %d: retry_count = %d", attempt, updated.RetryCount)
		}
		// Jump past the backoff deadline and reclaim before failing again.
		ms.Now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
		if _, err := ms.ClaimNextJob(context.Background(), "w/0"); err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		job, _ = ms.Job(job.ID)
	}

	updated, err := rm.HandleFailure(context.Background(), job, flaky)
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if updated.Status != models.JobStatusFailed {
		t.Fatalf("expected failed after budget spent, got %q", updated.Status)
	}
}
