package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/derekchu/mediaqueue/pkg/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrNoJobAvailable means no eligible job exists right now. It is a
	// normal poll outcome, not a failure.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrClaimLost means a conditional update matched no row because the
	// job is no longer in the expected state under the caller's worker id
	// (cancelled, reaped, or completed elsewhere).
	ErrClaimLost = errors.New("job claim lost")

	// ErrJobTerminal means the requested transition targets a job already
	// in a terminal state.
	ErrJobTerminal = errors.New("job already in terminal state")
)

// Store is the data access interface. All job state transitions go through
// here as single conditional updates; nothing mutates job rows directly.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultUser(ctx context.Context) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)

	// ClaimNextJob atomically reserves the highest-priority eligible job
	// (pending, or retrying past its backoff deadline; FIFO within a
	// priority band) for workerID, moving it to processing and stamping
	// started_at. Returns ErrNoJobAvailable when nothing is eligible.
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)

	// UpdateJobProgress records stage progress for a job the worker still
	// holds. Partial results merge additively into processing_results.
	// Returns ErrClaimLost if the job is no longer processing under
	// workerID.
	UpdateJobProgress(ctx context.Context, id uuid.UUID, workerID string, p ProgressParams) error

	// CompleteJob moves a held job to completed with progress 100.
	CompleteJob(ctx context.Context, id uuid.UUID, workerID string, p CompleteParams) error

	// MarkJobRetrying increments retry_count, records the error, and sets
	// the backoff deadline. Valid only from processing.
	MarkJobRetrying(ctx context.Context, id uuid.UUID, details *models.ErrorDetails, nextAttemptAt time.Time) error

	// MarkJobFailed is the terminal failure transition. durationMS is nil
	// when the job never started.
	MarkJobFailed(ctx context.Context, id uuid.UUID, details *models.ErrorDetails, completedAt time.Time, durationMS *int64) error

	// CancelJob terminally cancels a job from any non-terminal state.
	// Returns ErrJobTerminal if the job already finished.
	CancelJob(ctx context.Context, id uuid.UUID) error

	// ListStalledJobs returns processing jobs whose started_at is older
	// than the cutoff, for the reaper.
	ListStalledJobs(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error)

	// GetStatistics aggregates job counts and durations, optionally
	// scoped to one user. An empty job set yields zeroed counters.
	GetStatistics(ctx context.Context, userID *uuid.UUID) (*models.Statistics, error)
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	UserID    *uuid.UUID
	Status    string
	JobType   string
	MediaType string
	Page      int
	Limit     int
}

// ProgressParams carries a single stage-progress update.
type ProgressParams struct {
	Stage               string
	Progress            int
	PartialResults      json.RawMessage
	EstimatedCompletion *time.Time
	TotalStages         *int
}

// CompleteParams carries the completion transition. CompletedAt and
// DurationMS are derived by the caller at the moment of transition.
type CompleteParams struct {
	FinalResults       json.RawMessage
	PerformanceMetrics json.RawMessage
	CompletedAt        time.Time
	DurationMS         int64
}
