package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/config"
	"github.com/derekchu/mediaqueue/internal/metrics"
	"github.com/derekchu/mediaqueue/internal/store"
	"github.com/derekchu/mediaqueue/pkg/models"
	"github.com/google/uuid"
)

const jobStatusCacheTTL = 30 * time.Minute

// CreateJobParams is a validated-on-entry job submission.
type CreateJobParams struct {
	UserID        uuid.UUID
	JobType       string
	MediaType     string
	Source        models.SourceRef
	Config        json.RawMessage
	InputMetadata json.RawMessage
}

// Factory validates submissions and creates durable job records in the
// pending state. Creation is synchronous; execution is not.
type Factory struct {
	store      store.Store
	cache      cache.Cache
	maxRetries int
}

// NewFactory creates a Factory. defaults supplies the retry budget applied
// when job_config does not override it.
func NewFactory(s store.Store, c cache.Cache, defaults config.SchedulerConfig) *Factory {
	maxRetries := defaults.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &Factory{store: s, cache: c, maxRetries: maxRetries}
}

// CreateJob validates params, inserts one pending job record, and returns
// it. Validation failures are the only errors a submitter sees
// synchronously; everything after creation is recorded on the job itself.
func (f *Factory) CreateJob(ctx context.Context, params CreateJobParams) (*models.Job, error) {
	if !models.ValidJobType(params.JobType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, params.JobType)
	}
	if !models.ValidMediaType(params.MediaType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMediaType, params.MediaType)
	}
	if params.Source.IsZero() {
		return nil, ErrAmbiguousSource
	}

	cfg, err := ParseJobConfig(params.Config)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	priority := models.PriorityDefault
	if cfg.Priority != nil {
		priority = models.ClampPriority(*cfg.Priority)
	}
	maxRetries := f.maxRetries
	if cfg.MaxRetries != nil && *cfg.MaxRetries >= 0 {
		maxRetries = *cfg.MaxRetries
	}

	// Batch jobs have no default pipeline; reject them early rather than
	// letting the first claim fail terminally.
	if params.JobType == models.JobTypeBatchProcessing && len(cfg.Stages) == 0 {
		return nil, ErrMissingStages
	}

	var totalStages *int
	if n := numPlannedStages(params.JobType, cfg); n > 0 {
		totalStages = &n
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:            uuid.New(),
		UserID:        params.UserID,
		JobType:       params.JobType,
		MediaType:     params.MediaType,
		Priority:      priority,
		Status:        models.JobStatusPending,
		RetryCount:    0,
		MaxRetries:    maxRetries,
		Progress:      0,
		TotalStages:   totalStages,
		JobConfig:     params.Config,
		InputMetadata: params.InputMetadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if id, ok := params.Source.ContentID(); ok {
		job.ContentID = &id
	}
	if id, ok := params.Source.FileID(); ok {
		job.FileID = &id
	}

	if err := f.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	_ = f.cache.SetJobStatus(ctx, job.UserID, job.ID, models.JobStatusPending, jobStatusCacheTTL)
	metrics.JobsSubmitted.WithLabelValues(job.JobType, job.MediaType).Inc()

	return job, nil
}

func numPlannedStages(jobType string, cfg JobConfig) int {
	if len(cfg.Stages) > 0 {
		return len(cfg.Stages)
	}
	return len(defaultPipelines[jobType])
}
