package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Job statuses. A job moves pending -> processing -> completed on the happy
// path, loops processing -> retrying -> processing while retry budget
// remains, and ends in failed on terminal errors or budget exhaustion.
// completed, failed, and cancelled are terminal.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusRetrying   = "retrying"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Job types.
const (
	JobTypeVideoAnalysis   = "video_analysis"
	JobTypeAudioAnalysis   = "audio_analysis"
	JobTypeImageAnalysis   = "image_analysis"
	JobTypeURLAnalysis     = "url_analysis"
	JobTypeBatchProcessing = "batch_processing"
)

// Media types.
const (
	MediaTypeVideo    = "video"
	MediaTypeAudio    = "audio"
	MediaTypeImage    = "image"
	MediaTypeDocument = "document"
	MediaTypeURL      = "url"
)

// Priority and retry defaults applied by the job factory.
const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5

	DefaultMaxRetries = 3
)

var validJobTypes = map[string]bool{
	JobTypeVideoAnalysis:   true,
	JobTypeAudioAnalysis:   true,
	JobTypeImageAnalysis:   true,
	JobTypeURLAnalysis:     true,
	JobTypeBatchProcessing: true,
}

var validMediaTypes = map[string]bool{
	MediaTypeVideo:    true,
	MediaTypeAudio:    true,
	MediaTypeImage:    true,
	MediaTypeDocument: true,
	MediaTypeURL:      true,
}

// ValidJobType reports whether t is one of the closed set of job types.
func ValidJobType(t string) bool { return validJobTypes[t] }

// ValidMediaType reports whether t is one of the closed set of media types.
func ValidMediaType(t string) bool { return validMediaTypes[t] }

// TerminalStatus reports whether s is a state no transition leaves.
func TerminalStatus(s string) bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one unit of scheduled media-analysis work. The jobs table is the
// sole source of truth for its state; every transition goes through the
// store as a single conditional UPDATE.
type Job struct {
	ID     uuid.UUID `db:"id"      json:"id"`
	UserID uuid.UUID `db:"user_id" json:"user_id"`

	// At most one of ContentID/FileID is set; which one determines how the
	// stage executors resolve the job's input. Use SourceRef to construct.
	ContentID *uuid.UUID `db:"content_id" json:"content_id,omitempty"`
	FileID    *uuid.UUID `db:"file_id"    json:"file_id,omitempty"`

	JobType   string `db:"job_type"   json:"job_type"`
	MediaType string `db:"media_type" json:"media_type"`

	Priority   int    `db:"priority"    json:"priority"`
	Status     string `db:"status"      json:"status"`
	RetryCount int    `db:"retry_count" json:"retry_count"`
	MaxRetries int    `db:"max_retries" json:"max_retries"`

	Progress     int     `db:"progress"      json:"progress"`
	CurrentStage *string `db:"current_stage" json:"current_stage,omitempty"`
	TotalStages  *int    `db:"total_stages"  json:"total_stages,omitempty"`

	JobConfig          json.RawMessage `db:"job_config"          json:"job_config,omitempty"`
	InputMetadata      json.RawMessage `db:"input_metadata"      json:"input_metadata,omitempty"`
	ProcessingResults  json.RawMessage `db:"processing_results"  json:"processing_results,omitempty"`
	PerformanceMetrics json.RawMessage `db:"performance_metrics" json:"performance_metrics,omitempty"`

	ErrorDetails *ErrorDetails `db:"error_details" json:"error_details,omitempty"`

	StartedAt           *time.Time `db:"started_at"           json:"started_at,omitempty"`
	CompletedAt         *time.Time `db:"completed_at"         json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time `db:"estimated_completion" json:"estimated_completion,omitempty"`
	DurationMS          *int64     `db:"duration_ms"          json:"duration_ms,omitempty"`

	// NextAttemptAt is the backoff deadline for retrying jobs; the claim
	// query ignores retrying rows until it has elapsed.
	NextAttemptAt *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`

	// WorkerID identifies the process currently or last holding the claim.
	WorkerID *string `db:"worker_id" json:"worker_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ErrorDetails is the structured error record persisted on failed and
// retrying jobs. Stored as JSONB.
type ErrorDetails struct {
	Message    string    `json:"message"`
	Stack      string    `json:"stack,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
	Attempts   int       `json:"attempts,omitempty"`
	Terminal   bool      `json:"terminal,omitempty"`
	Stage      string    `json:"stage,omitempty"`
}

// SourceRef is a tagged union over {content, file}. The zero value means
// "no source"; constructing a ref with both variants is impossible.
type SourceRef struct {
	contentID *uuid.UUID
	fileID    *uuid.UUID
}

// ContentSource returns a SourceRef pointing at a content item.
func ContentSource(id uuid.UUID) SourceRef {
	return SourceRef{contentID: &id}
}

// FileSource returns a SourceRef pointing at an uploaded file.
func FileSource(id uuid.UUID) SourceRef {
	return SourceRef{fileID: &id}
}

// ContentID returns the content variant, if set.
func (r SourceRef) ContentID() (uuid.UUID, bool) {
	if r.contentID == nil {
		return uuid.Nil, false
	}
	return *r.contentID, true
}

// FileID returns the file variant, if set.
func (r SourceRef) FileID() (uuid.UUID, bool) {
	if r.fileID == nil {
		return uuid.Nil, false
	}
	return *r.fileID, true
}

// IsZero reports whether neither variant is set.
func (r SourceRef) IsZero() bool {
	return r.contentID == nil && r.fileID == nil
}

// ClampPriority forces p into [PriorityMin, PriorityMax].
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// DurationMS derives the job duration in milliseconds. It returns nil when
// either timestamp is absent: a job cancelled while still pending has no
// duration, not a zero one.
func DurationMS(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	d := end.Sub(*start).Milliseconds()
	return &d
}

// ProgressFor computes the persisted progress for completed stages out of
// total, rounded to the nearest integer and clamped to [0, 100].
func ProgressFor(completed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(completed) / float64(total)))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

var validJobTransitions = map[string][]string{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusRetrying, JobStatusFailed, JobStatusCancelled},
	JobStatusRetrying:   {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to string) bool {
	for _, s := range validJobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
