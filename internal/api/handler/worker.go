package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/derekchu/mediaqueue/internal/api/response"
	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/metrics"
	"github.com/derekchu/mediaqueue/internal/scheduler"
	"github.com/derekchu/mediaqueue/internal/store"
	"github.com/derekchu/mediaqueue/pkg/models"
)

// The worker endpoints let out-of-process workers drive jobs through the
// same transitions the embedded worker uses. They require the worker scope.

// FailureHandler is the retry-manager interface the failure endpoint
// depends on.
type FailureHandler interface {
	HandleFailure(ctx context.Context, job *models.Job, stageErr error) (*models.Job, error)
}

// NewClaimJobHandler returns an http.HandlerFunc for POST /api/v1/worker/claim.
// It responds 204 when no job is eligible.
func NewClaimJobHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WorkerID string `json:"worker_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "worker_id is required", nil)
			return
		}

		job, err := s.ClaimNextJob(r.Context(), req.WorkerID)
		if err != nil {
			if errors.Is(err, store.ErrNoJobAvailable) {
				response.NoContent(w)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to claim job", nil)
			return
		}

		metrics.JobsClaimed.WithLabelValues(job.JobType).Inc()
		_ = c.SetJobStatus(r.Context(), job.UserID, job.ID, models.JobStatusProcessing, jobStatusCacheTTL)
		response.JSON(w, job)
	}
}

// NewJobProgressHandler returns an http.HandlerFunc for
// POST /api/v1/worker/jobs/{jobID}/progress.
func NewJobProgressHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		var req struct {
			WorkerID            string          `json:"worker_id"`
			Stage               string          `json:"stage"`
			Progress            int             `json:"progress"`
			PartialResults      json.RawMessage `json:"partial_results"`
			EstimatedCompletion *time.Time      `json:"estimated_completion"`
			TotalStages         *int            `json:"total_stages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" || req.Stage == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "worker_id and stage are required", nil)
			return
		}
		if req.Progress < 0 || req.Progress > 100 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "progress must be between 0 and 100", nil)
			return
		}

		err = s.UpdateJobProgress(r.Context(), jobID, req.WorkerID, store.ProgressParams{
			Stage:               req.Stage,
			Progress:            req.Progress,
			PartialResults:      req.PartialResults,
			EstimatedCompletion: req.EstimatedCompletion,
			TotalStages:         req.TotalStages,
		})
		if err != nil {
			writeTransitionError(w, err, "Failed to record progress")
			return
		}

		response.JSON(w, map[string]any{"job_id": jobID, "stage": req.Stage, "progress": req.Progress})
	}
}

// NewCompleteJobHandler returns an http.HandlerFunc for
// POST /api/v1/worker/jobs/{jobID}/complete.
func NewCompleteJobHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		var req struct {
			WorkerID           string          `json:"worker_id"`
			FinalResults       json.RawMessage `json:"final_results"`
			PerformanceMetrics json.RawMessage `json:"performance_metrics"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "worker_id is required", nil)
			return
		}

		job, err := s.GetJob(r.Context(), jobID)
		if err != nil {
			writeTransitionError(w, err, "Failed to fetch job")
			return
		}

		now := time.Now().UTC()
		var durationMS int64
		if d := models.DurationMS(job.StartedAt, &now); d != nil {
			durationMS = *d
		}

		err = s.CompleteJob(r.Context(), jobID, req.WorkerID, store.CompleteParams{
			FinalResults:       req.FinalResults,
			PerformanceMetrics: req.PerformanceMetrics,
			CompletedAt:        now,
			DurationMS:         durationMS,
		})
		if err != nil {
			writeTransitionError(w, err, "Failed to complete job")
			return
		}

		_ = c.SetJobStatus(r.Context(), job.UserID, jobID, models.JobStatusCompleted, jobStatusCacheTTL)
		metrics.JobsProcessed.WithLabelValues(job.JobType, "completed").Inc()
		response.JSON(w, map[string]any{"job_id": jobID, "status": models.JobStatusCompleted, "duration_ms": durationMS})
	}
}

// NewFailJobHandler returns an http.HandlerFunc for
// POST /api/v1/worker/jobs/{jobID}/fail. The failure is routed through the
// retry policy, so it may schedule a retry rather than fail terminally.
func NewFailJobHandler(s store.Store, failures FailureHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		var req struct {
			WorkerID string `json:"worker_id"`
			Stage    string `json:"stage"`
			Message  string `json:"message"`
			Terminal bool   `json:"terminal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" || req.Message == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "worker_id and message are required", nil)
			return
		}

		job, err := s.GetJob(r.Context(), jobID)
		if err != nil {
			writeTransitionError(w, err, "Failed to fetch job")
			return
		}
		if job.WorkerID == nil || *job.WorkerID != req.WorkerID || models.TerminalStatus(job.Status) {
			response.Error(w, http.StatusConflict, "CLAIM_LOST",
				"Job is no longer held by this worker", nil)
			return
		}

		var stageErr error = fmt.Errorf("%s", req.Message)
		if req.Stage != "" {
			stageErr = &scheduler.StageError{Stage: req.Stage, Err: stageErr}
		}
		if req.Terminal {
			stageErr = scheduler.Terminal(stageErr)
		}

		updated, err := failures.HandleFailure(r.Context(), job, stageErr)
		if err != nil {
			writeTransitionError(w, err, "Failed to record failure")
			return
		}

		response.JSON(w, map[string]any{
			"job_id":          updated.ID,
			"status":          updated.Status,
			"retry_count":     updated.RetryCount,
			"next_attempt_at": updated.NextAttemptAt,
		})
	}
}

func writeTransitionError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, store.ErrJobTerminal):
		response.Error(w, http.StatusConflict, "CONFLICT", "Job already in a terminal state", nil)
	case errors.Is(err, store.ErrClaimLost):
		response.Error(w, http.StatusConflict, "CLAIM_LOST", "Job is no longer held by this worker", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallback, nil)
	}
}
