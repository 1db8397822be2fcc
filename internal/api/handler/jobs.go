package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/derekchu/mediaqueue/internal/api/middleware"
	"github.com/derekchu/mediaqueue/internal/api/response"
	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/scheduler"
	"github.com/derekchu/mediaqueue/internal/store"
	"github.com/derekchu/mediaqueue/pkg/models"
)

const jobStatusCacheTTL = 30 * time.Minute

// JobCreator defines the factory interface the submission handler depends on.
type JobCreator interface {
	CreateJob(ctx context.Context, params scheduler.CreateJobParams) (*models.Job, error)
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobHandler(creator JobCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			JobType       string          `json:"job_type"`
			MediaType     string          `json:"media_type"`
			ContentID     *uuid.UUID      `json:"content_id"`
			FileID        *uuid.UUID      `json:"file_id"`
			JobConfig     json.RawMessage `json:"job_config"`
			InputMetadata json.RawMessage `json:"input_metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.ContentID != nil && req.FileID != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"exactly one of content_id or file_id must be set", nil)
			return
		}
		var source models.SourceRef
		switch {
		case req.ContentID != nil:
			source = models.ContentSource(*req.ContentID)
		case req.FileID != nil:
			source = models.FileSource(*req.FileID)
		}

		job, err := creator.CreateJob(r.Context(), scheduler.CreateJobParams{
			UserID:        userID,
			JobType:       req.JobType,
			MediaType:     req.MediaType,
			Source:        source,
			Config:        req.JobConfig,
			InputMetadata: req.InputMetadata,
		})
		if err != nil {
			switch {
			case errors.Is(err, scheduler.ErrInvalidJobType),
				errors.Is(err, scheduler.ErrInvalidMediaType),
				errors.Is(err, scheduler.ErrAmbiguousSource),
				errors.Is(err, scheduler.ErrMissingStages):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			}
			return
		}

		response.Created(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Jobs belonging to other users read as not found.
func NewGetJobHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		job, err := s.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch job", nil)
			return
		}
		if job.UserID != userID {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}

		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/status. Status polling is hot, so the cache is
// tried first and the store only on a miss.
func NewJobStatusHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		// The key is scoped to the requesting user, so a hit implies
		// ownership; anyone else misses and takes the store path below.
		if status, hit, err := c.GetJobStatus(r.Context(), userID, jobID); err == nil && hit {
			response.JSON(w, map[string]any{"job_id": jobID, "status": status})
			return
		}

		job, err := s.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch job", nil)
			return
		}
		if job.UserID != userID {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}

		_ = c.SetJobStatus(r.Context(), job.UserID, jobID, job.Status, jobStatusCacheTTL)
		response.JSON(w, map[string]any{
			"job_id":   jobID,
			"status":   job.Status,
			"progress": job.Progress,
		})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		q := r.URL.Query()
		filter := store.JobFilter{
			UserID:    &userID,
			Status:    q.Get("status"),
			JobType:   q.Get("job_type"),
			MediaType: q.Get("media_type"),
		}
		if filter.Status != "" && !knownStatus(filter.Status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown status filter", nil)
			return
		}
		if filter.JobType != "" && !models.ValidJobType(filter.JobType) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown job_type filter", nil)
			return
		}

		filter.Page, _ = strconv.Atoi(q.Get("page"))
		filter.Limit, _ = strconv.Atoi(q.Get("limit"))
		if filter.Page < 1 {
			filter.Page = 1
		}
		if filter.Limit < 1 {
			filter.Limit = 20
		}
		if filter.Limit > 100 {
			filter.Limit = 100
		}

		jobs, total, err := s.ListJobs(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}

		response.Collection(w, jobs, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		job, err := s.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch job", nil)
			return
		}
		if job.UserID != userID {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}

		if err := s.CancelJob(r.Context(), jobID); err != nil {
			switch {
			case errors.Is(err, store.ErrJobTerminal):
				response.Error(w, http.StatusConflict, "CONFLICT",
					"Job already finished and cannot be cancelled", nil)
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
			}
			return
		}

		_ = c.SetJobStatus(r.Context(), job.UserID, jobID, models.JobStatusCancelled, jobStatusCacheTTL)

		cancelled, err := s.GetJob(r.Context(), jobID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch job", nil)
			return
		}
		response.JSON(w, cancelled)
	}
}

func knownStatus(s string) bool {
	switch s {
	case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusRetrying,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		return true
	}
	return false
}
