package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/derekchu/mediaqueue/internal/api/middleware"
	"github.com/derekchu/mediaqueue/internal/api/response"
	"github.com/derekchu/mediaqueue/internal/metrics"
	"github.com/derekchu/mediaqueue/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJobHandler http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	CancelJobHandler http.HandlerFunc

	StatsHandler      http.HandlerFunc
	AdminStatsHandler http.HandlerFunc

	ClaimJobHandler    http.HandlerFunc
	JobProgressHandler http.HandlerFunc
	CompleteJobHandler http.HandlerFunc
	FailJobHandler     http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Handle("/metrics", metrics.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeSubmit))

			r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJobHandler))
			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
			r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))

			r.Get("/api/v1/stats", orNotImplemented(deps.StatsHandler))
		})

		// Worker routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeWorker))

			r.Post("/api/v1/worker/claim", orNotImplemented(deps.ClaimJobHandler))
			r.Post("/api/v1/worker/jobs/{jobID}/progress", orNotImplemented(deps.JobProgressHandler))
			r.Post("/api/v1/worker/jobs/{jobID}/complete", orNotImplemented(deps.CompleteJobHandler))
			r.Post("/api/v1/worker/jobs/{jobID}/fail", orNotImplemented(deps.FailJobHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Get("/api/v1/admin/stats", orNotImplemented(deps.AdminStatsHandler))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
