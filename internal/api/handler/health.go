package handler

import (
	"net/http"

	"github.com/derekchu/mediaqueue/internal/api/response"
	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/store"
)

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. It
// reports degraded when either backing service is down; Postgres is the
// source of truth, so its failure alone makes the service unhealthy.
func NewHealthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"postgres": "ok",
			"redis":    "ok",
		}
		healthy := true

		if err := s.Ping(r.Context()); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["redis"] = err.Error()
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "Service is unhealthy", checks)
			return
		}
		response.JSON(w, map[string]any{"status": "ok", "checks": checks})
	}
}
