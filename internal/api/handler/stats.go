package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	mw "github.com/derekchu/mediaqueue/internal/api/middleware"
	"github.com/derekchu/mediaqueue/internal/api/response"
	"github.com/derekchu/mediaqueue/internal/cache"
	"github.com/derekchu/mediaqueue/internal/store"
	"github.com/derekchu/mediaqueue/pkg/models"
)

const statsCacheTTL = 30 * time.Second

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/stats,
// reporting aggregates for the caller's own jobs. Aggregation scans the
// whole jobs table, so results are cached briefly.
func NewStatsHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		serveStats(w, r, s, c, &userID)
	}
}

// NewAdminStatsHandler returns an http.HandlerFunc for
// GET /api/v1/admin/stats, reporting system-wide aggregates.
func NewAdminStatsHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveStats(w, r, s, c, nil)
	}
}

func serveStats(w http.ResponseWriter, r *http.Request, s store.Store, c cache.Cache, userID *uuid.UUID) {
	key := cache.StatsKey(userID)
	if cached, hit, err := c.Get(r.Context(), key); err == nil && hit {
		var stats models.Statistics
		if json.Unmarshal(cached, &stats) == nil {
			response.JSON(w, &stats)
			return
		}
	}

	stats, err := s.GetStatistics(r.Context(), userID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to compute statistics", nil)
		return
	}

	if encoded, err := json.Marshal(stats); err == nil {
		_ = c.Set(r.Context(), key, encoded, statsCacheTTL)
	}
	response.JSON(w, stats)
}
