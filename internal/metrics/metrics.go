// Package metrics exposes Prometheus instrumentation for the scheduler.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaqueue_jobs_submitted_total",
		Help: "The total number of submitted jobs",
	}, []string{"job_type", "media_type"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaqueue_jobs_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"job_type", "outcome"}) // outcome: completed, failed, retried, cancelled

	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaqueue_jobs_claimed_total",
		Help: "The total number of successful job claims",
	}, []string{"job_type"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaqueue_stage_duration_seconds",
		Help:    "Duration of individual stage executions.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaqueue_job_duration_seconds",
		Help:    "Wall-clock duration of complete job runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"job_type"})

	JobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaqueue_jobs_reaped_total",
		Help: "The total number of stalled jobs reclaimed by the reaper",
	})
)

// Handler returns the Prometheus scrape handler for mounting on a router.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer runs a standalone HTTP server exposing /metrics, for
// processes that have no API router of their own.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
