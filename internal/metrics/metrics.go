// Package metrics exposes Prometheus collectors for the analysis engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal                  *prometheus.CounterVec
	tierDurationSeconds        *prometheus.HistogramVec
	stepErrorsTotal            *prometheus.CounterVec
	activeAnalyses             prometheus.Gauge
	fallbackScoresTotal        prometheus.Counter
	reapedRunsTotal            prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analysis_runs_total",
				Help: "Total analysis runs reaching a terminal status, labeled by status and entity kind.",
			},
			[]string{"status", "kind"},
		)

		tierDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analysis_tier_duration_seconds",
				Help:    "Histogram of per-tier scoring latencies, labeled by tier.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
			},
			[]string{"tier"},
		)

		stepErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analysis_step_errors_total",
				Help: "Total contained or fatal step failures, labeled by taxonomy tag.",
			},
			[]string{"tag"},
		)

		activeAnalyses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "analysis_active_entities",
				Help: "Number of entity runs currently being processed.",
			},
		)

		fallbackScoresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analysis_fallback_scores_total",
				Help: "Total criterion scores substituted by the tier-3 fallback.",
			},
		)

		reapedRunsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analysis_reaped_runs_total",
				Help: "Total stale runs transitioned to failed by the reaper.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun counts a run reaching a terminal status.
func ObserveRun(status, kind string) {
	runsTotal.WithLabelValues(status, kind).Inc()
}

// ObserveTier records one tier's scoring latency.
func ObserveTier(tier string, duration time.Duration) {
	tierDurationSeconds.WithLabelValues(tier).Observe(duration.Seconds())
}

// ObserveStepError counts a tagged step failure.
func ObserveStepError(tag string) {
	stepErrorsTotal.WithLabelValues(tag).Inc()
}

// IncActiveAnalyses increments the active entity gauge.
func IncActiveAnalyses() {
	activeAnalyses.Inc()
}

// DecActiveAnalyses decrements the active entity gauge.
func DecActiveAnalyses() {
	activeAnalyses.Dec()
}

// ObserveFallbackScore counts one tier-3 fallback substitution.
func ObserveFallbackScore() {
	fallbackScoresTotal.Inc()
}

// ObserveReapedRun counts one stale run reaped to failed.
func ObserveReapedRun() {
	reapedRunsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
