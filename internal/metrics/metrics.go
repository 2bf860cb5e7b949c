// Package metrics exposes Prometheus instrumentation for the sync pipeline and the Strava client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stridetally"

var (
	stravaRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "strava",
		Name:      "requests_total",
		Help:      "Number of Strava API requests grouped by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	stravaLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "strava",
		Name:      "request_duration_seconds",
		Help:      "Latency of Strava API requests including rate limit retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	circuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "strava",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tokens",
		Name:      "refreshes_total",
		Help:      "Number of access token refresh attempts grouped by outcome.",
	}, []string{"outcome"})

	activitiesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "activities_total",
		Help:      "Raw activities processed by the ingestor grouped by result.",
	}, []string{"result"})

	syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "athlete_runs_total",
		Help:      "Per-athlete sync flows grouped by outcome.",
	}, []string{"outcome"})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "athlete_run_duration_seconds",
		Help:      "Duration of a single athlete sync flow.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	lastSyncAll = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "last_sync_all_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed bulk sync.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "queue_depth",
		Help:      "Number of sync tasks waiting in the queue.",
	})
)

func init() {
	prometheus.MustRegister(
		stravaRequests,
		stravaLatency,
		circuitBreakerState,
		tokenRefreshes,
		activitiesIngested,
		syncRuns,
		syncDuration,
		lastSyncAll,
		queueDepth,
	)
}

// RecordStravaRequest counts one Strava request and observes its latency.
func RecordStravaRequest(endpoint, outcome string, elapsed time.Duration) {
	stravaRequests.WithLabelValues(endpoint, outcome).Inc()
	stravaLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// SetCircuitBreakerState records the numeric breaker state.
func SetCircuitBreakerState(name string, state float64) {
	circuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordTokenRefresh counts a refresh attempt.
func RecordTokenRefresh(outcome string) {
	tokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordIngested adds count activities under the result label.
func RecordIngested(result string, count int) {
	if count <= 0 {
		return
	}
	activitiesIngested.WithLabelValues(result).Add(float64(count))
}

// RecordSyncRun counts a finished athlete flow and observes its duration.
func RecordSyncRun(outcome string, elapsed time.Duration) {
	syncRuns.WithLabelValues(outcome).Inc()
	syncDuration.Observe(elapsed.Seconds())
}

// RecordSyncAllCompleted stamps the bulk sync watermark.
func RecordSyncAllCompleted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSyncAll.Set(float64(ts.Unix()))
}

// SetQueueDepth reports the current queue length.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}
