// Package metrics exposes Prometheus collectors for the permit crawler.
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
	fetchOutcomesTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	endpointRequestsTotal      *prometheus.CounterVec
	mergeRecordsTotal          *prometheus.CounterVec
	mergeConflictsTotal        prometheus.Counter
	runsTotal                  *prometheus.CounterVec
	activeLanes                prometheus.Gauge
	politenessWaitSeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_fetch_outcomes_total",
				Help: "Total number of classified key fetches, labeled by lane and outcome.",
			},
			[]string{"lane", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permit_fetch_duration_seconds",
				Help:    "Histogram of whole key fetch latencies including warm-ups and retries.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		)

		endpointRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_endpoint_requests_total",
				Help: "Total number of physical requests sent to the endpoint, labeled by status code.",
			},
			[]string{"code"},
		)

		mergeRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_merge_records_total",
				Help: "Total number of records merged into the canonical dataset, labeled by result.",
			},
			[]string{"result"},
		)

		mergeConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "permit_merge_conflicts_total",
				Help: "Total number of snapshot writes rejected by a version precondition.",
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_runs_total",
				Help: "Total number of lane runs, labeled by stop reason.",
			},
			[]string{"stop_reason"},
		)

		activeLanes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "permit_active_lanes",
				Help: "Number of lanes currently enumerating.",
			},
		)

		politenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permit_politeness_wait_seconds",
				Help:    "Histogram of waits imposed by the per-key politeness limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"lane"},
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

// ObserveFetch records one classified key fetch.
func ObserveFetch(lane, outcome string, duration time.Duration) {
	Init()
	fetchOutcomesTotal.WithLabelValues(lane, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveEndpointRequest records one physical request. A zero code means a transport error.
func ObserveEndpointRequest(code int) {
	Init()
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	endpointRequestsTotal.WithLabelValues(label).Inc()
}

// ObserveMerge records the result of one successful merge.
func ObserveMerge(added, updated, skipped int) {
	Init()
	mergeRecordsTotal.WithLabelValues("added").Add(float64(added))
	mergeRecordsTotal.WithLabelValues("updated").Add(float64(updated))
	mergeRecordsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveMergeConflict increments the version-mismatch counter.
func ObserveMergeConflict() {
	Init()
	mergeConflictsTotal.Inc()
}

// ObserveRun records a finished lane run.
func ObserveRun(stopReason string) {
	Init()
	runsTotal.WithLabelValues(stopReason).Inc()
}

// IncActiveLanes increments the active lanes gauge.
func IncActiveLanes() {
	Init()
	activeLanes.Inc()
}

// DecActiveLanes decrements the active lanes gauge.
func DecActiveLanes() {
	Init()
	activeLanes.Dec()
}

// ObservePolitenessWait records the duration of a politeness wait.
func ObservePolitenessWait(lane string, duration time.Duration) {
	Init()
	politenessWaitSeconds.WithLabelValues(lane).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
