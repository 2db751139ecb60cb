package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric definitions shared by the API and the pipeline worker

var (
	// Search metrics
	searchStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "matterdock",
			Subsystem: "search",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each hybrid search stage",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"stage"},
	)

	searchFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matterdock",
			Subsystem: "search",
			Name:      "fallbacks_total",
			Help:      "Total number of search degradations by reason",
		},
		[]string{"reason"},
	)

	// Cache metrics
	cacheOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matterdock",
			Subsystem: "cache",
			Name:      "outcomes_total",
			Help:      "Cache lookups by cache name and outcome",
		},
		[]string{"cache", "outcome"},
	)

	// Streaming metrics
	streamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matterdock",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Total number of stream events emitted",
		},
		[]string{"type"},
	)

	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "matterdock",
			Subsystem: "stream",
			Name:      "active_total",
			Help:      "Number of chat streams currently open",
		},
	)

	// Document pipeline metrics
	ocrChunksMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "matterdock",
			Subsystem: "pipeline",
			Name:      "ocr_chunks_merged_total",
			Help:      "Total number of OCR chunks merged into documents",
		},
	)

	mergeWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matterdock",
			Subsystem: "pipeline",
			Name:      "merge_warnings_total",
			Help:      "OCR merge warnings by kind",
		},
		[]string{"kind"},
	)

	validationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matterdock",
			Subsystem: "pipeline",
			Name:      "validation_outcomes_total",
			Help:      "Low-confidence word validations by resolution method",
		},
		[]string{"method"},
	)

	citationVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matterdock",
			Subsystem: "citation",
			Name:      "verifications_total",
			Help:      "Citation verification results by status",
		},
		[]string{"status"},
	)

	jobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matterdock",
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Job state transitions by job type and new status",
		},
		[]string{"job_type", "status"},
	)

	// Database metrics
	dbConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pgxpool",
			Name:      "connections",
			Help:      "Current number of connections in the pool",
		},
		[]string{"state"},
	)

	dbConnectionPoolMax = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgxpool",
			Name:      "max_conns",
			Help:      "Maximum number of connections in the pool",
		},
	)
)

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSearchStage records the latency of one hybrid search stage
func RecordSearchStage(stage string, duration time.Duration) {
	searchStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordSearchFallback records a search degradation
func RecordSearchFallback(reason string) {
	searchFallbacks.WithLabelValues(reason).Inc()
}

// RecordCacheOutcome records a cache lookup result (hit, miss, corrupt, error)
func RecordCacheOutcome(cache, outcome string) {
	cacheOutcomes.WithLabelValues(cache, outcome).Inc()
}

// RecordStreamEvent records an emitted stream event
func RecordStreamEvent(eventType string) {
	streamEvents.WithLabelValues(eventType).Inc()
}

// StreamOpened increments the active stream gauge
func StreamOpened() {
	activeStreams.Inc()
}

// StreamClosed decrements the active stream gauge
func StreamClosed() {
	activeStreams.Dec()
}

// RecordChunksMerged records OCR chunks folded into a merged document
func RecordChunksMerged(count int) {
	ocrChunksMerged.Add(float64(count))
}

// RecordMergeWarning records an OCR merge warning
func RecordMergeWarning(kind string) {
	mergeWarnings.WithLabelValues(kind).Inc()
}

// RecordValidationOutcome records low-confidence word resolutions
func RecordValidationOutcome(method string, count int) {
	validationOutcomes.WithLabelValues(method).Add(float64(count))
}

// RecordCitationVerification records a citation verification result
func RecordCitationVerification(status string) {
	citationVerifications.WithLabelValues(status).Inc()
}

// RecordJobTransition records a job state transition
func RecordJobTransition(jobType, status string) {
	jobTransitions.WithLabelValues(jobType, status).Inc()
}

// UpdateDBConnectionPoolMetrics updates database connection pool metrics
func UpdateDBConnectionPoolMetrics(active, idle, total, max int) {
	dbConnectionPoolSize.WithLabelValues("active").Set(float64(active))
	dbConnectionPoolSize.WithLabelValues("idle").Set(float64(idle))
	dbConnectionPoolSize.WithLabelValues("total").Set(float64(total))
	dbConnectionPoolMax.Set(float64(max))
}
