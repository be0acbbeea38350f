package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	qualityChecksTotal    *prometheus.CounterVec
	qualityRejections     *prometheus.CounterVec
	batchTransitionsTotal *prometheus.CounterVec
	gradeCommitsTotal     *prometheus.CounterVec
	examKeyCacheTotal     *prometheus.CounterVec
	reviewExamsActive     prometheus.Gauge
	batchStreamsActive    prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used across the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omr_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omr_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omr_api_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		qualityChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omr_quality_checks_total",
			Help: "Capture quality evaluations by outcome.",
		}, []string{"outcome"})

		qualityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omr_quality_rejections_total",
			Help: "Capture quality rejections by reason.",
		}, []string{"reason"})

		batchTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omr_batch_item_transitions_total",
			Help: "Batch item status transitions.",
		}, []string{"status"})

		gradeCommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omr_grade_commits_total",
			Help: "Grade commit attempts by outcome.",
		}, []string{"outcome"})

		examKeyCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omr_exam_key_cache_total",
			Help: "Exam key lookups by cache result.",
		}, []string{"result"})

		reviewExamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omr_review_exams_active",
			Help: "Exams currently held in the review store.",
		})

		batchStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omr_batch_streams_active",
			Help: "Open batch status websocket streams.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			qualityChecksTotal, qualityRejections,
			batchTransitionsTotal, gradeCommitsTotal, examKeyCacheTotal,
			reviewExamsActive, batchStreamsActive,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// QualityChecks counts gate evaluations labelled approved, rejected or unreadable.
func QualityChecks() *prometheus.CounterVec {
	RegisterMetrics()
	return qualityChecksTotal
}

// QualityRejections counts rejection reasons.
func QualityRejections() *prometheus.CounterVec {
	RegisterMetrics()
	return qualityRejections
}

// BatchTransitions counts batch item status changes.
func BatchTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return batchTransitionsTotal
}

// GradeCommits counts commit attempts.
func GradeCommits() *prometheus.CounterVec {
	RegisterMetrics()
	return gradeCommitsTotal
}

// ExamKeyCache counts cache hits and misses for exam key lookups.
func ExamKeyCache() *prometheus.CounterVec {
	RegisterMetrics()
	return examKeyCacheTotal
}

// ReviewExamsActive tracks exams held in the review store.
func ReviewExamsActive() prometheus.Gauge {
	RegisterMetrics()
	return reviewExamsActive
}

// BatchStreamsActive tracks open batch websocket streams.
func BatchStreamsActive() prometheus.Gauge {
	RegisterMetrics()
	return batchStreamsActive
}
