package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	asksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askmesh_asks_submitted_total",
			Help: "Total number of asks accepted for processing.",
		},
	)
	asksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_asks_rejected_total",
			Help: "Total number of asks rejected at admission by reason.",
		},
		[]string{"reason"},
	)
	asksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_asks_completed_total",
			Help: "Total number of asks that reached a terminal status.",
		},
		[]string{"status", "error_code"},
	)
	askDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askmesh_ask_duration_seconds",
			Help:    "Wall-clock time from dispatch to terminal status.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"status"},
	)
	askStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askmesh_ask_stage_duration_seconds",
			Help:    "Latency of each ask stage.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)
	askCorrectionAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askmesh_ask_correction_attempts",
			Help:    "Correction attempts used by asks that entered correction.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)
	validationCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_validation_calls_total",
			Help: "Total number of dry-run validation outcomes.",
		},
		[]string{"outcome"},
	)
	validationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askmesh_validation_retries_total",
			Help: "Total number of validation retries after transport errors.",
		},
	)
	askQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "askmesh_ask_queue_depth",
			Help: "Asks waiting for a worker.",
		},
	)
	jobStoreJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "askmesh_jobstore_jobs",
			Help: "Jobs currently held by the job store.",
		},
	)
	jobStoreEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_jobstore_evictions_total",
			Help: "Total number of jobs removed from the job store by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		asksSubmittedTotal,
		asksRejectedTotal,
		asksCompletedTotal,
		askDurationSeconds,
		askStageDurationSeconds,
		askCorrectionAttempts,
		validationCallsTotal,
		validationRetriesTotal,
		askQueueDepth,
		jobStoreJobs,
		jobStoreEvictionsTotal,
	)
}

func IncrementAsksSubmitted() {
	asksSubmittedTotal.Inc()
}

func IncrementAsksRejected(reason string) {
	asksRejectedTotal.WithLabelValues(reason).Inc()
}

func ObserveAskCompleted(status, errorCode string, elapsed time.Duration) {
	asksCompletedTotal.WithLabelValues(status, errorCode).Inc()
	askDurationSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
}

func ObserveAskStage(stage string, elapsed time.Duration) {
	askStageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func ObserveCorrectionAttempts(attempts int) {
	if attempts <= 0 {
		return
	}
	askCorrectionAttempts.Observe(float64(attempts))
}

// ObserveValidation records one validation outcome: valid, invalid or error.
func ObserveValidation(outcome string) {
	validationCallsTotal.WithLabelValues(outcome).Inc()
}

func IncrementValidationRetries() {
	validationRetriesTotal.Inc()
}

func SetAskQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	askQueueDepth.Set(float64(depth))
}

func SetJobStoreSize(size int) {
	if size < 0 {
		size = 0
	}
	jobStoreJobs.Set(float64(size))
}

func AddJobStoreEvictions(reason string, count int) {
	if count <= 0 {
		return
	}
	jobStoreEvictionsTotal.WithLabelValues(reason).Add(float64(count))
}
