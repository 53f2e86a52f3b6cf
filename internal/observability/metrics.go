package observability

import "github.com/prometheus/client_golang/prometheus"

// HTTP surface collectors. Ask pipeline collectors live in domain_metrics.go.
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_http_requests_total",
			Help: "HTTP requests by matched route pattern.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askmesh_http_request_duration_seconds",
			Help:    "HTTP request latency by matched route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route", "status"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "askmesh_http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})

	httpPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_http_panics_total",
			Help: "Handler panics recovered by route pattern.",
		},
		[]string{"route"},
	)

	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_auth_failures_total",
			Help: "Rejected API key authentications by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpRequestsInFlight,
		httpPanicsTotal,
		authFailuresTotal,
	)
}

func IncrementAuthFailures(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}
