package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SessionCreations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "session_creations_total", Help: "Browser session creation attempts by outcome"},
		[]string{"outcome"},
	)
	SessionCreationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_creation_duration_seconds",
			Help:    "Time spent creating a browser session",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 90, 120},
		},
	)
	StaleSessions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "session_stale_total", Help: "Sessions discarded after a failed liveness probe"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_messages_total", Help: "Per-recipient send outcomes"},
		[]string{"outcome"},
	)
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_total", Help: "Jobs by terminal status"},
		[]string{"status"},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Time from job start to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration,
		SessionCreations, SessionCreationDuration, StaleSessions,
		MessagesTotal, JobsTotal, JobDuration,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
