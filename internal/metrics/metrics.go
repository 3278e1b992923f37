// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	AdminActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_actions_total",
			Help: "Admin action requests by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by a rate limiter",
		},
		[]string{"route"},
	)

	RateLimiterErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limiter_errors_total",
			Help: "Limiter backend errors (requests admitted)",
		},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit records that failed to persist after a successful transition",
		},
	)

	AuditOrphansJournaled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_orphans_journaled_total",
			Help: "Failed audit records stored in the local journal",
		},
	)

	AuditOrphansReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_orphans_replayed_total",
			Help: "Journaled audit records replayed to the backend",
		},
		[]string{"result"},
	)

	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_requests_total",
			Help: "Backend requests by breaker and result",
		},
		[]string{"breaker", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state: 0=closed, 1=half-open, 2=open",
		},
		[]string{"name"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Outbound chat messages by delivery result",
		},
		[]string{"result"},
	)
)

func RecordHTTPRequest(method, route, status string, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func RecordAdminAction(action, outcome string) {
	if action == "" {
		action = "unknown"
	}
	AdminActionsTotal.WithLabelValues(action, outcome).Inc()
}
