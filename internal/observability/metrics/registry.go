// Package metrics provides centralized Prometheus metrics for the application.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics cover the worker's own endpoints.
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Admission metrics
var (
	// RateLimitDecisionsTotal counts limiter decisions by service and result.
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limiter decisions",
		},
		[]string{"service", "result"}, // result: allowed, denied
	)

	// RateLimitWaitDuration measures time spent waiting for admission.
	RateLimitWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limit_wait_duration_seconds",
			Help:    "Time spent waiting in Acquire",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "result"},
	)

	// RateLimitBackoffsTotal counts adaptive backoffs by triggering status.
	RateLimitBackoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_backoffs_total",
			Help: "Backoffs applied after 429/503 responses",
		},
		[]string{"service", "status"},
	)

	// RateLimitBackoffSeconds is the most recent backoff applied per service.
	RateLimitBackoffSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_backoff_seconds",
			Help: "Most recent backoff applied to a service",
		},
		[]string{"service"},
	)
)

// Breaker metrics
var (
	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"service"},
	)

	// CircuitBreakerRejectionsTotal counts calls rejected by an open breaker.
	CircuitBreakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "Calls rejected without being attempted",
		},
		[]string{"service"},
	)
)

// Ledger metrics
var (
	// LedgerOperationsTotal counts ledger operations by result.
	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_ledger_operations_total",
			Help: "Retry ledger operations",
		},
		[]string{"operation", "result"},
	)

	// LedgerItems is the number of ledger items per status.
	LedgerItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retry_ledger_items",
			Help: "Retry ledger items by status",
		},
		[]string{"status"},
	)

	// LedgerPendingByService is the number of pending items per service.
	LedgerPendingByService = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retry_ledger_pending",
			Help: "Pending retry items by service",
		},
		[]string{"service"},
	)

	// LedgerReady is the number of pending items due now.
	LedgerReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retry_ledger_ready",
			Help: "Pending retry items due now",
		},
	)

	// DeadLetterItems is the size of the dead letter table.
	DeadLetterItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dead_letter_items",
			Help: "Items in the dead letter table",
		},
	)
)

// Recovery metrics
var (
	// RecoveryAttemptsTotal counts provider calls by result.
	RecoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_attempts_total",
			Help: "Recovery provider calls",
		},
		[]string{"provider", "result"}, // result: success, failure
	)

	// RecoveryDuration measures provider call duration.
	RecoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recovery_duration_seconds",
			Help:    "Recovery provider call duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider"},
	)

	// RecoveryCacheLookupsTotal counts cache lookups by result.
	RecoveryCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_cache_lookups_total",
			Help: "Recovery cache lookups",
		},
		[]string{"provider", "result"}, // result: hit, miss
	)

	// RecoveryCacheRemovedTotal counts entries removed by sweeps.
	RecoveryCacheRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_cache_removed_total",
			Help: "Recovery cache entries removed by maintenance",
		},
		[]string{"reason"}, // reason: expired, evicted
	)
)

// Download metrics
var (
	// DownloadsTotal counts Download outcomes.
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downloads_total",
			Help: "Downloads by service, status and failure kind",
		},
		[]string{"service", "status", "failure"},
	)

	// DownloadDuration measures Download duration.
	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "download_duration_seconds",
			Help:    "Download duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"service"},
	)

	// DownloadBytesTotal counts bytes written to disk.
	DownloadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_bytes_total",
			Help: "Bytes downloaded",
		},
		[]string{"service"},
	)
)

// Database metrics track the connection pool.
var (
	// DBConnectionsActive tracks active database connections
	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)

// RecordHTTPRequest records an HTTP request with its metadata
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// UpdateDBConnectionStats updates database connection pool statistics.
func UpdateDBConnectionStats(active, idle int) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}
