package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	// HTTPRequestDuration tracks request latency by method, path, and status.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestTimeout counts requests that hit the timeout threshold by path.
	HTTPRequestTimeout = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_timeout_total",
			Help: "Total number of HTTP request timeouts",
		},
		[]string{"path"},
	)
)

// Database metrics
var (
	// DBTransactionDuration tracks transaction duration by operation label.
	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	// DBOptimisticLockConflicts counts optimistic lock version mismatches by repository.
	DBOptimisticLockConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_optimistic_lock_conflicts_total",
			Help: "Total number of optimistic lock conflicts",
		},
		[]string{"repository"},
	)

	// DBLockWaitDuration tracks time spent waiting on pessimistic row locks
	// (SELECT ... FOR UPDATE) while acquiring accounts in canonical order.
	DBLockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_lock_wait_duration_seconds",
			Help:    "Duration spent waiting to acquire an account row lock",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"repository"},
	)

	// DBPoolConnectionsInUse gauges the number of in-use database connections.
	DBPoolConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_pool_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)

	// DBPoolConnectionsIdle gauges the number of idle database connections.
	DBPoolConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_pool_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)

// Outbox metrics
var (
	// OutboxPendingEvents gauges the number of unpublished outbox events.
	OutboxPendingEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_events",
			Help: "Number of unpublished events in the outbox",
		},
	)

	// OutboxOldestUnpublishedAge gauges the age in seconds of the oldest unpublished event.
	OutboxOldestUnpublishedAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_oldest_unpublished_age_seconds",
			Help: "Age of the oldest unpublished outbox event in seconds",
		},
	)

	// OutboxPublishedTotal counts events successfully published, by topic.
	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox events successfully published",
		},
		[]string{"topic"},
	)

	// OutboxPublishRetries counts publish attempts that failed and were retried.
	OutboxPublishRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_retries_total",
			Help: "Total number of outbox publish retries",
		},
		[]string{"topic"},
	)

	// OutboxExhausted counts events that exhausted their retry budget and moved to FAILED.
	OutboxExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_retries_exhausted_total",
			Help: "Total number of outbox events that exhausted their retry budget",
		},
		[]string{"topic"},
	)

	// OutboxPublishDuration tracks how long a single publish attempt takes.
	OutboxPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_publish_duration_seconds",
			Help:    "Duration of a single outbox publish attempt",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"topic"},
	)
)

// Business metrics
var (
	// IdempotencyCacheHits counts dedup-token hits that short-circuited a transfer.
	IdempotencyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_cache_hits_total",
			Help: "Total number of idempotency (deduplication token) cache hits",
		},
	)

	// TransfersCreated counts processed transfers by outcome (posted, rejected, replayed).
	TransfersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfers_created_total",
			Help: "Total number of transfers processed, by outcome",
		},
		[]string{"outcome"},
	)

	// TransferDuration tracks end-to-end CreateTransfer latency.
	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transfer_duration_seconds",
			Help:    "Duration of a CreateTransfer call, including lock acquisition",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns an HTTP middleware that records request metrics.
// Side effects: records Prometheus metrics and reads the current time.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics endpoint itself
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.statusCode)
		path := normalizePath(r.URL.Path)

		HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()

		// Check for timeout (context canceled with 5s timeout typically means timeout)
		if r.Context().Err() != nil && duration >= 4.9 {
			HTTPRequestTimeout.WithLabelValues(path).Inc()
		}
	})
}

// normalizePath normalizes URL paths to avoid cardinality explosion.
// Replaces account and transaction identifiers with a placeholder.
func normalizePath(path string) string {
	switch {
	case len(path) > 10 && path[:10] == "/accounts/":
		if len(path) > 46 && path[46:] == "/balance" {
			return "/accounts/{id}/balance"
		}
		return "/accounts/{id}"
	case path == "/transactions" || path == "/transfers":
		return path
	default:
		return path
	}
}

// RecordOptimisticLockConflict increments the optimistic lock conflict counter.
// Side effects: records a Prometheus metric.
func RecordOptimisticLockConflict(repository string) {
	DBOptimisticLockConflicts.WithLabelValues(repository).Inc()
}

// RecordTransactionDuration records a database transaction duration.
// Side effects: records a Prometheus metric.
func RecordTransactionDuration(operation string, duration time.Duration) {
	DBTransactionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLockWait records time spent waiting to acquire an account row lock.
// Side effects: records a Prometheus metric.
func RecordLockWait(repository string, duration time.Duration) {
	DBLockWaitDuration.WithLabelValues(repository).Observe(duration.Seconds())
}

// RecordIdempotencyCacheHit increments the idempotency cache hit counter.
// Side effects: records a Prometheus metric.
func RecordIdempotencyCacheHit() {
	IdempotencyCacheHits.Inc()
}

// RecordTransferCreated increments the transfers counter for the given outcome.
// Side effects: records a Prometheus metric.
func RecordTransferCreated(outcome string) {
	TransfersCreated.WithLabelValues(outcome).Inc()
}

// RecordTransferDuration records the duration of a CreateTransfer call.
// Side effects: records a Prometheus metric.
func RecordTransferDuration(duration time.Duration) {
	TransferDuration.Observe(duration.Seconds())
}

// RecordOutboxPublished increments the published-events counter for a topic.
// Side effects: records a Prometheus metric.
func RecordOutboxPublished(topic string) {
	OutboxPublishedTotal.WithLabelValues(topic).Inc()
}

// RecordOutboxRetry increments the publish-retry counter for a topic.
// Side effects: records a Prometheus metric.
func RecordOutboxRetry(topic string) {
	OutboxPublishRetries.WithLabelValues(topic).Inc()
}

// RecordOutboxExhausted increments the retries-exhausted counter for a topic.
// Side effects: records a Prometheus metric.
func RecordOutboxExhausted(topic string) {
	OutboxExhausted.WithLabelValues(topic).Inc()
}

// RecordOutboxPublishDuration records the duration of a single publish attempt.
// Side effects: records a Prometheus metric.
func RecordOutboxPublishDuration(topic string, duration time.Duration) {
	OutboxPublishDuration.WithLabelValues(topic).Observe(duration.Seconds())
}
