// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Metrics Integration for Production Observability
// This package provides comprehensive instrumentation for:
// - Event publishing and deduplication
// - Job queue depth and retry behavior
// - Delivery outcomes and latency (SMTP)
// - Renderer calls and degraded fallbacks
// - API endpoint latency and throughput

var (
	// Publisher Metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of email events accepted for delivery",
		},
		[]string{"event_type"},
	)

	EventsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_suppressed_total",
			Help: "Total number of email events suppressed before delivery",
		},
		[]string{"reason"}, // "duplicate", "cancellation"
	)

	EnqueueFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enqueue_failures_total",
			Help: "Total number of events that passed dedup but failed to enqueue",
		},
	)

	// Dedup Store Metrics
	DedupOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_store_operations_total",
			Help: "Total number of dedup store operations by outcome",
		},
		[]string{"operation", "outcome"}, // outcome: "stored", "duplicate", "failure"
	)

	// Queue Metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of jobs per queue state",
		},
		[]string{"state"}, // "waiting", "active", "completed", "dead_letter"
	)

	JobsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
	)

	JobsDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead letter queue",
		},
		[]string{"reason"}, // "exhausted", "permanent"
	)

	JobsReplayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_replayed_total",
			Help: "Total number of dead-lettered jobs replayed by an operator",
		},
	)

	LeasesRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leases_requeued_total",
			Help: "Total number of jobs requeued after a worker lease expired",
		},
	)

	// Worker Metrics
	JobAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_attempts_total",
			Help: "Total number of delivery attempts by outcome",
		},
		[]string{"outcome"}, // "success", "degraded", "transient_failure", "permanent_failure", "suppressed"
	)

	RetryDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retry_delay_seconds",
			Help:    "Backoff delay scheduled before a retry",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 300, 600},
		},
	)

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_active",
			Help: "Current number of workers processing a job",
		},
	)

	// Delivery Metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Total number of terminally processed deliveries by status",
		},
		[]string{"status"}, // "success", "degraded", "failed"
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Duration of a full delivery attempt (render + send)",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}, // SMTP round trips dominate
		},
	)

	SMTPSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_sends_total",
			Help: "Total number of SMTP send attempts by outcome",
		},
		[]string{"outcome"}, // "sent", "transient_error", "permanent_error"
	)

	// Renderer Metrics
	RendererCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_calls_total",
			Help: "Total number of PDF renderer calls by outcome",
		},
		[]string{"outcome"}, // "ok", "invalid_data", "unavailable", "timeout"
	)

	RendererFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderer_fallbacks_total",
			Help: "Total number of deliveries degraded to text-only after render failure",
		},
	)

	RendererCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "renderer_call_duration_seconds",
			Help:    "Duration of PDF renderer calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Bus Metrics
	BusMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_total",
			Help: "Total number of messages consumed from the order event bus",
		},
		[]string{"outcome"}, // "processed", "rejected", "error"
	)

	// Audit Store Metrics
	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_writes_total",
			Help: "Total number of audit store writes",
		},
		[]string{"kind"},
	)

	AuditWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_errors_total",
			Help: "Total number of failed audit store writes",
		},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)
)

// RecordAPIRequest records a completed API request with its latency.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordAttempt records one delivery attempt outcome.
func RecordAttempt(outcome string) {
	JobAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery records a terminally processed delivery.
func RecordDelivery(status string, duration time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryDuration.Observe(duration.Seconds())
}

// RecordStoreQuery records a DuckDB query with its latency.
func RecordStoreQuery(operation, table string, duration time.Duration) {
	StoreQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// UpdateQueueDepth publishes the current per-state job counts.
func UpdateQueueDepth(counts map[string]int64) {
	for state, n := range counts {
		QueueDepth.WithLabelValues(state).Set(float64(n))
	}
}

// RecordCircuitBreakerState maps a gobreaker state to its gauge value.
func RecordCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
