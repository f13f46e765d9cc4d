// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package api exposes the pipeline over HTTP: event intake, health,
// delivery statistics, and the operator surface for dead-lettered jobs.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/models"
	"github.com/tomtom215/courier/internal/monitor"
	"github.com/tomtom215/courier/internal/publisher"
	"github.com/tomtom215/courier/internal/queue"
	"github.com/tomtom215/courier/internal/store"
)

// Handler serves the API endpoints.
type Handler struct {
	publisher *publisher.Publisher
	queue     *queue.Queue
	monitor   *monitor.Monitor
	store     store.Store
	logger    zerolog.Logger
}

// NewHandler creates the API handler.
func NewHandler(pub *publisher.Publisher, q *queue.Queue, mon *monitor.Monitor, st store.Store) *Handler {
	return &Handler{
		publisher: pub,
		queue:     q,
		monitor:   mon,
		store:     st,
		logger:    logging.Component("api"),
	}
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Encoding response failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness: the queue must be reachable.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.queue.Counts(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Health reports the full pipeline health evaluation.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.monitor.Check(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Health check failed")
		h.writeError(w, http.StatusInternalServerError, "health evaluation failed")
		return
	}

	status := http.StatusOK
	if health.Status == monitor.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

// Publish admits an email event into the pipeline.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var event models.EmailEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed event payload")
		return
	}

	res, err := h.publisher.Publish(r.Context(), event)
	if err != nil {
		if errors.Is(err, publisher.ErrEnqueueFailed) {
			h.writeError(w, http.StatusServiceUnavailable, "event accepted by dedup but not queued, retry")
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusAccepted
	if res.Deduplicated {
		status = http.StatusOK
	}
	h.writeJSON(w, status, res)
}

// statisticsResponse wraps delivery statistics with the evaluated range.
type statisticsResponse struct {
	From       time.Time                 `json:"from"`
	To         time.Time                 `json:"to"`
	Statistics models.DeliveryStatistics `json:"statistics"`
}

// Statistics returns delivery statistics for a time range. Defaults to the
// last 24 hours; from/to accept RFC 3339 timestamps.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = t
	}
	if !from.Before(to) {
		h.writeError(w, http.StatusBadRequest, "from must precede to")
		return
	}

	stats, err := h.store.Statistics(r.Context(), from, to)
	if err != nil {
		h.logger.Error().Err(err).Msg("Statistics query failed")
		h.writeError(w, http.StatusInternalServerError, "statistics query failed")
		return
	}
	h.writeJSON(w, http.StatusOK, statisticsResponse{From: from, To: to, Statistics: stats})
}

// metricsResponse is the at-a-glance pipeline summary.
type metricsResponse struct {
	SuccessRate           float64                   `json:"success_rate"`
	AverageDeliveryTimeMs float64                   `json:"average_delivery_time_ms"`
	TotalAttempts         int64                     `json:"total_attempts"`
	QueueDepth            map[models.JobState]int64 `json:"queue_depth"`
	Window                string                    `json:"window"`
}

// Metrics returns the delivery summary for the last 24 hours together with
// current queue depth. Prometheus scraping uses /metrics at the root; this
// endpoint is the operator-facing JSON view.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	stats, err := h.store.Statistics(r.Context(), from, to)
	if err != nil {
		h.logger.Error().Err(err).Msg("Statistics query failed")
		h.writeError(w, http.StatusInternalServerError, "statistics query failed")
		return
	}
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Queue counts failed")
		h.writeError(w, http.StatusInternalServerError, "queue counts failed")
		return
	}

	h.writeJSON(w, http.StatusOK, metricsResponse{
		SuccessRate:           stats.SuccessRate,
		AverageDeliveryTimeMs: stats.AverageDeliveryMs,
		TotalAttempts:         stats.TotalAttempts,
		QueueDepth:            counts,
		Window:                "24h",
	})
}

// failedJobsResponse lists dead-lettered jobs.
type failedJobsResponse struct {
	Jobs  []*models.Job `json:"jobs"`
	Count int           `json:"count"`
}

// FailedJobs lists dead-lettered jobs, oldest first.
func (h *Handler) FailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			h.writeError(w, http.StatusBadRequest, "limit must be within [1, 1000]")
			return
		}
		limit = n
	}

	jobs, err := h.queue.ListByState(r.Context(), models.JobDeadLetter, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Listing failed jobs failed")
		h.writeError(w, http.StatusInternalServerError, "listing failed jobs failed")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	h.writeJSON(w, http.StatusOK, failedJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// ReplayFailedJob returns a dead-lettered job to the queue with a fresh
// retry budget.
func (h *Handler) ReplayFailedJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if err := h.queue.ReplayDeadLetter(r.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			h.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		var invalid *models.ErrInvalidTransition
		if errors.As(err, &invalid) {
			h.writeError(w, http.StatusConflict, "job is not dead-lettered")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Replay failed")
		h.writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "requeued"})
}

// auditResponse lists audit entries.
type auditResponse struct {
	Entries []models.AuditEntry `json:"entries"`
	Count   int                 `json:"count"`
}

// Audit returns the audit trail for a job or an order. Exactly one of
// job_id and order_id must be given.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	orderID := r.URL.Query().Get("order_id")
	if (jobID == "") == (orderID == "") {
		h.writeError(w, http.StatusBadRequest, "exactly one of job_id and order_id is required")
		return
	}

	var entries []models.AuditEntry
	var err error
	if jobID != "" {
		entries, err = h.store.AuditTrail(r.Context(), jobID)
	} else {
		entries, err = h.store.AuditByOrder(r.Context(), orderID)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Audit query failed")
		h.writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	h.writeJSON(w, http.StatusOK, auditResponse{Entries: entries, Count: len(entries)})
}
