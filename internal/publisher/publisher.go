// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package publisher admits email events into the pipeline. Admission is
// gated by the dedup store: for each (order, event type) exactly one job is
// created per dedup window, no matter how many times the platform emits the
// event.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/courier/internal/dedup"
	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/metrics"
	"github.com/tomtom215/courier/internal/models"
	"github.com/tomtom215/courier/internal/queue"
	"github.com/tomtom215/courier/internal/store"
)

// ErrEnqueueFailed means the event won dedup admission but could not be
// enqueued. The dedup reservation is rolled back so the publish can be
// retried.
var ErrEnqueueFailed = errors.New("publisher: enqueue failed")

// Config holds publisher settings.
type Config struct {
	// DedupTTL is the lifetime of dedup keys. It must exceed the worst-case
	// retry lifetime of a job so a failing delivery cannot be re-admitted
	// while still in flight.
	DedupTTL time.Duration

	// DedupWindow buckets idempotency keys by time; zero disables bucketing
	// and a given (order, type) pair is admitted once per DedupTTL.
	DedupWindow time.Duration

	// MaxAttempts is the retry budget given to each created job.
	MaxAttempts int
}

// Result reports the outcome of a publish.
type Result struct {
	// JobID is the admitted job, or the previously admitted one for
	// duplicates.
	JobID string `json:"job_id"`

	// Deduplicated means no new job was created.
	Deduplicated bool `json:"deduplicated"`
}

// Publisher validates events and admits them into the queue.
type Publisher struct {
	cfg    Config
	dedup  dedup.Store
	queue  *queue.Queue
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a publisher.
func New(cfg Config, ds dedup.Store, q *queue.Queue, st store.Store) *Publisher {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Publisher{
		cfg:    cfg,
		dedup:  ds,
		queue:  q,
		store:  st,
		logger: logging.Component("publisher"),
		now:    time.Now,
	}
}

// Publish validates the event and creates its delivery job unless an
// identical event was already admitted within the dedup window.
func (p *Publisher) Publish(ctx context.Context, event models.EmailEvent) (*Result, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = p.now()
	}

	key := dedup.IdempotencyKey(event.OrderID, event.Type, p.cfg.DedupWindow, p.now())
	jobID := uuid.NewString()

	// Reserve the key before the job exists: two concurrent publishes race
	// on the reservation, never on the queue. The loser sees the winner's
	// job ID as the existing value.
	won, existing, err := p.dedup.SetNX(ctx, key, jobID, p.cfg.DedupTTL)
	if err != nil {
		return nil, fmt.Errorf("dedup admission: %w", err)
	}

	if !won {
		p.auditSuppressed(ctx, existing, event)
		metrics.EventsSuppressedTotal.WithLabelValues("duplicate").Inc()
		p.logger.Info().
			Str("order_id", event.OrderID).
			Str("event_type", string(event.Type)).
			Str("job_id", existing).
			Msg("Duplicate event suppressed")
		return &Result{JobID: existing, Deduplicated: true}, nil
	}

	if _, err := p.queue.EnqueueWithID(ctx, jobID, key, event, p.cfg.MaxAttempts); err != nil {
		// Roll back the reservation so a later publish can re-admit the
		// event instead of it silently never being delivered.
		metrics.EnqueueFailuresTotal.Inc()
		if derr := p.dedup.Delete(ctx, key); derr != nil {
			p.logger.Error().Err(derr).Str("order_id", event.OrderID).Msg("Dedup rollback failed, event is lost until TTL expiry")
		}
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()
	p.logger.Info().
		Str("order_id", event.OrderID).
		Str("event_type", string(event.Type)).
		Str("job_id", jobID).
		Msg("Event admitted")
	return &Result{JobID: jobID}, nil
}

func (p *Publisher) auditSuppressed(ctx context.Context, jobID string, event models.EmailEvent) {
	err := p.store.AppendAudit(ctx, models.AuditEntry{
		JobID:     jobID,
		OrderID:   event.OrderID,
		Timestamp: p.now(),
		Event:     models.AuditSuppressed,
		Detail:    "duplicate event",
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Error().Err(err).Str("order_id", event.OrderID).Msg("Audit write failed")
	}
}
