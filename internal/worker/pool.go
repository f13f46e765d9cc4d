// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package worker drives delivery jobs through their lifecycle: claim,
// attempt, and then complete, retry with backoff, or dead-letter.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/courier/internal/dedup"
	"github.com/tomtom215/courier/internal/delivery"
	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/metrics"
	"github.com/tomtom215/courier/internal/models"
	"github.com/tomtom215/courier/internal/queue"
	"github.com/tomtom215/courier/internal/store"
)

// Config holds pool settings.
type Config struct {
	// Workers is the number of concurrent delivery workers.
	Workers int

	// PollInterval is how long an idle worker waits before re-polling.
	PollInterval time.Duration

	// JanitorInterval is how often expired leases are requeued and old
	// completed jobs cleaned up.
	JanitorInterval time.Duration

	// CompletedRetention is how long completed jobs are kept.
	CompletedRetention time.Duration

	// CancelMarkerTTL is the lifetime of cancellation markers. It must
	// outlive any confirmation job that could still be in flight.
	CancelMarkerTTL time.Duration
}

// Pool runs delivery workers over the job queue. It implements
// suture.Service: Serve blocks until the context is cancelled.
type Pool struct {
	cfg          Config
	queue        *queue.Queue
	orchestrator *delivery.Orchestrator
	store        store.Store
	dedup        dedup.Store
	policy       *RetryPolicy
	logger       zerolog.Logger
}

// NewPool creates a worker pool.
func NewPool(cfg Config, q *queue.Queue, o *delivery.Orchestrator, st store.Store, ds dedup.Store, policy *RetryPolicy) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 15 * time.Second
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 24 * time.Hour
	}
	if cfg.CancelMarkerTTL <= 0 {
		cfg.CancelMarkerTTL = 24 * time.Hour
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return &Pool{
		cfg:          cfg,
		queue:        q,
		orchestrator: o,
		store:        st,
		dedup:        ds,
		policy:       policy,
		logger:       logging.Component("worker"),
	}
}

// Serve runs the workers and the janitor until ctx is cancelled.
func (p *Pool) Serve(ctx context.Context) error {
	p.logger.Info().Int("workers", p.cfg.Workers).Msg("Worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runJanitor(ctx)
	}()

	wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
	return ctx.Err()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Claim(ctx, workerID)
		if errors.Is(err, queue.ErrNoJob) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error().Err(err).Str("worker_id", workerID).Msg("Claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		metrics.WorkersActive.Inc()
		p.ProcessJob(ctx, job)
		metrics.WorkersActive.Dec()
	}
}

func (p *Pool) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.RequeueExpiredLeases(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("Requeueing expired leases failed")
			}
			if _, err := p.queue.CleanupCompleted(ctx, p.cfg.CompletedRetention); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("Cleanup of completed jobs failed")
			}
		}
	}
}

// ProcessJob runs one claimed job to its next state. Exported for tests;
// production flow goes through Serve.
func (p *Pool) ProcessJob(ctx context.Context, job *models.Job) {
	p.audit(ctx, job, models.AuditAttempted, fmt.Sprintf("attempt %d/%d", job.Attempts, job.MaxAttempts))

	start := time.Now()
	res, err := p.orchestrator.Deliver(ctx, job.Event)
	elapsed := time.Since(start)

	switch {
	case err == nil && res.Suppressed:
		p.handleSuppressed(ctx, job)
	case err == nil:
		p.handleDelivered(ctx, job, res, elapsed)
	case delivery.IsPermanentError(err):
		p.handlePermanent(ctx, job, err, elapsed)
	default:
		p.handleTransient(ctx, job, err, elapsed)
	}
}

// handleSuppressed completes a confirmation that must not be sent because
// the order was cancelled. No delivery record: nothing was delivered.
func (p *Pool) handleSuppressed(ctx context.Context, job *models.Job) {
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Completing suppressed job failed")
		return
	}
	p.audit(ctx, job, models.AuditSuppressed, "order cancelled before confirmation was sent")
	metrics.RecordAttempt("suppressed")
	metrics.EventsSuppressedTotal.WithLabelValues("cancellation").Inc()
}

func (p *Pool) handleDelivered(ctx context.Context, job *models.Job, res *delivery.Result, elapsed time.Duration) {
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		// The email went out but the state change failed; the lease janitor
		// will eventually requeue and the dedup layer has no second job to
		// admit, so log loudly and move on.
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Completing delivered job failed")
	}

	if res.Status == models.DeliveryDegraded {
		p.audit(ctx, job, models.AuditDegraded, res.Note)
		metrics.RecordAttempt("degraded")
	} else {
		p.audit(ctx, job, models.AuditSucceeded, "message "+res.MessageID)
		metrics.RecordAttempt("success")
	}
	metrics.RecordDelivery(string(res.Status), elapsed)

	p.record(ctx, models.DeliveryRecord{
		OrderID:    job.Event.OrderID,
		EmailType:  job.Event.Type,
		SentAt:     time.Now(),
		MessageID:  res.MessageID,
		Status:     res.Status,
		Attempts:   job.Attempts,
		DurationMs: elapsed.Milliseconds(),
	})

	// A completed cancellation arms the suppression check for any
	// confirmation of the same order still in flight.
	if job.Event.Type == models.EventOrderCancellation {
		if err := dedup.MarkCancelled(ctx, p.dedup, job.Event.OrderID, p.cfg.CancelMarkerTTL); err != nil {
			p.logger.Error().Err(err).Str("order_id", job.Event.OrderID).Msg("Writing cancellation marker failed")
		}
	}
}

func (p *Pool) handlePermanent(ctx context.Context, job *models.Job, cause error, elapsed time.Duration) {
	p.audit(ctx, job, models.AuditFailed, cause.Error())
	metrics.RecordAttempt("permanent_failure")

	if err := p.queue.DeadLetter(ctx, job.ID, cause.Error(), "permanent"); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Dead-lettering job failed")
		return
	}
	p.audit(ctx, job, models.AuditDeadLettered, "permanent error")
	p.recordFailure(ctx, job, elapsed)
}

func (p *Pool) handleTransient(ctx context.Context, job *models.Job, cause error, elapsed time.Duration) {
	p.audit(ctx, job, models.AuditFailed, cause.Error())
	metrics.RecordAttempt("transient_failure")

	if job.Attempts >= job.MaxAttempts {
		if err := p.queue.DeadLetter(ctx, job.ID, cause.Error(), "exhausted"); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Dead-lettering exhausted job failed")
			return
		}
		p.audit(ctx, job, models.AuditDeadLettered, fmt.Sprintf("retry budget exhausted after %d attempts", job.Attempts))
		p.recordFailure(ctx, job, elapsed)
		return
	}

	backoff := p.policy.CalculateBackoff(job.Attempts)
	if err := p.queue.Retry(ctx, job.ID, time.Now().Add(backoff), cause.Error()); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Scheduling retry failed")
		return
	}
	p.logger.Warn().
		Str("job_id", job.ID).
		Str("order_id", job.Event.OrderID).
		Int("attempt", job.Attempts).
		Dur("backoff", backoff).
		Err(cause).
		Msg("Delivery attempt failed, retry scheduled")
}

// recordFailure writes the terminal delivery record for a dead-lettered job.
func (p *Pool) recordFailure(ctx context.Context, job *models.Job, elapsed time.Duration) {
	metrics.RecordDelivery(string(models.DeliveryFailed), elapsed)
	p.record(ctx, models.DeliveryRecord{
		OrderID:    job.Event.OrderID,
		EmailType:  job.Event.Type,
		SentAt:     time.Now(),
		Status:     models.DeliveryFailed,
		Attempts:   job.Attempts,
		DurationMs: elapsed.Milliseconds(),
	})
}

func (p *Pool) audit(ctx context.Context, job *models.Job, kind models.AuditKind, detail string) {
	err := p.store.AppendAudit(ctx, models.AuditEntry{
		JobID:     job.ID,
		OrderID:   job.Event.OrderID,
		Timestamp: time.Now(),
		Event:     kind,
		Detail:    detail,
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Audit write failed")
	}
}

func (p *Pool) record(ctx context.Context, rec models.DeliveryRecord) {
	if err := p.store.RecordDelivery(ctx, rec); err != nil && ctx.Err() == nil {
		p.logger.Error().Err(err).Str("order_id", rec.OrderID).Msg("Delivery record write failed")
	}
}

// String names the pool in supervisor logs.
func (p *Pool) String() string { return "worker-pool" }
