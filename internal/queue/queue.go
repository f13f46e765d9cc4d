// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package queue implements the durable job queue backing the worker pool.
//
// Jobs are persisted in BadgerDB and survive restarts. Claiming is an atomic
// transition from waiting to active under a lease: a claimed job is invisible
// to other workers until its lease expires or its worker reports an outcome.
// Every state change is validated against the job transition table; an
// invalid transition indicates a bug, not a data condition.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/metrics"
	"github.com/tomtom215/courier/internal/models"
)

var (
	// ErrNoJob is returned by Claim when no waiting job is eligible.
	ErrNoJob = errors.New("queue: no eligible job")

	// ErrJobNotFound is returned when the referenced job does not exist.
	ErrJobNotFound = errors.New("queue: job not found")
)

// maxConflictRetries bounds transaction retry loops. Claim contention is
// between the pool's workers, so conflicts resolve within a few rounds.
const maxConflictRetries = 16

// Queue is the BadgerDB-backed durable job queue.
type Queue struct {
	db           *badger.DB
	prefix       []byte
	leaseTimeout time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue's time source. Tests use this to exercise
// lease expiry and retry gating without sleeping.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue over a shared Badger instance. leaseTimeout is the
// visibility timeout applied to claimed jobs.
func New(db *badger.DB, leaseTimeout time.Duration, opts ...Option) *Queue {
	q := &Queue{
		db:           db,
		prefix:       []byte("job:"),
		leaseTimeout: leaseTimeout,
		logger:       logging.Component("queue"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) key(id string) []byte {
	return append(append([]byte{}, q.prefix...), id...)
}

func (q *Queue) decode(item *badger.Item) (*models.Job, error) {
	var job models.Job
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) put(txn *badger.Txn, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return txn.Set(q.key(job.ID), data)
}

// update runs fn inside a read-write transaction, retrying on ErrConflict.
func (q *Queue) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := q.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			if attempt >= maxConflictRetries {
				return fmt.Errorf("queue: conflict retries exhausted: %w", err)
			}
			continue
		}
		return err
	}
}

// Enqueue persists a new job in the waiting state and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, idempotencyKey string, event models.EmailEvent, maxAttempts int) (string, error) {
	return q.EnqueueWithID(ctx, uuid.NewString(), idempotencyKey, event, maxAttempts)
}

// EnqueueWithID persists a new job under a caller-chosen ID. The publisher
// reserves the dedup key with the job ID before the job exists, so the ID
// must be fixed up front.
func (q *Queue) EnqueueWithID(ctx context.Context, id, idempotencyKey string, event models.EmailEvent, maxAttempts int) (string, error) {
	now := q.now()
	job := &models.Job{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		Event:          event,
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		State:          models.JobWaiting,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := q.update(ctx, func(txn *badger.Txn) error {
		return q.put(txn, job)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	metrics.JobsEnqueuedTotal.Inc()
	q.logger.Debug().
		Str("job_id", job.ID).
		Str("order_id", event.OrderID).
		Str("event_type", string(event.Type)).
		Msg("Job enqueued")
	return job.ID, nil
}

// Claim atomically claims the oldest eligible waiting job for workerID:
// the job moves to active, its attempt counter increments, and a lease is
// taken. Returns ErrNoJob when nothing is eligible.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	var claimed *models.Job

	err := q.update(ctx, func(txn *badger.Txn) error {
		claimed = nil
		now := q.now()

		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         q.prefix,
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()

		var best *models.Job
		for it.Rewind(); it.Valid(); it.Next() {
			job, err := q.decode(it.Item())
			if err != nil {
				return err
			}
			if job.State != models.JobWaiting || now.Before(job.NextRetryAt) {
				continue
			}
			if best == nil || job.CreatedAt.Before(best.CreatedAt) {
				best = job
			}
		}
		if best == nil {
			return nil
		}

		if !models.CanTransition(best.State, models.JobActive) {
			return &models.ErrInvalidTransition{From: best.State, To: models.JobActive}
		}
		best.State = models.JobActive
		best.Attempts++
		best.LeaseExpiry = now.Add(q.leaseTimeout)
		best.UpdatedAt = now

		if err := q.put(txn, best); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if claimed == nil {
		return nil, ErrNoJob
	}

	q.logger.Debug().
		Str("job_id", claimed.ID).
		Str("worker_id", workerID).
		Int("attempt", claimed.Attempts).
		Msg("Job claimed")
	return claimed, nil
}

// transition loads a job, validates and applies the state change via mutate,
// and persists it.
func (q *Queue) transition(ctx context.Context, jobID string, to models.JobState, mutate func(*models.Job)) error {
	return q.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(q.key(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		job, err := q.decode(item)
		if err != nil {
			return err
		}
		if !models.CanTransition(job.State, to) {
			return &models.ErrInvalidTransition{From: job.State, To: to}
		}
		job.State = to
		job.UpdatedAt = q.now()
		if mutate != nil {
			mutate(job)
		}
		return q.put(txn, job)
	})
}

// Complete marks an active job terminally completed and releases its lease.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	err := q.transition(ctx, jobID, models.JobCompleted, func(job *models.Job) {
		job.LeaseExpiry = time.Time{}
		job.LastError = ""
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// Retry returns an active job to waiting with a retry gate. The job becomes
// claimable again no earlier than nextRetryAt.
func (q *Queue) Retry(ctx context.Context, jobID string, nextRetryAt time.Time, cause string) error {
	err := q.transition(ctx, jobID, models.JobWaiting, func(job *models.Job) {
		job.NextRetryAt = nextRetryAt
		job.LeaseExpiry = time.Time{}
		job.LastError = cause
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	metrics.RetryDelaySeconds.Observe(time.Until(nextRetryAt).Seconds())
	return nil
}

// DeadLetter parks an active job: it passes through failed and lands in the
// dead letter queue, never to be retried automatically. reason is "exhausted"
// or "permanent".
func (q *Queue) DeadLetter(ctx context.Context, jobID, cause, reason string) error {
	err := q.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(q.key(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		job, err := q.decode(item)
		if err != nil {
			return err
		}
		// Two hops, validated individually: active -> failed -> dead_letter.
		for _, to := range []models.JobState{models.JobFailed, models.JobDeadLetter} {
			if !models.CanTransition(job.State, to) {
				return &models.ErrInvalidTransition{From: job.State, To: to}
			}
			job.State = to
		}
		job.LeaseExpiry = time.Time{}
		job.LastError = cause
		job.UpdatedAt = q.now()
		return q.put(txn, job)
	})
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", jobID, err)
	}

	metrics.JobsDeadLetteredTotal.WithLabelValues(reason).Inc()
	q.logger.Warn().
		Str("job_id", jobID).
		Str("reason", reason).
		Str("cause", cause).
		Msg("Job dead-lettered")
	return nil
}

// ReplayDeadLetter is the administrative path out of the dead letter queue:
// the job returns to waiting with a reset attempt counter.
func (q *Queue) ReplayDeadLetter(ctx context.Context, jobID string) error {
	err := q.transition(ctx, jobID, models.JobWaiting, func(job *models.Job) {
		job.Attempts = 0
		job.NextRetryAt = q.now()
		job.LastError = ""
	})
	if err != nil {
		return fmt.Errorf("replay job %s: %w", jobID, err)
	}
	metrics.JobsReplayedTotal.Inc()
	q.logger.Info().Str("job_id", jobID).Msg("Dead-lettered job replayed")
	return nil
}

// Get returns the job with the given ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var job *models.Job
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(q.key(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		job, err = q.decode(item)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListByState returns up to limit jobs in the given state, oldest first.
func (q *Queue) ListByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var jobs []*models.Job
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         q.prefix,
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			job, err := q.decode(it.Item())
			if err != nil {
				return err
			}
			if job.State == state {
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	// Oldest first; the scan order is key order (UUIDs), not time order.
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].CreatedAt.Before(jobs[j-1].CreatedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[models.JobState]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[models.JobState]int64)
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         q.prefix,
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			job, err := q.decode(it.Item())
			if err != nil {
				return err
			}
			counts[job.State]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

// RequeueExpiredLeases returns active jobs whose lease has lapsed to the
// waiting state so another worker can pick them up. The janitor calls this
// periodically; it is the at-least-once half of the delivery guarantee.
func (q *Queue) RequeueExpiredLeases(ctx context.Context) (int, error) {
	requeued := 0
	err := q.update(ctx, func(txn *badger.Txn) error {
		requeued = 0
		now := q.now()

		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         q.prefix,
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			job, err := q.decode(it.Item())
			if err != nil {
				return err
			}
			if job.State != models.JobActive || now.Before(job.LeaseExpiry) {
				continue
			}
			job.State = models.JobWaiting
			job.NextRetryAt = now
			job.LeaseExpiry = time.Time{}
			job.LastError = "worker lease expired"
			job.UpdatedAt = now
			if err := q.put(txn, job); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}

	if requeued > 0 {
		metrics.LeasesRequeuedTotal.Add(float64(requeued))
		q.logger.Warn().Int("count", requeued).Msg("Requeued jobs with expired leases")
	}
	return requeued, nil
}

// CleanupCompleted deletes completed jobs older than the retention cutoff.
// Dead-lettered jobs are never cleaned up; they wait for an operator.
func (q *Queue) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	deleted := 0
	err := q.update(ctx, func(txn *badger.Txn) error {
		deleted = 0
		cutoff := q.now().Add(-olderThan)

		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         q.prefix,
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			job, err := q.decode(it.Item())
			if err != nil {
				return err
			}
			if job.State != models.JobCompleted || job.UpdatedAt.After(cutoff) {
				continue
			}
			if err := txn.Delete(q.key(job.ID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup completed jobs: %w", err)
	}

	if deleted > 0 {
		q.logger.Debug().Int("count", deleted).Msg("Cleaned up completed jobs")
	}
	return deleted, nil
}
