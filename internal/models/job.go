// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package models

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a delivery job.
type JobState string

const (
	// JobWaiting means the job is eligible to be claimed by a worker
	// (possibly not before NextRetryAt).
	JobWaiting JobState = "waiting"

	// JobActive means a worker holds the job under a lease. Leased jobs are
	// invisible to other workers until the lease expires or the worker
	// reports an outcome.
	JobActive JobState = "active"

	// JobCompleted is terminal: the email was delivered (Success or Degraded)
	// or intentionally suppressed.
	JobCompleted JobState = "completed"

	// JobFailed means the job exhausted its retry budget or hit a permanent
	// error. It transitions immediately to JobDeadLetter; the distinct state
	// keeps the transition auditable.
	JobFailed JobState = "failed"

	// JobDeadLetter is terminal: the job is parked for manual inspection and
	// is never retried automatically.
	JobDeadLetter JobState = "dead_letter"
)

// jobTransitions is the explicit transition table for the job state machine.
// Any transition not listed here is a programming error, not a data condition.
var jobTransitions = map[JobState]map[JobState]bool{
	JobWaiting: {JobActive: true},
	JobActive:  {JobCompleted: true, JobWaiting: true, JobFailed: true},
	JobFailed:  {JobDeadLetter: true},
	// Dead-lettered jobs move again only through administrative replay.
	JobDeadLetter: {JobWaiting: true},
	JobCompleted:  {},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to JobState) bool {
	return jobTransitions[from][to]
}

// Terminal reports whether the state permits no further automatic transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobDeadLetter
}

// ErrInvalidTransition is returned by the queue when a state change violates
// the transition table.
type ErrInvalidTransition struct {
	From, To JobState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}

// Job is the unit of work flowing through the broker. It is created by the
// publisher and from then on exclusively owned and mutated by the queue and
// the worker holding its lease.
type Job struct {
	// ID is the job identifier (UUID).
	ID string `json:"id"`

	// IdempotencyKey is the dedup key that admitted this job.
	IdempotencyKey string `json:"idempotency_key"`

	// Event is the email event this job delivers.
	Event EmailEvent `json:"event"`

	// Attempts counts delivery attempts started (incremented at claim time).
	Attempts int `json:"attempts"`

	// MaxAttempts bounds Attempts before the job is dead-lettered.
	MaxAttempts int `json:"max_attempts"`

	// State is the current lifecycle state.
	State JobState `json:"state"`

	// NextRetryAt gates claiming of waiting jobs after a transient failure.
	NextRetryAt time.Time `json:"next_retry_at"`

	// LeaseExpiry is when an active job becomes visible again if the worker
	// never reports an outcome (visibility timeout).
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`

	// LastError is the most recent failure message, if any.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
