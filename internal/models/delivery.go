// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package models

import "time"

// DeliveryStatus is the final outcome of a terminally processed job.
type DeliveryStatus string

const (
	// DeliverySuccess means the email was sent with its attachment.
	DeliverySuccess DeliveryStatus = "success"

	// DeliveryDegraded means the email was sent without the attachment after
	// a rendering failure. Degraded counts as delivered: no retry is issued
	// solely because the attachment was missing.
	DeliveryDegraded DeliveryStatus = "degraded"

	// DeliveryFailed means the job was dead-lettered without a send.
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryRecord is the write-once record created when a job reaches a
// terminal state. One record exists per terminally processed job (suppressed
// jobs produce none). Retention and cleanup are an external concern.
type DeliveryRecord struct {
	OrderID   string         `json:"order_id"`
	EmailType EventType      `json:"email_type"`
	SentAt    time.Time      `json:"sent_at"`
	MessageID string         `json:"message_id,omitempty"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`

	// DurationMs is the wall-clock duration of the final delivery attempt.
	DurationMs int64 `json:"duration_ms"`
}

// AuditKind classifies one step of a job's processing history.
type AuditKind string

const (
	AuditAttempted    AuditKind = "attempted"
	AuditSucceeded    AuditKind = "succeeded"
	AuditFailed       AuditKind = "failed"
	AuditDegraded     AuditKind = "degraded"
	AuditSuppressed   AuditKind = "suppressed"
	AuditDeadLettered AuditKind = "dead_lettered"
)

// AuditEntry is one immutable line of a job's processing trail. Entries are
// append-only and never mutated or deleted by the pipeline.
type AuditEntry struct {
	JobID     string    `json:"job_id"`
	OrderID   string    `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
	Event     AuditKind `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// DeliveryStatistics is the read-side aggregation over delivery records and
// audit entries within a time range.
type DeliveryStatistics struct {
	TotalAttempts int64   `json:"total_attempts"`
	SuccessCount  int64   `json:"success_count"`
	DegradedCount int64   `json:"degraded_count"`
	FailureCount  int64   `json:"failure_count"`
	SuccessRate   float64 `json:"success_rate"`

	// AverageDeliveryMs is the mean duration of final delivery attempts for
	// records in the range, in milliseconds.
	AverageDeliveryMs float64 `json:"average_delivery_time_ms"`
}
