// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package store persists the audit trail and delivery records.
//
// Both tables are append-only: the pipeline inserts and reads, never updates
// or deletes. The production implementation is DuckDB-backed; the in-memory
// implementation serves development and tests.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/courier/internal/models"
)

// Store is the audit and delivery record repository.
type Store interface {
	// RecordDelivery persists the write-once record of a terminally
	// processed job.
	RecordDelivery(ctx context.Context, rec models.DeliveryRecord) error

	// AppendAudit appends one immutable entry to a job's processing trail.
	AppendAudit(ctx context.Context, entry models.AuditEntry) error

	// Statistics aggregates delivery outcomes over [from, to).
	Statistics(ctx context.Context, from, to time.Time) (models.DeliveryStatistics, error)

	// AuditTrail returns a job's audit entries in chronological order.
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditEntry, error)

	// AuditByOrder returns all audit entries for an order, across jobs,
	// in chronological order.
	AuditByOrder(ctx context.Context, orderID string) ([]models.AuditEntry, error)

	// Close releases resources.
	Close() error
}

// MemoryStore implements Store using in-memory slices.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.DeliveryRecord
	audit   []models.AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// RecordDelivery persists a delivery record.
func (s *MemoryStore) RecordDelivery(_ context.Context, rec models.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// AppendAudit appends an audit entry.
func (s *MemoryStore) AppendAudit(_ context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// Statistics aggregates delivery outcomes over [from, to).
func (s *MemoryStore) Statistics(_ context.Context, from, to time.Time) (models.DeliveryStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.DeliveryStatistics
	var durationSum int64
	var delivered int64

	for _, rec := range s.records {
		if rec.SentAt.Before(from) || !rec.SentAt.Before(to) {
			continue
		}
		stats.TotalAttempts += int64(rec.Attempts)
		switch rec.Status {
		case models.DeliverySuccess:
			stats.SuccessCount++
		case models.DeliveryDegraded:
			stats.DegradedCount++
		case models.DeliveryFailed:
			stats.FailureCount++
		}
		if rec.Status != models.DeliveryFailed {
			durationSum += rec.DurationMs
			delivered++
		}
	}

	total := stats.SuccessCount + stats.DegradedCount + stats.FailureCount
	if total > 0 {
		stats.SuccessRate = float64(stats.SuccessCount+stats.DegradedCount) / float64(total)
	}
	if delivered > 0 {
		stats.AverageDeliveryMs = float64(durationSum) / float64(delivered)
	}
	return stats, nil
}

// AuditTrail returns a job's audit entries in chronological order.
func (s *MemoryStore) AuditTrail(_ context.Context, jobID string) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditEntry
	for _, e := range s.audit {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AuditByOrder returns all audit entries for an order.
func (s *MemoryStore) AuditByOrder(_ context.Context, orderID string) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditEntry
	for _, e := range s.audit {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
