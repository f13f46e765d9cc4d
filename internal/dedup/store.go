// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package dedup provides the deduplication store: a key-value store with an
// atomic check-and-set and TTL. It is the single source of truth for "has
// this event already been scheduled" and for order cancellation markers.
//
// The production implementation is BadgerDB-backed and survives restarts;
// the in-memory implementation exists for tests only and must never carry
// the idempotency guarantee in production.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tomtom215/courier/internal/models"
)

// Store is a key-value store with atomic compare-and-set and TTL.
type Store interface {
	// SetNX atomically stores value under key with the given TTL if and only
	// if no unexpired entry exists. It returns (true, "") when the set won,
	// or (false, existing) with the current value when the key was taken.
	// The check and the set are a single atomic operation at the store
	// level; callers must never implement check-then-insert on top of Get.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error)

	// Get returns the unexpired value for key, if any.
	Get(ctx context.Context, key string) (string, bool, error)

	// Delete removes key. Used by administrative replay to re-arm dedup.
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// IdempotencyKey derives the deterministic key for (orderID, eventType).
// A non-zero window buckets the key by time so that event variants that
// legitimately recur (e.g. an intentional resend after the window) produce a
// fresh key. window == 0 disables bucketing.
func IdempotencyKey(orderID string, eventType models.EventType, window time.Duration, now time.Time) string {
	h := sha256.New()
	h.Write([]byte(orderID))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	if window > 0 {
		bucket := now.UnixNano() / int64(window)
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(bucket, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cancelKey is the marker key recording that a cancellation for the order
// has completed. The delivery orchestrator checks it before sending a
// confirmation to avoid the confirmation-after-cancellation race.
func cancelKey(orderID string) string {
	return "cancel:" + orderID
}

// MarkCancelled records a completed cancellation for the order. Idempotent:
// an existing marker is left in place.
func MarkCancelled(ctx context.Context, s Store, orderID string, ttl time.Duration) error {
	_, _, err := s.SetNX(ctx, cancelKey(orderID), "1", ttl)
	if err != nil {
		return fmt.Errorf("set cancellation marker: %w", err)
	}
	return nil
}

// IsCancelled reports whether a cancellation marker exists for the order.
func IsCancelled(ctx context.Context, s Store, orderID string) (bool, error) {
	_, ok, err := s.Get(ctx, cancelKey(orderID))
	return ok, err
}

// MemoryStore is an in-memory Store for testing. A process-local map cannot
// provide cross-instance atomicity or survive restarts, so it must not back
// the production idempotency guarantee.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// SetNX atomically checks and stores under the store mutex.
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && time.Now().Before(e.expiresAt) {
		return false, e.value, nil
	}
	s.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, "", nil
}

// Get returns the unexpired value for key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
