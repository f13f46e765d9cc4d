// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/courier/internal/metrics"
)

// badgerEntry is the stored value for a dedup key. ExpiresAt is tracked
// explicitly in addition to Badger's TTL so an entry whose TTL has not yet
// been garbage-collected is still treated as expired.
type badgerEntry struct {
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BadgerStore is the production Store backed by BadgerDB. Atomicity of SetNX
// comes from Badger's serializable transactions: of two concurrent updates
// touching the same key, one commits and the other fails with ErrConflict
// and is retried, at which point it observes the winner's entry.
type BadgerStore struct {
	db     *badger.DB
	prefix []byte
}

// maxConflictRetries bounds the ErrConflict retry loop. Contention on one
// key is between a handful of concurrent publishers, so this is generous.
const maxConflictRetries = 16

// NewBadgerStore creates a dedup store over a shared Badger instance.
// Keys are namespaced with prefix (default "dedup:").
func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	if prefix == "" {
		prefix = "dedup:"
	}
	return &BadgerStore{db: db, prefix: []byte(prefix)}
}

func (s *BadgerStore) makeKey(key string) []byte {
	return append(append([]byte{}, s.prefix...), key...)
}

// SetNX atomically checks and stores value under key with the given TTL.
func (s *BadgerStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	bk := s.makeKey(key)

	var won bool
	var existing string

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, "", err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			won, existing = false, ""

			item, err := txn.Get(bk)
			if err == nil {
				var cur badgerEntry
				if valErr := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &cur)
				}); valErr == nil && time.Now().Before(cur.ExpiresAt) {
					existing = cur.Value
					return nil
				}
				// Entry expired but not yet collected; overwrite below.
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			now := time.Now()
			data, err := json.Marshal(badgerEntry{
				Value:     value,
				CreatedAt: now,
				ExpiresAt: now.Add(ttl),
			})
			if err != nil {
				return err
			}

			won = true
			return txn.SetEntry(badger.NewEntry(bk, data).WithTTL(ttl))
		})

		if errors.Is(err, badger.ErrConflict) {
			if attempt >= maxConflictRetries {
				metrics.DedupOperationsTotal.WithLabelValues("setnx", "failure").Inc()
				return false, "", fmt.Errorf("dedup setnx: conflict retries exhausted for key %s", key)
			}
			continue
		}
		if err != nil {
			metrics.DedupOperationsTotal.WithLabelValues("setnx", "failure").Inc()
			return false, "", fmt.Errorf("dedup setnx: %w", err)
		}

		if won {
			metrics.DedupOperationsTotal.WithLabelValues("setnx", "stored").Inc()
		} else {
			metrics.DedupOperationsTotal.WithLabelValues("setnx", "duplicate").Inc()
		}
		return won, existing, nil
	}
}

// Get returns the unexpired value for key.
func (s *BadgerStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	var value string
	var found bool

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.makeKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur badgerEntry
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &cur); err != nil {
				return err
			}
			if time.Now().Before(cur.ExpiresAt) {
				value, found = cur.Value, true
			}
			return nil
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("dedup get: %w", err)
	}
	return value, found, nil
}

// Delete removes key, re-arming dedup for the corresponding event.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.makeKey(key))
	})
	if err != nil {
		return fmt.Errorf("dedup delete: %w", err)
	}
	return nil
}

// Close is a no-op: the Badger instance is shared and closed by its owner.
func (s *BadgerStore) Close() error { return nil }
