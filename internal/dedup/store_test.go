// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/courier/internal/models"
)

func TestIdempotencyKeyDeterministic(t *testing.T) {
	now := time.Now()
	k1 := IdempotencyKey("ord-1", models.EventOrderConfirmation, 0, now)
	k2 := IdempotencyKey("ord-1", models.EventOrderConfirmation, 0, now.Add(time.Hour))
	if k1 != k2 {
		t.Error("key without window should not depend on time")
	}
	if len(k1) != 64 {
		t.Errorf("expected hex sha256, got length %d", len(k1))
	}
}

func TestIdempotencyKeyDistinguishesInputs(t *testing.T) {
	now := time.Now()
	base := IdempotencyKey("ord-1", models.EventOrderConfirmation, 0, now)

	if IdempotencyKey("ord-2", models.EventOrderConfirmation, 0, now) == base {
		t.Error("different order ids must produce different keys")
	}
	if IdempotencyKey("ord-1", models.EventOrderCancellation, 0, now) == base {
		t.Error("different event types must produce different keys")
	}
}

func TestIdempotencyKeyWindowBuckets(t *testing.T) {
	window := time.Hour
	t0 := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	same := IdempotencyKey("ord-1", models.EventOrderConfirmation, window, t0.Add(10*time.Minute))
	if IdempotencyKey("ord-1", models.EventOrderConfirmation, window, t0) != same {
		t.Error("events within the same window bucket must share a key")
	}

	later := IdempotencyKey("ord-1", models.EventOrderConfirmation, window, t0.Add(2*time.Hour))
	if later == same {
		t.Error("events in different window buckets must not share a key")
	}
}

func TestMemoryStoreSetNX(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	won, existing, err := s.SetNX(ctx, "k", "job-1", time.Minute)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if !won || existing != "" {
		t.Fatalf("first SetNX: won=%v existing=%q, want win", won, existing)
	}

	won, existing, err = s.SetNX(ctx, "k", "job-2", time.Minute)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if won || existing != "job-1" {
		t.Fatalf("second SetNX: won=%v existing=%q, want lose with job-1", won, existing)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if won, _, _ := s.SetNX(ctx, "k", "v1", 10*time.Millisecond); !won {
		t.Fatal("first set should win")
	}
	time.Sleep(20 * time.Millisecond)

	if _, found, _ := s.Get(ctx, "k"); found {
		t.Error("expired entry should not be returned by Get")
	}
	if won, _, _ := s.SetNX(ctx, "k", "v2", time.Minute); !won {
		t.Error("SetNX after expiry should win")
	}
}

func TestMemoryStoreConcurrentSetNX(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const n = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, _, err := s.SetNX(ctx, "contested", "v", time.Minute)
			if err != nil {
				t.Errorf("SetNX: %v", err)
				return
			}
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("exactly one concurrent SetNX must win, got %d", winners)
	}
}

func TestCancellationMarker(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	cancelled, err := IsCancelled(ctx, s, "ord-9")
	if err != nil || cancelled {
		t.Fatalf("IsCancelled before marker: %v, %v", cancelled, err)
	}

	if err := MarkCancelled(ctx, s, "ord-9", time.Minute); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	// Marking twice is fine.
	if err := MarkCancelled(ctx, s, "ord-9", time.Minute); err != nil {
		t.Fatalf("MarkCancelled again: %v", err)
	}

	cancelled, err = IsCancelled(ctx, s, "ord-9")
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if !cancelled {
		t.Error("marker should be visible")
	}

	if other, _ := IsCancelled(ctx, s, "ord-10"); other {
		t.Error("marker must not leak to other orders")
	}
}
