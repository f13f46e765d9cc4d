// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/courier/internal/dedup"
	"github.com/tomtom215/courier/internal/models"
	"github.com/tomtom215/courier/internal/queue"
	"github.com/tomtom215/courier/internal/store"
)

func newTestPublisher(t *testing.T, cfg Config) (*Publisher, *queue.Queue, *store.MemoryStore, *badger.DB) {
	t.Helper()
	bopts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := queue.New(db, time.Minute)
	st := store.NewMemoryStore()
	p := New(cfg, dedup.NewMemoryStore(), q, st)
	return p, q, st, db
}

func testEvent(orderID string, typ models.EventType) models.EmailEvent {
	return models.EmailEvent{
		Type:        typ,
		OrderID:     orderID,
		OrderNumber: "2026-0042",
		Recipient:   "customer@example.com",
		Locale:      "en",
		CreatedAt:   time.Now(),
	}
}

func TestPublishAdmitsEvent(t *testing.T) {
	ctx := context.Background()
	p, q, _, _ := newTestPublisher(t, Config{MaxAttempts: 3})

	res, err := p.Publish(ctx, testEvent("ord-1", models.EventOrderConfirmation))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Deduplicated {
		t.Error("first publish must not be deduplicated")
	}

	job, err := q.Get(ctx, res.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != models.JobWaiting {
		t.Errorf("job state = %s, want waiting", job.State)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", job.MaxAttempts)
	}
	if job.IdempotencyKey == "" {
		t.Error("job must carry its idempotency key")
	}
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	p, _, _, _ := newTestPublisher(t, Config{})

	ev := testEvent("ord-1", models.EventOrderConfirmation)
	ev.Recipient = "not-an-address"
	if _, err := p.Publish(context.Background(), ev); err == nil {
		t.Fatal("invalid recipient must be rejected")
	}

	ev = testEvent("", models.EventOrderConfirmation)
	if _, err := p.Publish(context.Background(), ev); err == nil {
		t.Fatal("missing order id must be rejected")
	}
}

func TestPublishSuppressesDuplicate(t *testing.T) {
	ctx := context.Background()
	p, q, st, _ := newTestPublisher(t, Config{})

	first, err := p.Publish(ctx, testEvent("ord-1", models.EventOrderConfirmation))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	second, err := p.Publish(ctx, testEvent("ord-1", models.EventOrderConfirmation))
	if err != nil {
		t.Fatalf("Publish duplicate: %v", err)
	}

	if !second.Deduplicated {
		t.Error("duplicate must be suppressed")
	}
	if second.JobID != first.JobID {
		t.Errorf("duplicate resolved to job %s, want %s", second.JobID, first.JobID)
	}

	counts, _ := q.Counts(ctx)
	if counts[models.JobWaiting] != 1 {
		t.Errorf("waiting jobs = %d, want exactly 1", counts[models.JobWaiting])
	}

	trail, err := st.AuditTrail(ctx, first.JobID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 1 || trail[0].Event != models.AuditSuppressed {
		t.Errorf("trail = %v, want one suppressed entry", trail)
	}
}

func TestPublishDistinctTypesAreIndependent(t *testing.T) {
	ctx := context.Background()
	p, q, _, _ := newTestPublisher(t, Config{})

	if _, err := p.Publish(ctx, testEvent("ord-1", models.EventOrderConfirmation)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	res, err := p.Publish(ctx, testEvent("ord-1", models.EventOrderCancellation))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Deduplicated {
		t.Error("different event type for the same order must be admitted")
	}

	counts, _ := q.Counts(ctx)
	if counts[models.JobWaiting] != 2 {
		t.Errorf("waiting jobs = %d, want 2", counts[models.JobWaiting])
	}
}

func TestPublishConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	p, q, _, _ := newTestPublisher(t, Config{})

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Publish(ctx, testEvent("ord-contested", models.EventOrderConfirmation))
			if err != nil {
				t.Errorf("Publish: %v", err)
				return
			}
			if !res.Deduplicated {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("admitted %d jobs, want exactly 1", admitted)
	}
	counts, _ := q.Counts(ctx)
	if counts[models.JobWaiting] != 1 {
		t.Errorf("waiting jobs = %d, want exactly 1", counts[models.JobWaiting])
	}
}

func TestPublishReadmitsAfterTTL(t *testing.T) {
	ctx := context.Background()
	p, _, _, _ := newTestPublisher(t, Config{DedupTTL: 20 * time.Millisecond})

	if _, err := p.Publish(ctx, testEvent("ord-1", models.EventOrderConfirmation)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	res, err := p.Publish(ctx, testEvent("ord-1", models.EventOrderConfirmation))
	if err != nil {
		t.Fatalf("Publish after TTL: %v", err)
	}
	if res.Deduplicated {
		t.Error("event after dedup TTL expiry must be re-admitted")
	}
}

func TestPublishRollsBackOnEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	p, _, _, db := newTestPublisher(t, Config{})

	// Closing the queue's database forces the enqueue to fail after the
	// dedup reservation succeeded.
	db.Close()

	_, err := p.Publish(ctx, testEvent("ord-1", models.EventOrderConfirmation))
	if !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("err = %v, want ErrEnqueueFailed", err)
	}

	// The reservation must have been rolled back: a later publish may not
	// be treated as a duplicate of an event that was never queued.
	won, _, err := p.dedup.SetNX(ctx, dedup.IdempotencyKey("ord-1", models.EventOrderConfirmation, 0, time.Now()), "probe", time.Minute)
	if err != nil {
		t.Fatalf("SetNX probe: %v", err)
	}
	if !won {
		t.Error("dedup key still reserved after enqueue failure")
	}
}
