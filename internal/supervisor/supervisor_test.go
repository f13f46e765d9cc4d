// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingService counts how often the supervisor starts it, failing the
// first n runs.
type countingService struct {
	starts   atomic.Int64
	failures int64
}

func (s *countingService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if n <= s.failures {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *countingService) String() string { return "counting" }

func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(discardLogger(), TreeConfig{
		FailureBackoff:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})
	svc := &countingService{failures: 2}
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && svc.starts.Load() < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := svc.starts.Load(); got < 3 {
		t.Errorf("service started %d times, want at least 3", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestTreeStopsAllLayers(t *testing.T) {
	tree := NewTree(discardLogger(), TreeConfig{ShutdownTimeout: time.Second})
	intake := &countingService{}
	pipeline := &countingService{}
	api := &countingService{}
	tree.AddIntakeService(intake)
	tree.AddPipelineService(pipeline)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if intake.starts.Load() > 0 && pipeline.starts.Load() > 0 && api.starts.Load() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("tree exited with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}

	report, err := tree.UnstoppedServiceReport()
	if err != nil {
		t.Fatalf("UnstoppedServiceReport: %v", err)
	}
	if len(report) != 0 {
		t.Errorf("unstopped services: %v", report)
	}
}

// fakeServer scripts the HTTPServer lifecycle.
type fakeServer struct {
	listenErr error
	stopped   chan struct{}
	shutdowns atomic.Int64
}

func newFakeServer(listenErr error) *fakeServer {
	return &fakeServer{listenErr: listenErr, stopped: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stopped
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	close(f.stopped)
	return nil
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	srv := newFakeServer(nil)
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("shutdown calls = %d, want 1", srv.shutdowns.Load())
	}
}

func TestHTTPServiceReportsListenFailure(t *testing.T) {
	srv := newFakeServer(errors.New("listen tcp: address in use"))
	svc := NewHTTPService(srv, time.Second)

	err := svc.Serve(context.Background())
	if err == nil {
		t.Fatal("want error from failed listen")
	}
}
