// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package renderer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/courier/internal/models"
)

func testEvent() models.EmailEvent {
	return models.EmailEvent{
		Type:        models.EventOrderConfirmation,
		OrderID:     "ord-1",
		OrderNumber: "2026-0001",
		Recipient:   "customer@example.com",
		Locale:      "de",
		CreatedAt:   time.Now(),
	}
}

func TestHTTPClientRender(t *testing.T) {
	pdf := []byte("%PDF-1.7 fake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/render" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req renderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.OrderID != "ord-1" || req.EventType != "ORDER_CONFIRMATION" || req.Locale != "de" {
			t.Errorf("unexpected request payload: %+v", req)
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdf)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second)
	got, err := c.Render(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(got) != string(pdf) {
		t.Errorf("Render = %q, want %q", got, pdf)
	}
}

func TestHTTPClientStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"bad request is invalid data", http.StatusBadRequest, ErrInvalidData},
		{"unprocessable is invalid data", http.StatusUnprocessableEntity, ErrInvalidData},
		{"server error is unavailable", http.StatusInternalServerError, ErrUnavailable},
		{"bad gateway is unavailable", http.StatusBadGateway, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, 5*time.Second)
			_, err := c.Render(context.Background(), testEvent())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Render err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 50*time.Millisecond)
	_, err := c.Render(context.Background(), testEvent())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Render err = %v, want ErrTimeout", err)
	}
}

func TestHTTPClientConnectionRefused(t *testing.T) {
	// Closed server: connection refused maps to unavailable.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	_, err := c.Render(context.Background(), testEvent())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Render err = %v, want ErrUnavailable", err)
	}
}

func TestHTTPClientEmptyDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	_, err := c.Render(context.Background(), testEvent())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("empty body err = %v, want ErrUnavailable", err)
	}
}

// stubClient drives the breaker without a server.
type stubClient struct {
	err error
}

func (s *stubClient) Render(context.Context, models.EmailEvent) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte("pdf"), nil
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	stub := &stubClient{err: ErrUnavailable}
	c := NewBreakerClient(stub)
	ctx := context.Background()

	// Trip the breaker: >= 10 requests at >= 60% failure.
	for i := 0; i < 12; i++ {
		c.Render(ctx, testEvent())
	}

	stub.err = nil
	_, err := c.Render(ctx, testEvent())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("open breaker err = %v, want ErrUnavailable", err)
	}
}

func TestBreakerIgnoresInvalidData(t *testing.T) {
	stub := &stubClient{err: ErrInvalidData}
	c := NewBreakerClient(stub)
	ctx := context.Background()

	// Invalid data is the service answering correctly; it must not trip.
	for i := 0; i < 20; i++ {
		if _, err := c.Render(ctx, testEvent()); !errors.Is(err, ErrInvalidData) {
			t.Fatalf("call %d err = %v, want ErrInvalidData", i, err)
		}
	}

	stub.err = nil
	if _, err := c.Render(ctx, testEvent()); err != nil {
		t.Errorf("breaker should still be closed, got %v", err)
	}
}
