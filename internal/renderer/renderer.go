// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package renderer calls the external PDF rendering service that produces
// order document attachments (invoices, cancellation confirmations).
//
// The renderer is an optional dependency: callers treat ErrUnavailable and
// ErrTimeout as degradable (send without attachment) and ErrInvalidData as
// permanent (the payload will never render, retrying is pointless).
package renderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/courier/internal/metrics"
	"github.com/tomtom215/courier/internal/models"
)

var (
	// ErrInvalidData means the renderer rejected the payload. Permanent: the
	// same payload fails forever.
	ErrInvalidData = errors.New("renderer: invalid document data")

	// ErrUnavailable means the renderer is down or erroring. Degradable.
	ErrUnavailable = errors.New("renderer: service unavailable")

	// ErrTimeout means the renderer did not answer within the deadline.
	// Degradable.
	ErrTimeout = errors.New("renderer: request timed out")
)

// Client renders the PDF document for an email event.
type Client interface {
	// Render returns the PDF bytes for the event's order document.
	Render(ctx context.Context, event models.EmailEvent) ([]byte, error)
}

// renderRequest is the wire payload sent to the rendering service.
type renderRequest struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	EventType   string          `json:"event_type"`
	Locale      string          `json:"locale"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// HTTPClient is the production Client over the renderer's HTTP API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewHTTPClient creates a renderer client. timeout bounds each render call
// independently of the caller's context.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		timeout: timeout,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Render posts the event to the rendering service and returns the PDF.
func (c *HTTPClient) Render(ctx context.Context, event models.EmailEvent) ([]byte, error) {
	start := time.Now()
	pdf, err := c.render(ctx, event)
	metrics.RendererCallDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.RendererCallsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrInvalidData):
		metrics.RendererCallsTotal.WithLabelValues("invalid_data").Inc()
	case errors.Is(err, ErrTimeout):
		metrics.RendererCallsTotal.WithLabelValues("timeout").Inc()
	default:
		metrics.RendererCallsTotal.WithLabelValues("unavailable").Inc()
	}
	return pdf, err
}

func (c *HTTPClient) render(ctx context.Context, event models.EmailEvent) ([]byte, error) {
	body, err := json.Marshal(renderRequest{
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		EventType:   string(event.Type),
		Locale:      event.Locale,
		Payload:     event.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		pdf, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
		}
		if len(pdf) == 0 {
			return nil, fmt.Errorf("%w: empty document", ErrUnavailable)
		}
		return pdf, nil

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalidData, resp.StatusCode, bytes.TrimSpace(detail))

	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}
