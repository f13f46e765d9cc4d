// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package renderer

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/metrics"
	"github.com/tomtom215/courier/internal/models"
)

// BreakerClient wraps a renderer Client with a circuit breaker so a dead
// rendering service fails fast instead of burning each delivery attempt's
// render timeout. An open circuit surfaces as ErrUnavailable, which the
// orchestrator degrades on.
//
// ErrInvalidData responses do not count as breaker failures: the service
// answered correctly, the payload was bad.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker[[]byte]
	name  string
}

// NewBreakerClient wraps inner with a circuit breaker. The breaker opens
// after a 60% failure rate over at least 10 requests, and probes recovery
// after 30 seconds.
func NewBreakerClient(inner Client) *BreakerClient {
	const cbName = "pdf-renderer"
	logger := logging.Component("renderer")

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Renderer circuit breaker state change")
			metrics.RecordCircuitBreakerState(name, stateToInt(to))
		},

		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidData)
		},
	})

	return &BreakerClient{inner: inner, cb: cb, name: cbName}
}

// Render delegates to the wrapped client under breaker protection.
func (c *BreakerClient) Render(ctx context.Context, event models.EmailEvent) ([]byte, error) {
	pdf, err := c.cb.Execute(func() ([]byte, error) {
		return c.inner.Render(ctx, event)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	return pdf, err
}

func stateToInt(s gobreaker.State) int {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
