// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package worker

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy defines the backoff behavior for transiently failed jobs.
type RetryPolicy struct {
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential multiplier.
	BackoffMultiplier float64

	// JitterFraction is the random jitter fraction (0.0-1.0). Jitter spreads
	// retries of jobs that failed together so they do not retry together.
	JitterFraction float64

	rng   *rand.Rand
	rngMu sync.Mutex
}

// DefaultRetryPolicy returns production defaults.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicyWithSeed(0)
}

// NewRetryPolicyWithSeed creates a RetryPolicy with a specific random seed.
// A zero seed uses a time-based seed; tests pass a fixed one for
// reproducible jitter.
func NewRetryPolicyWithSeed(seed int64) *RetryPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RetryPolicy{
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
		//nolint:gosec // G404: Using weak random for non-cryptographic jitter in backoff timing
		rng: rand.New(rand.NewSource(seed)),
	}
}

// CalculateBackoff returns the delay before the next retry. attempt is the
// number of attempts already made (>= 1): the first retry after attempt 1
// waits roughly InitialBackoff, doubling from there up to MaxBackoff.
func (p *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	p.rngMu.Lock()
	jitter := backoff * p.JitterFraction * (p.rng.Float64()*2 - 1) // -jitter to +jitter
	p.rngMu.Unlock()

	return time.Duration(backoff + jitter)
}
