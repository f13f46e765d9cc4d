// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package monitor evaluates pipeline health from queue depth and recent
// delivery outcomes, and keeps the queue gauges current.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/metrics"
	"github.com/tomtom215/courier/internal/models"
	"github.com/tomtom215/courier/internal/queue"
	"github.com/tomtom215/courier/internal/store"
)

// Status is the overall pipeline health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Thresholds configure when health degrades.
type Thresholds struct {
	// MaxBacklog is the waiting-job count above which health degrades.
	MaxBacklog int64

	// MinSuccessRate is the success rate under which health degrades,
	// evaluated over StatsWindow. Below half of it, health is critical.
	MinSuccessRate float64

	// MaxDeadLetters is the dead-letter count above which health is
	// critical. Dead letters need an operator; any backlog of them is bad.
	MaxDeadLetters int64

	// StatsWindow is the lookback for the success rate.
	StatsWindow time.Duration
}

// DefaultThresholds returns production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxBacklog:     1000,
		MinSuccessRate: 0.95,
		MaxDeadLetters: 10,
		StatsWindow:    time.Hour,
	}
}

// Health is a point-in-time health report.
type Health struct {
	Status      Status                     `json:"status"`
	QueueDepths map[models.JobState]int64  `json:"queue_depths"`
	Statistics  models.DeliveryStatistics  `json:"statistics"`
	Problems    []string                   `json:"problems,omitempty"`
	CheckedAt   time.Time                  `json:"checked_at"`
}

// Monitor evaluates health and exports queue gauges.
type Monitor struct {
	queue      *queue.Queue
	store      store.Store
	thresholds Thresholds
	interval   time.Duration
	logger     zerolog.Logger
}

// New creates a monitor. interval is the gauge refresh period; zero
// defaults to 15 seconds.
func New(q *queue.Queue, st store.Store, thresholds Thresholds, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if thresholds.StatsWindow <= 0 {
		thresholds.StatsWindow = time.Hour
	}
	return &Monitor{
		queue:      q,
		store:      st,
		thresholds: thresholds,
		interval:   interval,
		logger:     logging.Component("monitor"),
	}
}

// Check evaluates pipeline health now.
func (m *Monitor) Check(ctx context.Context) (*Health, error) {
	counts, err := m.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	stats, err := m.store.Statistics(ctx, now.Add(-m.thresholds.StatsWindow), now)
	if err != nil {
		return nil, err
	}

	h := &Health{
		Status:      StatusHealthy,
		QueueDepths: counts,
		Statistics:  stats,
		CheckedAt:   now,
	}

	degrade := func(problem string) {
		h.Problems = append(h.Problems, problem)
		if h.Status == StatusHealthy {
			h.Status = StatusDegraded
		}
	}
	critical := func(problem string) {
		h.Problems = append(h.Problems, problem)
		h.Status = StatusCritical
	}

	if backlog := counts[models.JobWaiting]; backlog > m.thresholds.MaxBacklog {
		degrade("waiting backlog above threshold")
	}
	if dead := counts[models.JobDeadLetter]; dead > m.thresholds.MaxDeadLetters {
		critical("dead letter queue above threshold")
	} else if dead > 0 {
		degrade("dead-lettered jobs awaiting operator")
	}

	// Success rate only means something once there is traffic.
	delivered := stats.SuccessCount + stats.DegradedCount + stats.FailureCount
	if delivered > 0 && m.thresholds.MinSuccessRate > 0 {
		switch {
		case stats.SuccessRate < m.thresholds.MinSuccessRate/2:
			critical("delivery success rate critically low")
		case stats.SuccessRate < m.thresholds.MinSuccessRate:
			degrade("delivery success rate below threshold")
		}
	}

	return h, nil
}

// Serve refreshes the queue depth gauges until ctx is cancelled. It
// implements suture.Service.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			counts, err := m.queue.Counts(ctx)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Error().Err(err).Msg("Queue depth refresh failed")
				}
				continue
			}
			gauges := make(map[string]int64, len(counts))
			for state, n := range counts {
				gauges[string(state)] = n
			}
			// States with no jobs still need their gauge zeroed.
			for _, state := range []models.JobState{models.JobWaiting, models.JobActive, models.JobCompleted, models.JobDeadLetter} {
				if _, ok := gauges[string(state)]; !ok {
					gauges[string(state)] = 0
				}
			}
			metrics.UpdateQueueDepth(gauges)
		}
	}
}

// String names the monitor in supervisor logs.
func (m *Monitor) String() string { return "monitor" }
