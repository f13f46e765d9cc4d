// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package supervisor builds the suture supervision tree that runs the
// pipeline. Services are grouped into layers for failure isolation: a
// crashing worker restarts without taking the API down, and vice versa.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds restart and shutdown tuning for the tree.
type TreeConfig struct {
	// FailureThreshold is the number of failures before a supervisor
	// enters backoff. Default: 5
	FailureThreshold float64

	// FailureDecay is the failure decay rate in seconds. Default: 30
	FailureDecay float64

	// FailureBackoff is how long a supervisor pauses once the threshold
	// is exceeded. Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout bounds graceful shutdown per service. Default: 10s
	ShutdownTimeout time.Duration
}

// Tree is the supervision hierarchy:
//
//   - intake:   bus consumer and embedded broker lifecycle
//   - pipeline: worker pool and health monitor
//   - api:      HTTP server
type Tree struct {
	root     *suture.Supervisor
	intake   *suture.Supervisor
	pipeline *suture.Supervisor
	api      *suture.Supervisor
}

// NewTree creates the supervision tree. Suture events are logged through
// the given slog logger (bridge it from zerolog with logging.NewSlogLogger).
func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	rootSpec := suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logger}).MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	root := suture.New("courier", rootSpec)
	intake := suture.New("intake-layer", childSpec)
	pipeline := suture.New("pipeline-layer", childSpec)
	api := suture.New("api-layer", childSpec)

	root.Add(intake)
	root.Add(pipeline)
	root.Add(api)

	return &Tree{root: root, intake: intake, pipeline: pipeline, api: api}
}

// AddIntakeService adds a service to the intake layer.
func (t *Tree) AddIntakeService(svc suture.Service) suture.ServiceToken {
	return t.intake.Add(svc)
}

// AddPipelineService adds a service to the pipeline layer.
func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

// AddAPIService adds a service to the API layer.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until the context is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine and returns its exit channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
