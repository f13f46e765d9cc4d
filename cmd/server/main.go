// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package main is the entry point for the Courier server.
//
// Courier delivers transactional order emails for an e-commerce platform:
// confirmations with rendered PDF invoices, cancellations, and admin
// notifications. Events enter over HTTP or NATS JetStream, are deduplicated
// so each (order, type) pair mails exactly once, and flow through a durable
// BadgerDB-backed job queue worked by a retrying delivery pool.
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, YAML file, env vars)
//  2. Storage: BadgerDB for jobs and dedup keys, DuckDB for audit and records
//  3. Delivery: PDF renderer client (with circuit breaker), SMTP mailer
//  4. Pipeline: publisher, worker pool, health monitor
//  5. Bus (optional): embedded or external NATS JetStream intake
//  6. HTTP API: chi router under /api/v1/email-queue plus /metrics
//
// Everything runs under a suture supervision tree and shuts down gracefully
// on SIGINT and SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/courier/internal/api"
	"github.com/tomtom215/courier/internal/bus"
	"github.com/tomtom215/courier/internal/config"
	"github.com/tomtom215/courier/internal/dedup"
	"github.com/tomtom215/courier/internal/delivery"
	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/mailer"
	"github.com/tomtom215/courier/internal/monitor"
	"github.com/tomtom215/courier/internal/publisher"
	"github.com/tomtom215/courier/internal/queue"
	"github.com/tomtom215/courier/internal/renderer"
	"github.com/tomtom215/courier/internal/store"
	"github.com/tomtom215/courier/internal/supervisor"
	"github.com/tomtom215/courier/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Courier starting")

	// BadgerDB holds jobs and dedup keys. An empty path runs in-memory for
	// development; idempotency then does not survive restarts.
	bopts := badger.DefaultOptions(cfg.Database.BadgerPath).WithLogger(nil)
	if cfg.Database.BadgerPath == "" {
		bopts = bopts.WithInMemory(true)
		logging.Warn().Msg("BadgerDB running in-memory, dedup state is not durable")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return fmt.Errorf("open badger: %w", err)
	}
	defer db.Close()

	st, err := store.NewDuckDBStore(cfg.Database.DuckDBPath)
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer st.Close()

	ds := dedup.NewBadgerStore(db, "dedup")
	q := queue.New(db, cfg.Queue.LeaseTimeout)

	var rend renderer.Client = renderer.NewHTTPClient(cfg.Renderer.URL, cfg.Renderer.Timeout)
	if cfg.Renderer.BreakerEnabled {
		rend = renderer.NewBreakerClient(rend)
	}

	mail := mailer.NewSMTPMailer(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
		UseTLS:   cfg.SMTP.UseTLS,
		Timeout:  cfg.SMTP.Timeout,
	})

	orch := delivery.NewOrchestrator(rend, mail, ds, cfg.Renderer.Timeout, cfg.SMTP.Timeout)

	pub := publisher.New(publisher.Config{
		DedupTTL:    cfg.Dedup.TTL,
		DedupWindow: cfg.Dedup.Window,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, ds, q, st)

	policy := worker.DefaultRetryPolicy()
	policy.InitialBackoff = cfg.Worker.InitialBackoff
	policy.MaxBackoff = cfg.Worker.MaxBackoff
	policy.JitterFraction = cfg.Worker.JitterFraction

	pool := worker.NewPool(worker.Config{
		Workers:            cfg.Worker.Count,
		PollInterval:       cfg.Worker.PollInterval,
		JanitorInterval:    cfg.Worker.JanitorInterval,
		CompletedRetention: cfg.Worker.CompletedRetention,
		CancelMarkerTTL:    cfg.Dedup.CancelMarkerTTL,
	}, q, orch, st, ds, policy)

	mon := monitor.New(q, st, monitor.Thresholds{
		MaxBacklog:     cfg.Monitor.MaxBacklog,
		MinSuccessRate: cfg.Monitor.MinSuccessRate,
		MaxDeadLetters: cfg.Monitor.MaxDeadLetters,
		StatsWindow:    cfg.Monitor.StatsWindow,
	}, cfg.Monitor.Interval)

	handler := api.NewHandler(pub, q, mon, st)
	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Setup(handler, api.RouterConfig{
			RateLimitEnabled:  cfg.RateLimit.Enabled,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddPipelineService(pool)
	tree.AddPipelineService(mon)
	tree.AddAPIService(supervisor.NewHTTPService(srv, cfg.Server.ShutdownTimeout))

	cleanupBus, err := initBus(cfg, pub, tree)
	if err != nil {
		return err
	}
	defer cleanupBus()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Courier started")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
		}
	}
	logging.Info().Msg("Courier stopped")
	return nil
}

// initBus wires the NATS intake when enabled, optionally starting an
// embedded broker first. The returned cleanup releases broker and
// subscriber resources after the tree has stopped.
func initBus(cfg *config.Config, pub *publisher.Publisher, tree *supervisor.Tree) (func(), error) {
	if !cfg.NATS.Enabled {
		return func() {}, nil
	}

	url := cfg.NATS.URL
	var embedded *bus.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		es, err := bus.NewEmbeddedServer(bus.EmbeddedServerConfig{
			Host:     "127.0.0.1",
			Port:     -1, // random free port
			StoreDir: cfg.NATS.StoreDir,
		})
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS: %w", err)
		}
		embedded = es
		url = es.ClientURL()
		logging.Info().Str("url", url).Msg("Embedded NATS server started")
	}

	subCfg := bus.DefaultSubscriberConfig(url)
	subCfg.QueueGroup = cfg.NATS.QueueGroup
	subCfg.DurableName = cfg.NATS.DurableName

	sub, err := bus.NewJetStreamSubscriber(subCfg, logging.Component("bus"))
	if err != nil {
		if embedded != nil {
			embedded.Shutdown(context.Background()) //nolint:errcheck
		}
		return nil, fmt.Errorf("create bus subscriber: %w", err)
	}

	tree.AddIntakeService(bus.NewIntake(sub, pub, cfg.NATS.Subject))

	return func() {
		if err := sub.Close(); err != nil {
			logging.Warn().Err(err).Msg("Bus subscriber close failed")
		}
		if embedded != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := embedded.Shutdown(ctx); err != nil {
				logging.Warn().Err(err).Msg("Embedded NATS shutdown failed")
			}
		}
	}, nil
}
