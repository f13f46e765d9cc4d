// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package config defines the configuration surface and its layered loading:
// struct defaults, then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	SMTP      SMTPConfig      `koanf:"smtp"`
	Renderer  RendererConfig  `koanf:"renderer"`
	Worker    WorkerConfig    `koanf:"worker"`
	Queue     QueueConfig     `koanf:"queue"`
	Dedup     DedupConfig     `koanf:"dedup"`
	NATS      NATSConfig      `koanf:"nats"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Logging   LoggingConfig   `koanf:"logging"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds storage paths.
type DatabaseConfig struct {
	// BadgerPath holds jobs and dedup keys. Empty means in-memory
	// (development only; the idempotency guarantee does not survive
	// restarts without a path).
	BadgerPath string `koanf:"badger_path"`

	// DuckDBPath holds the audit trail and delivery records. ":memory:"
	// keeps them ephemeral.
	DuckDBPath string `koanf:"duckdb_path"`
}

// SMTPConfig holds outbound email settings.
type SMTPConfig struct {
	Host     string        `koanf:"host"`
	Port     int           `koanf:"port"`
	Username string        `koanf:"username"`
	Password string        `koanf:"password"`
	From     string        `koanf:"from"`
	FromName string        `koanf:"from_name"`
	UseTLS   bool          `koanf:"use_tls"`
	Timeout  time.Duration `koanf:"timeout"`
}

// RendererConfig holds PDF renderer settings.
type RendererConfig struct {
	URL            string        `koanf:"url"`
	Timeout        time.Duration `koanf:"timeout"`
	BreakerEnabled bool          `koanf:"breaker_enabled"`
}

// WorkerConfig holds worker pool and retry settings.
type WorkerConfig struct {
	Count              int           `koanf:"count"`
	PollInterval       time.Duration `koanf:"poll_interval"`
	JanitorInterval    time.Duration `koanf:"janitor_interval"`
	CompletedRetention time.Duration `koanf:"completed_retention"`
	MaxAttempts        int           `koanf:"max_attempts"`
	InitialBackoff     time.Duration `koanf:"initial_backoff"`
	MaxBackoff         time.Duration `koanf:"max_backoff"`
	JitterFraction     float64       `koanf:"jitter_fraction"`
}

// QueueConfig holds job queue settings.
type QueueConfig struct {
	// LeaseTimeout is the visibility timeout for claimed jobs.
	LeaseTimeout time.Duration `koanf:"lease_timeout"`
}

// DedupConfig holds deduplication settings.
type DedupConfig struct {
	// TTL is the dedup key lifetime. Validate enforces that it exceeds the
	// worst-case job lifetime so an in-flight job can never be re-admitted.
	TTL time.Duration `koanf:"ttl"`

	// Window buckets idempotency keys by time; zero disables bucketing.
	Window time.Duration `koanf:"window"`

	// CancelMarkerTTL is the lifetime of cancellation suppression markers.
	CancelMarkerTTL time.Duration `koanf:"cancel_marker_ttl"`
}

// NATSConfig holds the order event bus settings.
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	Subject        string `koanf:"subject"`
	QueueGroup     string `koanf:"queue_group"`
	DurableName    string `koanf:"durable_name"`
}

// MonitorConfig holds health evaluation settings.
type MonitorConfig struct {
	Interval       time.Duration `koanf:"interval"`
	MaxBacklog     int64         `koanf:"max_backlog"`
	MinSuccessRate float64       `koanf:"min_success_rate"`
	MaxDeadLetters int64         `koanf:"max_dead_letters"`
	StatsWindow    time.Duration `koanf:"stats_window"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `koanf:"enabled"`
	RequestsPerMinute int  `koanf:"requests_per_minute"`
}

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			BadgerPath: "/data/courier/badger",
			DuckDBPath: "/data/courier/courier.duckdb",
		},
		SMTP: SMTPConfig{
			Host:     "localhost",
			Port:     587,
			From:     "orders@localhost",
			FromName: "Courier",
			UseTLS:   true,
			Timeout:  30 * time.Second,
		},
		Renderer: RendererConfig{
			URL:            "http://localhost:9090",
			Timeout:        10 * time.Second,
			BreakerEnabled: true,
		},
		Worker: WorkerConfig{
			Count:              4,
			PollInterval:       500 * time.Millisecond,
			JanitorInterval:    15 * time.Second,
			CompletedRetention: 24 * time.Hour,
			MaxAttempts:        5,
			InitialBackoff:     2 * time.Second,
			MaxBackoff:         5 * time.Minute,
			JitterFraction:     0.2,
		},
		Queue: QueueConfig{
			LeaseTimeout: 2 * time.Minute,
		},
		Dedup: DedupConfig{
			TTL:             24 * time.Hour,
			Window:          0,
			CancelMarkerTTL: 24 * time.Hour,
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/courier/nats",
			Subject:        "orders.lifecycle",
			QueueGroup:     "courier",
			DurableName:    "courier-intake",
		},
		Monitor: MonitorConfig{
			Interval:       15 * time.Second,
			MaxBacklog:     1000,
			MinSuccessRate: 0.95,
			MaxDeadLetters: 10,
			StatsWindow:    time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 300,
		},
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be positive")
	}
	if c.Worker.JitterFraction < 0 || c.Worker.JitterFraction > 1 {
		return fmt.Errorf("worker.jitter_fraction must be within [0, 1]")
	}
	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("queue.lease_timeout must be positive")
	}

	// The dedup key must outlive the worst case a job can spend in the
	// pipeline. If the key expired while its job still retried, a re-emitted
	// event would be admitted a second time and the customer double-mailed.
	perAttempt := c.Worker.MaxBackoff + c.Renderer.Timeout + c.SMTP.Timeout + c.Queue.LeaseTimeout
	worstCase := time.Duration(c.Worker.MaxAttempts) * perAttempt
	if c.Dedup.TTL <= worstCase {
		return fmt.Errorf("dedup.ttl %v must exceed the worst-case job lifetime %v (max_attempts * (max_backoff + renderer timeout + smtp timeout + lease))", c.Dedup.TTL, worstCase)
	}
	if c.Dedup.Window != 0 && c.Dedup.Window < c.Dedup.TTL {
		return fmt.Errorf("dedup.window %v must be zero or at least dedup.ttl %v", c.Dedup.Window, c.Dedup.TTL)
	}

	if c.Monitor.MinSuccessRate < 0 || c.Monitor.MinSuccessRate > 1 {
		return fmt.Errorf("monitor.min_success_rate must be within [0, 1]")
	}
	if c.NATS.Enabled && c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required when nats is enabled")
	}
	return nil
}
