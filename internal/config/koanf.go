// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/courier/config.yaml",
	"/etc/courier/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in ascending priority.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: struct defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path.
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf paths. Only
// explicitly listed variables are honored; everything else returns "" and is
// ignored, so unrelated environment noise cannot leak into the config.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"SERVER_HOST":             "server.host",
		"SERVER_PORT":             "server.port",
		"SERVER_READ_TIMEOUT":     "server.read_timeout",
		"SERVER_WRITE_TIMEOUT":    "server.write_timeout",
		"SERVER_SHUTDOWN_TIMEOUT": "server.shutdown_timeout",

		"BADGER_PATH": "database.badger_path",
		"DUCKDB_PATH": "database.duckdb_path",

		"SMTP_HOST":      "smtp.host",
		"SMTP_PORT":      "smtp.port",
		"SMTP_USERNAME":  "smtp.username",
		"SMTP_PASSWORD":  "smtp.password",
		"SMTP_FROM":      "smtp.from",
		"SMTP_FROM_NAME": "smtp.from_name",
		"SMTP_USE_TLS":   "smtp.use_tls",
		"SMTP_TIMEOUT":   "smtp.timeout",

		"RENDERER_URL":             "renderer.url",
		"RENDERER_TIMEOUT":         "renderer.timeout",
		"RENDERER_BREAKER_ENABLED": "renderer.breaker_enabled",

		"WORKER_COUNT":               "worker.count",
		"WORKER_POLL_INTERVAL":       "worker.poll_interval",
		"WORKER_JANITOR_INTERVAL":    "worker.janitor_interval",
		"WORKER_COMPLETED_RETENTION": "worker.completed_retention",
		"WORKER_MAX_ATTEMPTS":        "worker.max_attempts",
		"WORKER_INITIAL_BACKOFF":     "worker.initial_backoff",
		"WORKER_MAX_BACKOFF":         "worker.max_backoff",
		"WORKER_JITTER_FRACTION":     "worker.jitter_fraction",

		"QUEUE_LEASE_TIMEOUT": "queue.lease_timeout",

		"DEDUP_TTL":               "dedup.ttl",
		"DEDUP_WINDOW":            "dedup.window",
		"DEDUP_CANCEL_MARKER_TTL": "dedup.cancel_marker_ttl",

		"NATS_ENABLED":         "nats.enabled",
		"NATS_URL":             "nats.url",
		"NATS_EMBEDDED_SERVER": "nats.embedded_server",
		"NATS_STORE_DIR":       "nats.store_dir",
		"NATS_SUBJECT":         "nats.subject",
		"NATS_QUEUE_GROUP":     "nats.queue_group",
		"NATS_DURABLE_NAME":    "nats.durable_name",

		"MONITOR_INTERVAL":         "monitor.interval",
		"MONITOR_MAX_BACKLOG":      "monitor.max_backlog",
		"MONITOR_MIN_SUCCESS_RATE": "monitor.min_success_rate",
		"MONITOR_MAX_DEAD_LETTERS": "monitor.max_dead_letters",
		"MONITOR_STATS_WINDOW":     "monitor.stats_window",

		"LOG_LEVEL":  "logging.level",
		"LOG_FORMAT": "logging.format",
		"LOG_CALLER": "logging.caller",

		"RATE_LIMIT_ENABLED":             "rate_limit.enabled",
		"RATE_LIMIT_REQUESTS_PER_MINUTE": "rate_limit.requests_per_minute",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
