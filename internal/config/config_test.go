// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Worker.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Worker.MaxAttempts)
	}
	if cfg.Dedup.TTL != 24*time.Hour {
		t.Errorf("dedup ttl = %v, want 24h", cfg.Dedup.TTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SMTP_HOST", "mail.example.com")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("LOG_LEVEL", "debug")
	// Unmapped variables must be ignored.
	t.Setenv("PATH_LIKE_NOISE", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SMTP.Host != "mail.example.com" {
		t.Errorf("smtp host = %q", cfg.SMTP.Host)
	}
	if cfg.Worker.Count != 8 {
		t.Errorf("worker count = %d", cfg.Worker.Count)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
smtp:
  host: file.example.com
  port: 2525
worker:
  count: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SMTP.Host != "file.example.com" || cfg.SMTP.Port != 2525 {
		t.Errorf("smtp = %s:%d, want file values", cfg.SMTP.Host, cfg.SMTP.Port)
	}
	if cfg.Worker.Count != 2 {
		t.Errorf("worker count = %d, want 2", cfg.Worker.Count)
	}
	// Untouched keys keep defaults.
	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want default", cfg.Server.Port)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("smtp:\n  host: file.example.com\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("SMTP_HOST", "env.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SMTP.Host != "env.example.com" {
		t.Errorf("smtp host = %q, env must win over file", cfg.SMTP.Host)
	}
}

func TestValidateRejectsShortDedupTTL(t *testing.T) {
	cfg := defaultConfig()
	// Worst case per attempt is max_backoff + renderer + smtp + lease; with
	// 5 attempts a sub-hour TTL cannot cover it.
	cfg.Dedup.TTL = 10 * time.Minute

	if err := cfg.Validate(); err == nil {
		t.Fatal("dedup TTL below the retry budget must be rejected")
	}
}

func TestValidateFieldChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"missing smtp host", func(c *Config) { c.SMTP.Host = "" }},
		{"missing smtp from", func(c *Config) { c.SMTP.From = "" }},
		{"zero workers", func(c *Config) { c.Worker.Count = 0 }},
		{"zero max attempts", func(c *Config) { c.Worker.MaxAttempts = 0 }},
		{"jitter above one", func(c *Config) { c.Worker.JitterFraction = 1.5 }},
		{"zero lease", func(c *Config) { c.Queue.LeaseTimeout = 0 }},
		{"bad success rate", func(c *Config) { c.Monitor.MinSuccessRate = 2 }},
		{"nats without subject", func(c *Config) { c.NATS.Enabled = true; c.NATS.Subject = "" }},
		{"window below ttl", func(c *Config) { c.Dedup.Window = time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("want validation error")
			}
		})
	}
}
