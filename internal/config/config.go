// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package config loads layered configuration: built-in defaults, an
// optional YAML file, and environment variables, in rising precedence.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the service.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Session     SessionConfig     `koanf:"session"`
	SecureStore SecureStoreConfig `koanf:"secure_store"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit"`
	Audit       AuditConfig       `koanf:"audit"`
	Monitor     MonitorConfig     `koanf:"monitor"`
	Broadcast   BroadcastConfig   `koanf:"broadcast"`
	Identity    IdentityConfig    `koanf:"identity"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig mirrors the logging package settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	RefreshMargin time.Duration `koanf:"refresh_margin"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// SecureStoreConfig selects and configures the encrypted KV store.
type SecureStoreConfig struct {
	// Backend is "badger" for persistent storage or "memory".
	Backend string `koanf:"backend"`

	// Path is the badger data directory.
	Path string `koanf:"path"`

	// MasterKey is the base64-encoded encryption master key. Required
	// for the badger backend; the memory backend generates one when
	// empty, at the cost of sessions not surviving restarts.
	MasterKey string `koanf:"master_key"`
}

// RateLimitConfig overrides the built-in sliding-window limits. Zero
// values keep the defaults.
type RateLimitConfig struct {
	LoginAttempts  int           `koanf:"login_attempts"`
	LoginWindow    time.Duration `koanf:"login_window"`
	RefreshAttempt int           `koanf:"refresh_attempts"`
	RefreshWindow  time.Duration `koanf:"refresh_window"`
	APIAttempts    int           `koanf:"api_attempts"`
	APIWindow      time.Duration `koanf:"api_window"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled bool `koanf:"enabled"`

	// Backend is "duckdb" for persistent storage or "memory".
	Backend string `koanf:"backend"`

	// Path is the duckdb database file.
	Path string `koanf:"path"`

	MinSeverity   string        `koanf:"min_severity"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	BatchSize     int           `koanf:"batch_size"`
	RetentionDays int           `koanf:"retention_days"`
	MaxEntries    int           `koanf:"max_entries"`
}

// MonitorConfig holds security monitor thresholds.
type MonitorConfig struct {
	Enabled                bool          `koanf:"enabled"`
	FailedAttemptThreshold int           `koanf:"failed_attempt_threshold"`
	FailedAttemptWindow    time.Duration `koanf:"failed_attempt_window"`
	EscalationBlock        time.Duration `koanf:"escalation_block"`
	MultiDeviceThreshold   int           `koanf:"multi_device_threshold"`
	RapidRequestThreshold  int           `koanf:"rapid_request_threshold"`
	OffHoursStart          int           `koanf:"off_hours_start"`
	OffHoursEnd            int           `koanf:"off_hours_end"`
	MaxIncidents           int           `koanf:"max_incidents"`
}

// BroadcastConfig selects the cross-instance session channel.
type BroadcastConfig struct {
	// Backend is "gochannel" for single-instance deployments or "nats".
	Backend string `koanf:"backend"`

	// InstanceID identifies this instance in broadcast messages.
	// Generated when empty.
	InstanceID string `koanf:"instance_id"`

	NATSURL           string        `koanf:"nats_url"`
	NATSMaxReconnects int           `koanf:"nats_max_reconnects"`
	NATSReconnectWait time.Duration `koanf:"nats_reconnect_wait"`
}

// IdentityConfig selects and configures the identity provider.
type IdentityConfig struct {
	// Backend is "http" for a remote provider or "memory" for
	// self-contained deployments.
	Backend string `koanf:"backend"`

	BaseURL           string        `koanf:"base_url"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	BreakerFailures   int           `koanf:"breaker_failures"`
	BreakerCooldown   time.Duration `koanf:"breaker_cooldown"`

	// Users seeds the memory backend: "email:password" entries.
	Users []string `koanf:"users"`
}

// defaultConfig returns the built-in defaults, the lowest layer.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Session: SessionConfig{
			TTL:           12 * time.Hour,
			RefreshMargin: time.Minute,
			SweepInterval: time.Minute,
		},
		SecureStore: SecureStoreConfig{
			Backend:   "badger",
			Path:      "/data/securestore",
			MasterKey: "",
		},
		RateLimit: RateLimitConfig{
			SweepInterval: time.Minute,
		},
		Audit: AuditConfig{
			Enabled:       true,
			Backend:       "duckdb",
			Path:          "/data/audit.duckdb",
			MinSeverity:   "LOW",
			FlushInterval: 5 * time.Second,
			BatchSize:     100,
			RetentionDays: 30,
			MaxEntries:    10000,
		},
		Monitor: MonitorConfig{
			Enabled:                true,
			FailedAttemptThreshold: 10,
			FailedAttemptWindow:    30 * time.Minute,
			EscalationBlock:        30 * time.Minute,
			MultiDeviceThreshold:   3,
			RapidRequestThreshold:  120,
			OffHoursStart:          2,
			OffHoursEnd:            6,
			MaxIncidents:           1000,
		},
		Broadcast: BroadcastConfig{
			Backend:           "gochannel",
			InstanceID:        "",
			NATSURL:           "nats://127.0.0.1:4222",
			NATSMaxReconnects: 60,
			NATSReconnectWait: 2 * time.Second,
		},
		Identity: IdentityConfig{
			Backend:           "http",
			BaseURL:           "",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 50,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
		},
	}
}

// Validate checks cross-field constraints after all layers are merged.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.SecureStore.Backend {
	case "badger":
		if c.SecureStore.MasterKey == "" {
			return fmt.Errorf("secure_store.master_key is required for the badger backend")
		}
		if c.SecureStore.Path == "" {
			return fmt.Errorf("secure_store.path is required for the badger backend")
		}
	case "memory":
	default:
		return fmt.Errorf("secure_store.backend %q unknown (badger, memory)", c.SecureStore.Backend)
	}

	switch c.Audit.Backend {
	case "duckdb":
		if c.Audit.Enabled && c.Audit.Path == "" {
			return fmt.Errorf("audit.path is required for the duckdb backend")
		}
	case "memory":
	default:
		return fmt.Errorf("audit.backend %q unknown (duckdb, memory)", c.Audit.Backend)
	}
	switch c.Audit.MinSeverity {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
	default:
		return fmt.Errorf("audit.min_severity %q unknown", c.Audit.MinSeverity)
	}

	switch c.Broadcast.Backend {
	case "gochannel":
	case "nats":
		if c.Broadcast.NATSURL == "" {
			return fmt.Errorf("broadcast.nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("broadcast.backend %q unknown (gochannel, nats)", c.Broadcast.Backend)
	}

	switch c.Identity.Backend {
	case "http":
		if c.Identity.BaseURL == "" {
			return fmt.Errorf("identity.base_url is required for the http backend")
		}
	case "memory":
	default:
		return fmt.Errorf("identity.backend %q unknown (http, memory)", c.Identity.Backend)
	}

	if c.Monitor.OffHoursStart < 0 || c.Monitor.OffHoursStart > 23 ||
		c.Monitor.OffHoursEnd < 0 || c.Monitor.OffHoursEnd > 23 {
		return fmt.Errorf("monitor off-hours bounds must be hours 0-23")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}

	return nil
}
