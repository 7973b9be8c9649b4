// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/pitwall/config.yaml",
	"/etc/pitwall/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "PITWALL_CONFIG"

// envPrefix scopes the environment variables this service reads.
const envPrefix = "PITWALL_"

// Load builds the configuration from three layers, in rising
// precedence: built-in defaults, an optional YAML file, and PITWALL_*
// environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings routes PITWALL_* variables to config paths. Explicit
// mapping beats inference: section and field names both contain
// underscores, so splitting is ambiguous.
var envMappings = map[string]string{
	"server_host":             "server.host",
	"server_port":             "server.port",
	"server_read_timeout":     "server.read_timeout",
	"server_write_timeout":    "server.write_timeout",
	"server_shutdown_timeout": "server.shutdown_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"session_ttl":            "session.ttl",
	"session_refresh_margin": "session.refresh_margin",
	"session_sweep_interval": "session.sweep_interval",

	"store_backend":    "secure_store.backend",
	"store_path":       "secure_store.path",
	"store_master_key": "secure_store.master_key",

	"ratelimit_login_attempts":   "rate_limit.login_attempts",
	"ratelimit_login_window":     "rate_limit.login_window",
	"ratelimit_refresh_attempts": "rate_limit.refresh_attempts",
	"ratelimit_refresh_window":   "rate_limit.refresh_window",
	"ratelimit_api_attempts":     "rate_limit.api_attempts",
	"ratelimit_api_window":       "rate_limit.api_window",

	"audit_enabled":        "audit.enabled",
	"audit_backend":        "audit.backend",
	"audit_path":           "audit.path",
	"audit_min_severity":   "audit.min_severity",
	"audit_flush_interval": "audit.flush_interval",
	"audit_batch_size":     "audit.batch_size",
	"audit_retention_days": "audit.retention_days",
	"audit_max_entries":    "audit.max_entries",

	"monitor_enabled":                  "monitor.enabled",
	"monitor_failed_attempt_threshold": "monitor.failed_attempt_threshold",
	"monitor_failed_attempt_window":    "monitor.failed_attempt_window",
	"monitor_escalation_block":         "monitor.escalation_block",
	"monitor_multi_device_threshold":   "monitor.multi_device_threshold",
	"monitor_rapid_request_threshold":  "monitor.rapid_request_threshold",
	"monitor_off_hours_start":          "monitor.off_hours_start",
	"monitor_off_hours_end":            "monitor.off_hours_end",
	"monitor_max_incidents":            "monitor.max_incidents",

	"broadcast_backend":        "broadcast.backend",
	"broadcast_instance_id":    "broadcast.instance_id",
	"nats_url":                 "broadcast.nats_url",
	"nats_max_reconnects":      "broadcast.nats_max_reconnects",
	"nats_reconnect_wait":      "broadcast.nats_reconnect_wait",

	"identity_backend":             "identity.backend",
	"identity_base_url":            "identity.base_url",
	"identity_timeout":             "identity.timeout",
	"identity_requests_per_second": "identity.requests_per_second",
	"identity_breaker_failures":    "identity.breaker_failures",
	"identity_breaker_cooldown":    "identity.breaker_cooldown",
	"identity_users":               "identity.users",
}

// envTransform maps PITWALL_SERVER_PORT to server.port and so on.
// Unknown variables are dropped rather than guessed at.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	if path, ok := envMappings[key]; ok {
		return path
	}
	return ""
}

// sliceConfigPaths lists paths parsed as comma-separated slices when
// they arrive as strings from the environment.
var sliceConfigPaths = []string{
	"identity.users",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}
