// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

//go:build !nats

package broadcast

import (
	"errors"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// ErrNATSDisabled is returned when the binary was built without NATS support.
var ErrNATSDisabled = errors.New("nats support not compiled in, rebuild with -tags nats")

// NATSConfig holds the NATS transport settings.
type NATSConfig struct {
	URL           string        `json:"url"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
}

// DefaultNATSConfig returns sane connection defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           natsgo.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NewNATSChannel is unavailable without the nats build tag.
func NewNATSChannel(cfg NATSConfig, instanceID string) (Channel, error) {
	return nil, ErrNATSDisabled
}
