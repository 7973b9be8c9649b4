// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Device describes the client attributes a fingerprint is derived from.
// None of the fields alone identifies a device; the combination does well
// enough to notice a stolen session ID being replayed elsewhere.
type Device struct {
	// UserAgent as sent by the client.
	UserAgent string `json:"user_agent"`

	// AcceptLanguage preference list.
	AcceptLanguage string `json:"accept_language"`

	// Platform hint (Sec-CH-UA-Platform or equivalent).
	Platform string `json:"platform"`

	// Timezone reported by the client, if any.
	Timezone string `json:"timezone"`
}

// DeviceFromRequest extracts device attributes from request headers.
func DeviceFromRequest(r *http.Request) Device {
	return Device{
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		Platform:       strings.Trim(r.Header.Get("Sec-CH-UA-Platform"), `"`),
		Timezone:       r.Header.Get("X-Client-Timezone"),
	}
}

// Fingerprint derives a stable hash from the device attributes.
func (d Device) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{d.UserAgent, d.AcceptLanguage, d.Platform, d.Timezone} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
