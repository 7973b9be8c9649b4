// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Codec errors
var (
	// ErrKeyMissing indicates no master key was configured.
	ErrKeyMissing = errors.New("securestore: master key not configured")

	// ErrOpenFailed indicates the sealed value failed authentication.
	ErrOpenFailed = errors.New("securestore: open failed")

	// ErrInvalidSealed indicates the sealed value is malformed.
	ErrInvalidSealed = errors.New("securestore: invalid sealed value")
)

// defaultDerivationContext binds derived keys to this store.
const defaultDerivationContext = "pitwall-secure-store"

// Codec seals and opens store values with AES-GCM.
// The encryption key is derived from the master key with HKDF so the same
// master secret can safely serve multiple contexts.
type Codec struct {
	aead cipher.AEAD
}

// CodecConfig holds configuration for value sealing.
type CodecConfig struct {
	// MasterKey is the base64-encoded master key.
	// Must decode to at least 16 bytes.
	MasterKey string

	// Context is used for key derivation (default: "pitwall-secure-store").
	Context string
}

// NewCodec creates a codec from the given configuration.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.MasterKey == "" {
		return nil, ErrKeyMissing
	}

	masterKey, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(masterKey) < 16 {
		return nil, errors.New("securestore: master key must be at least 16 bytes")
	}

	context := cfg.Context
	if context == "" {
		context = defaultDerivationContext
	}

	derived, err := deriveKey(masterKey, []byte(context), 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// NewRandomCodec creates a codec with a freshly generated master key.
// Intended for tests and single-run deployments where persistence of the
// sealed values across restarts is not required.
func NewRandomCodec() (*Codec, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewCodec(CodecConfig{MasterKey: base64.StdEncoding.EncodeToString(key)})
}

// deriveKey derives a key of the given length using HKDF-SHA256.
func deriveKey(master, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts and authenticates a value. Output layout: nonce || ciphertext.
func (c *Codec) Seal(value []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, value, nil)
	return sealed, nil
}

// Open authenticates and decrypts a sealed value.
func (c *Codec) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, ErrInvalidSealed
	}

	value, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return value, nil
}
