// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// MemoryProvider implements Provider with a fixed user table. Used in
// development and tests; production deployments point HTTPClient at the
// real identity service.
type MemoryProvider struct {
	mu       sync.Mutex
	users    map[string]memoryUser
	refresh  map[string]string
	tokenTTL time.Duration

	// now is injectable for tests.
	now func() time.Time
}

type memoryUser struct {
	identity Identity
	password string
}

// NewMemoryProvider creates an empty provider with hour-long tokens.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		users:    make(map[string]memoryUser),
		refresh:  make(map[string]string),
		tokenTTL: time.Hour,
		now:      time.Now,
	}
}

// AddUser registers a user the provider will accept.
func (p *MemoryProvider) AddUser(id Identity, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[id.Email] = memoryUser{identity: id, password: password}
}

// ExchangeCredentials validates against the user table.
func (p *MemoryProvider) ExchangeCredentials(ctx context.Context, creds Credentials) (*Identity, *TokenPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	user, ok := p.users[creds.Email]
	if !ok || subtle.ConstantTimeCompare([]byte(user.password), []byte(creds.Password)) != 1 {
		return nil, nil, ErrInvalidCredentials
	}

	pair := p.issueLocked(user.identity.UserID)
	identity := user.identity
	return &identity, pair, nil
}

// Refresh exchanges a known refresh token for a new pair. The old token
// stops working.
func (p *MemoryProvider) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.refresh[refreshToken]
	if !ok {
		return nil, ErrTokenRejected
	}
	delete(p.refresh, refreshToken)
	return p.issueLocked(userID), nil
}

// Revoke forgets a refresh token. Unknown tokens are a no-op.
func (p *MemoryProvider) Revoke(ctx context.Context, refreshToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.refresh, refreshToken)
	return nil
}

// issueLocked mints a token pair. Caller must hold mu.
func (p *MemoryProvider) issueLocked(userID string) *TokenPair {
	access := randomToken()
	refresh := randomToken()
	p.refresh[refresh] = userID
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    p.now().Add(p.tokenTTL),
	}
}

func randomToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("tok-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
