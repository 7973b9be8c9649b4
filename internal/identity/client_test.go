// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 2 * time.Second
	client, err := NewHTTPClient(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return srv, client
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
}

func TestExchangeCredentials(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("decode failed: %v", err)
		}
		if creds.Email != "driver@team.example" {
			t.Errorf("unexpected email %s", creds.Email)
		}
		writeJSON(t, w, providerResponse{
			UserID:       "user-1",
			Email:        creds.Email,
			DisplayName:  "Race Engineer",
			Roles:        []string{"engineer"},
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresIn:    3600,
		})
	})

	identity, pair, err := client.ExchangeCredentials(context.Background(), Credentials{
		Email:    "driver@team.example",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", identity.UserID)
	}
	if pair.AccessToken != "access-1" || pair.RefreshToken != "refresh-1" {
		t.Errorf("unexpected token pair %+v", pair)
	}
	if pair.ExpiresAt.IsZero() {
		t.Error("expected expiry from expires_in")
	}
}

func TestExchangeRejectsBadCredentials(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, _, err := client.ExchangeCredentials(context.Background(), Credentials{
		Email:    "driver@team.example",
		Password: "wrong",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRefreshRejectedToken(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Refresh(context.Background(), "stale")
	if !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected ErrTokenRejected, got %v", err)
	}
}

func TestJWTExpiryPreferred(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, providerResponse{
			UserID:       "user-1",
			AccessToken:  signed,
			RefreshToken: "refresh-1",
			ExpiresIn:    3600, // the exp claim must win over this
		})
	})

	pair, err := client.Refresh(context.Background(), "refresh-0")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !pair.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %v from exp claim, got %v", exp, pair.ExpiresAt)
	}
}

func TestServerErrorsOpenCircuit(t *testing.T) {
	var calls int
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := client.Refresh(ctx, "r"); err == nil {
			t.Fatal("expected failure")
		}
	}

	// The circuit is open now; calls fail fast without reaching the server.
	before := calls
	_, err := client.Refresh(ctx, "r")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if calls != before {
		t.Fatal("expected open circuit to skip the upstream call")
	}
}

func TestBadCredentialsDoNotOpenCircuit(t *testing.T) {
	var calls int
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _, err := client.ExchangeCredentials(ctx, Credentials{Email: "x", Password: "y"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials on call %d, got %v", i, err)
		}
	}
	if calls != 10 {
		t.Fatalf("expected every call to reach upstream, got %d", calls)
	}
}

func TestRevoke(t *testing.T) {
	var revoked string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/revoke" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		revoked = body["refresh_token"]
		writeJSON(t, w, providerResponse{})
	})

	if err := client.Revoke(context.Background(), "refresh-9"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if revoked != "refresh-9" {
		t.Fatalf("expected refresh-9 revoked, got %q", revoked)
	}
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPClient(ClientConfig{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestMemoryProviderRoundTrip(t *testing.T) {
	p := NewMemoryProvider()
	p.AddUser(Identity{UserID: "user-1", Email: "driver@team.example"}, "secret")
	ctx := context.Background()

	identity, pair, err := p.ExchangeCredentials(ctx, Credentials{
		Email:    "driver@team.example",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", identity.UserID)
	}

	next, err := p.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("expected refresh to rotate the token")
	}

	// The consumed token is gone.
	if _, err := p.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected ErrTokenRejected for reused token, got %v", err)
	}

	if err := p.Revoke(ctx, next.RefreshToken); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := p.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected ErrTokenRejected after revoke, got %v", err)
	}
}

func TestMemoryProviderWrongPassword(t *testing.T) {
	p := NewMemoryProvider()
	p.AddUser(Identity{UserID: "user-1", Email: "driver@team.example"}, "secret")

	_, _, err := p.ExchangeCredentials(context.Background(), Credentials{
		Email:    "driver@team.example",
		Password: "wrong",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
