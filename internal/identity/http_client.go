// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
)

// ClientConfig holds HTTP provider settings.
type ClientConfig struct {
	// BaseURL of the identity provider, without trailing slash.
	BaseURL string `json:"base_url"`

	// Timeout bounds each request.
	Timeout time.Duration `json:"timeout"`

	// RequestsPerSecond caps outbound call rate. Zero disables the cap.
	RequestsPerSecond float64 `json:"requests_per_second"`

	// BreakerFailures opens the circuit after this many consecutive
	// failures.
	BreakerFailures uint32 `json:"breaker_failures"`

	// BreakerCooldown is how long the circuit stays open.
	BreakerCooldown time.Duration `json:"breaker_cooldown"`
}

// DefaultClientConfig returns the production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:           10 * time.Second,
		RequestsPerSecond: 50,
		BreakerFailures:   5,
		BreakerCooldown:   30 * time.Second,
	}
}

// HTTPClient implements Provider over the identity provider's REST API.
// Calls are rate limited and wrapped in a circuit breaker so a sick
// provider cannot pile up goroutines here.
type HTTPClient struct {
	config  ClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*providerResponse]
	limiter *rate.Limiter
}

// providerResponse is the decoded upstream envelope.
type providerResponse struct {
	UserID       string   `json:"user_id"`
	Email        string   `json:"email"`
	DisplayName  string   `json:"display_name"`
	Roles        []string `json:"roles"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
}

// NewHTTPClient creates a provider client.
func NewHTTPClient(config ClientConfig) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("identity provider base URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond),
			int(config.RequestsPerSecond))
	}

	breaker := gobreaker.NewCircuitBreaker[*providerResponse](gobreaker.Settings{
		Name:    "identity-provider",
		Timeout: config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("identity provider circuit state changed")
		},
		IsSuccessful: func(err error) bool {
			// Credential rejections are upstream working as intended;
			// they must not open the circuit.
			return err == nil ||
				errors.Is(err, ErrInvalidCredentials) ||
				errors.Is(err, ErrTokenRejected)
		},
	})

	return &HTTPClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: breaker,
		limiter: limiter,
	}, nil
}

// ExchangeCredentials validates a login upstream.
func (c *HTTPClient) ExchangeCredentials(ctx context.Context, creds Credentials) (*Identity, *TokenPair, error) {
	resp, err := c.call(ctx, "exchange", "/v1/auth/login", creds)
	if err != nil {
		return nil, nil, err
	}

	identity := &Identity{
		UserID:      resp.UserID,
		Email:       resp.Email,
		DisplayName: resp.DisplayName,
		Roles:       resp.Roles,
	}
	return identity, c.tokenPair(resp), nil
}

// Refresh exchanges a refresh token for a new pair.
func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	resp, err := c.call(ctx, "refresh", "/v1/auth/refresh",
		map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	return c.tokenPair(resp), nil
}

// Revoke invalidates a refresh token upstream.
func (c *HTTPClient) Revoke(ctx context.Context, refreshToken string) error {
	_, err := c.call(ctx, "revoke", "/v1/auth/revoke",
		map[string]string{"refresh_token": refreshToken})
	return err
}

// tokenPair builds a TokenPair, preferring the JWT exp claim over the
// envelope's expires_in when the access token carries one.
func (c *HTTPClient) tokenPair(resp *providerResponse) *TokenPair {
	pair := &TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if exp, ok := tokenExpiry(resp.AccessToken); ok {
		pair.ExpiresAt = exp
	} else if resp.ExpiresIn > 0 {
		pair.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return pair
}

// tokenExpiry extracts the exp claim without verifying the signature.
// Verification is the resource servers' job; here the claim only schedules
// the refresh timer.
func tokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// call performs one provider request through the limiter and breaker.
func (c *HTTPClient) call(ctx context.Context, operation, path string, payload any) (*providerResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("identity rate limiter: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*providerResponse, error) {
		return c.doRequest(ctx, path, payload)
	})
	outcome := "success"
	if err != nil {
		outcome = "failure"
		if errors.Is(err, ErrUpstreamTimeout) {
			outcome = "timeout"
		}
	}
	metrics.RecordUpstreamCall(operation, outcome, time.Since(start))

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUpstreamUnavailable)
		}
		return nil, err
	}
	return resp, nil
}

// doRequest performs the HTTP exchange and maps status codes to errors.
func (c *HTTPClient) doRequest(ctx context.Context, path string, payload any) (*providerResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		if path == "/v1/auth/login" {
			return nil, ErrInvalidCredentials
		}
		return nil, ErrTokenRejected
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	var decoded providerResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return &decoded, nil
}

// isTimeout reports whether an error chain includes a network timeout.
func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
