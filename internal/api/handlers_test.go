// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/pitwall/internal/audit"
	"github.com/tomtom215/pitwall/internal/csrf"
	"github.com/tomtom215/pitwall/internal/identity"
	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/monitor"
	"github.com/tomtom215/pitwall/internal/ratelimit"
	"github.com/tomtom215/pitwall/internal/securestore"
	"github.com/tomtom215/pitwall/internal/session"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "error",
		Format: "console",
		Output: io.Discard,
	})
}

type apiEnv struct {
	server     *httptest.Server
	handler    *Handler
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	monitor    *monitor.Monitor
	auditStore *audit.MemoryStore
	auditor    *audit.Logger
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	provider := identity.NewMemoryProvider()
	provider.AddUser(identity.Identity{
		UserID:      "user-1",
		Email:       "engineer@paddock.example",
		DisplayName: "Race Engineer",
		Roles:       []string{"engineer"},
	}, "pitstop")

	codec, err := securestore.NewRandomCodec()
	if err != nil {
		t.Fatalf("NewRandomCodec: %v", err)
	}
	auditStore := audit.NewMemoryStore()
	auditor := audit.NewLogger(auditStore, nil)
	limiter := ratelimit.NewLimiter()
	csrfMgr := csrf.NewManager(nil)
	mon := monitor.NewMonitor(nil, limiter, auditor)

	sessions, err := session.NewManager(session.DefaultConfig(), session.Deps{
		Provider: provider,
		Limiter:  limiter,
		CSRF:     csrfMgr,
		Auditor:  auditor,
		Monitor:  mon,
		Store:    securestore.NewMemoryStore(codec),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	h := NewHandler(sessions, csrfMgr, limiter, mon, auditor, nil)
	server := httptest.NewServer(NewRouter(h))
	t.Cleanup(server.Close)

	return &apiEnv{
		server:     server,
		handler:    h,
		sessions:   sessions,
		limiter:    limiter,
		monitor:    mon,
		auditStore: auditStore,
		auditor:    auditor,
	}
}

// request issues an HTTP request with stable device headers so the
// fingerprint matches across calls.
func (e *apiEnv) request(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, APIResponse) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("User-Agent", "pitwall-test/1.0")
	req.Header.Set("Accept-Language", "en-GB")
	req.Header.Set("Sec-CH-UA-Platform", `"Linux"`)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded APIResponse
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, decoded
}

// login establishes a session and returns its ID and CSRF token.
func (e *apiEnv) login(t *testing.T) (string, string) {
	t.Helper()
	resp, body := e.request(t, http.MethodPost, "/api/v1/session",
		loginRequest{Email: "engineer@paddock.example", Password: "pitstop"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("login status = %d, want 201", resp.StatusCode)
	}

	data, err := json.Marshal(body.Data)
	if err != nil {
		t.Fatalf("re-marshal login data: %v", err)
	}
	var lr loginResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		t.Fatalf("unmarshal login response: %v", err)
	}
	if lr.Session.ID == "" || lr.CSRFToken == "" {
		t.Fatalf("incomplete login response: %+v", lr)
	}
	return lr.Session.ID, lr.CSRFToken
}

func sessionHeaders(sessionID, csrfToken string) map[string]string {
	h := map[string]string{HeaderSessionID: sessionID}
	if csrfToken != "" {
		h[HeaderCSRFToken] = csrfToken
	}
	return h
}

func TestLoginSuccess(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, _ := env.login(t)

	if env.sessions.Count() != 1 {
		t.Errorf("session count = %d, want 1", env.sessions.Count())
	}
	if _, ok := env.sessions.Get(sessionID); !ok {
		t.Error("session not retrievable by ID")
	}
}

func TestLoginResponseOmitsTokens(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.request(t, http.MethodPost, "/api/v1/session",
		loginRequest{Email: "engineer@paddock.example", Password: "pitstop"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	raw, err := json.Marshal(body.Data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(raw, []byte("access_token")) || bytes.Contains(raw, []byte("refresh_token")) {
		t.Error("login response must not leak upstream tokens")
	}
}

func TestLoginBadCredentials(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.request(t, http.MethodPost, "/api/v1/session",
		loginRequest{Email: "engineer@paddock.example", Password: "wrong"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body.Error == nil || body.Error.Code != ErrCodeUnauthorized {
		t.Errorf("unexpected error payload: %+v", body.Error)
	}
}

func TestLoginMissingFields(t *testing.T) {
	env := newAPIEnv(t)
	resp, _ := env.request(t, http.MethodPost, "/api/v1/session",
		loginRequest{Email: "engineer@paddock.example"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newAPIEnv(t)
	bad := loginRequest{Email: "engineer@paddock.example", Password: "wrong"}
	for i := 0; i < 5; i++ {
		env.request(t, http.MethodPost, "/api/v1/session", bad, nil)
	}

	resp, body := env.request(t, http.MethodPost, "/api/v1/session",
		loginRequest{Email: "engineer@paddock.example", Password: "pitstop"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	if body.Error == nil || body.Error.Code != ErrCodeTooManyRequests {
		t.Errorf("unexpected error payload: %+v", body.Error)
	}
}

func TestCurrentSessionRequiresHeader(t *testing.T) {
	env := newAPIEnv(t)
	resp, _ := env.request(t, http.MethodGet, "/api/v1/session", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCurrentSession(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, _ := env.login(t)

	resp, body := env.request(t, http.MethodGet, "/api/v1/session", nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal(body.Data)
	var view sessionView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.ID != sessionID || view.UserID != "user-1" {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestDeviceMismatchRejected(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, _ := env.login(t)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/session", nil)
	req.Header.Set("User-Agent", "different-browser/2.0")
	req.Header.Set(HeaderSessionID, sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error == nil || body.Error.Code != ErrCodeDeviceMismatch {
		t.Errorf("error code = %+v, want %s", body.Error, ErrCodeDeviceMismatch)
	}
}

func TestRefreshRequiresCSRF(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, _ := env.login(t)

	resp, body := env.request(t, http.MethodPost, "/api/v1/session/refresh", nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body.Error == nil || body.Error.Code != ErrCodeInvalidCSRF {
		t.Errorf("unexpected error payload: %+v", body.Error)
	}

	if err := env.auditor.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	entries, err := env.auditStore.Query(context.Background(), audit.QueryFilter{
		Actions: []string{audit.ActionCSRFBlocked},
		Limit:   10,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected one CSRF_ATTACK_BLOCKED audit entry, got %d", len(entries))
	}
}

func TestRefreshWithCSRF(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, csrfToken := env.login(t)

	resp, _ := env.request(t, http.MethodPost, "/api/v1/session/refresh", nil, sessionHeaders(sessionID, csrfToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCSRFFromAnotherSessionRejected(t *testing.T) {
	env := newAPIEnv(t)
	sessionA, tokenA := env.login(t)
	sessionB, _ := env.login(t)

	resp, _ := env.request(t, http.MethodPost, "/api/v1/session/refresh", nil, sessionHeaders(sessionB, tokenA))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-session CSRF token: status = %d, want 403", resp.StatusCode)
	}

	// The token is still good for its own session.
	resp, _ = env.request(t, http.MethodPost, "/api/v1/session/refresh", nil, sessionHeaders(sessionA, tokenA))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own-session CSRF token: status = %d, want 200", resp.StatusCode)
	}
}

func TestRotateCSRF(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, csrfToken := env.login(t)

	resp, body := env.request(t, http.MethodPost, "/api/v1/session/csrf", nil, sessionHeaders(sessionID, csrfToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal(body.Data)
	var payload map[string]string
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	newToken := payload["csrf_token"]
	if newToken == "" || newToken == csrfToken {
		t.Fatal("rotation should produce a fresh token")
	}

	// The old token no longer works.
	resp, _ = env.request(t, http.MethodPost, "/api/v1/session/refresh", nil, sessionHeaders(sessionID, csrfToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("stale token: status = %d, want 403", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPost, "/api/v1/session/refresh", nil, sessionHeaders(sessionID, newToken))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("fresh token: status = %d, want 200", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, csrfToken := env.login(t)

	resp, _ := env.request(t, http.MethodDelete, "/api/v1/session", nil, sessionHeaders(sessionID, csrfToken))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodGet, "/api/v1/session", nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status after logout = %d, want 401", resp.StatusCode)
	}
	if body.Error == nil || body.Error.Code != ErrCodeSessionExpired {
		t.Errorf("unexpected error payload: %+v", body.Error)
	}
}

func TestLogoutEverywhere(t *testing.T) {
	env := newAPIEnv(t)
	env.login(t)
	sessionID, csrfToken := env.login(t)

	resp, body := env.request(t, http.MethodDelete, "/api/v1/sessions", nil, sessionHeaders(sessionID, csrfToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal(body.Data)
	var payload map[string]int
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["destroyed"] != 2 {
		t.Errorf("destroyed = %d, want 2", payload["destroyed"])
	}
	if env.sessions.Count() != 0 {
		t.Errorf("session count = %d, want 0", env.sessions.Count())
	}
}

func TestSecurityReport(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, _ := env.login(t)

	resp, body := env.request(t, http.MethodGet, "/api/v1/security/report", nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal(body.Data)
	var report monitor.Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.GeneratedAt.IsZero() {
		t.Error("report should carry a generation timestamp")
	}
}

func TestIncidentLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, csrfToken := env.login(t)
	ctx := context.Background()

	inc := env.monitor.HandleSecurityIncident(ctx, monitor.Incident{
		Type:       monitor.IncidentOffHoursAccess,
		Identifier: "user-1",
	})

	resp, body := env.request(t, http.MethodGet, "/api/v1/security/incidents?open=true", nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal(body.Data)
	var incidents []monitor.Incident
	if err := json.Unmarshal(data, &incidents); err != nil {
		t.Fatalf("unmarshal incidents: %v", err)
	}
	if len(incidents) != 1 || incidents[0].ID != inc.ID {
		t.Fatalf("unexpected incident list: %+v", incidents)
	}

	resolve := resolveIncidentRequest{Resolution: "driver confirmed the access"}
	resp, _ = env.request(t, http.MethodPost, "/api/v1/security/incidents/"+inc.ID+"/resolve", resolve, sessionHeaders(sessionID, csrfToken))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resolve status = %d, want 204", resp.StatusCode)
	}
	stored, _ := env.monitor.GetIncident(inc.ID)
	if stored.Resolution != resolve.Resolution {
		t.Errorf("resolution = %q, want %q", stored.Resolution, resolve.Resolution)
	}

	resp, _ = env.request(t, http.MethodPost, "/api/v1/security/incidents/"+inc.ID+"/resolve", resolve, sessionHeaders(sessionID, csrfToken))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double resolve status = %d, want 409", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPost, "/api/v1/security/incidents/missing/resolve", resolve, sessionHeaders(sessionID, csrfToken))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown incident status = %d, want 404", resp.StatusCode)
	}
}

func TestResolveIncidentRequiresResolution(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, csrfToken := env.login(t)

	inc := env.monitor.HandleSecurityIncident(context.Background(), monitor.Incident{
		Type:       monitor.IncidentOffHoursAccess,
		Identifier: "user-1",
	})

	resp, _ := env.request(t, http.MethodPost, "/api/v1/security/incidents/"+inc.ID+"/resolve",
		resolveIncidentRequest{}, sessionHeaders(sessionID, csrfToken))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSecurityStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, _ := env.login(t)

	env.monitor.HandleSecurityIncident(context.Background(), monitor.Incident{
		Type:       monitor.IncidentMultipleFailedLogins,
		Identifier: "user-9",
	})

	resp, body := env.request(t, http.MethodGet, "/api/v1/security/status", nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal(body.Data)
	var status monitor.Status
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if len(status.OpenIncidents) != 1 {
		t.Errorf("open incidents = %d, want 1", len(status.OpenIncidents))
	}
	if status.RateLimiter.BlockedPairs != 1 {
		t.Errorf("blocked pairs = %d, want 1", status.RateLimiter.BlockedPairs)
	}
}

func TestAuditLogsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, _ := env.login(t)

	if err := env.auditor.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	resp, body := env.request(t, http.MethodGet, "/api/v1/audit/logs?action=LOGIN_SUCCESS", nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal(body.Data)
	var entries []audit.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionLoginSuccess {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestAuditLogsTimeRangeFilter(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, _ := env.login(t)

	if err := env.auditor.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	now := time.Now().UTC()
	window := "?start=" + url.QueryEscape(now.Add(-time.Hour).Format(time.RFC3339)) +
		"&end=" + url.QueryEscape(now.Add(time.Hour).Format(time.RFC3339))
	resp, body := env.request(t, http.MethodGet, "/api/v1/audit/logs"+window, nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal(body.Data)
	var entries []audit.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal entries: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected login audit entries inside the window")
	}

	// A window entirely in the past matches nothing.
	past := "?start=" + url.QueryEscape(now.Add(-3*time.Hour).Format(time.RFC3339)) +
		"&end=" + url.QueryEscape(now.Add(-2*time.Hour).Format(time.RFC3339))
	resp, body = env.request(t, http.MethodGet, "/api/v1/audit/logs"+past, nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ = json.Marshal(body.Data)
	entries = nil
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal entries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries for a past window, got %d", len(entries))
	}

	resp, _ = env.request(t, http.MethodGet, "/api/v1/audit/logs?start=not-a-time", nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad start: status = %d, want 400", resp.StatusCode)
	}
}

func TestAuditLogsBadLimit(t *testing.T) {
	env := newAPIEnv(t)
	sessionID, _ := env.login(t)

	resp, _ := env.request(t, http.MethodGet, "/api/v1/audit/logs?limit=5000", nil, sessionHeaders(sessionID, ""))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := json.Marshal(body.Data)
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("status field = %v, want ok", payload["status"])
	}
}

func TestRequestIDPropagated(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.request(t, http.MethodGet, "/api/v1/health", nil, map[string]string{HeaderRequestID: "req-42"})
	if got := resp.Header.Get(HeaderRequestID); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}

	resp, _ = env.request(t, http.MethodGet, "/api/v1/health", nil, nil)
	if resp.Header.Get(HeaderRequestID) == "" {
		t.Error("response should carry a generated X-Request-ID")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(data, []byte("pitwall_")) {
		t.Error("metrics output should include pitwall_ series")
	}
}
