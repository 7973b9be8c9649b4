// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package main is the entry point for the Pitwall server.
//
// Pitwall is the client session and security core for a Formula 4 race
// telemetry analytics platform. It fronts an upstream identity provider
// and owns everything that happens after a credential exchange succeeds:
// session lifecycle with device binding, CSRF protection, rate limiting,
// security monitoring, audit logging, and cross-instance session sync.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered settings from defaults, config file, and
//     environment variables (Koanf v2)
//  2. Secure store: encrypted key-value storage (BadgerDB or in-memory)
//  3. Audit trail: batched persistence (DuckDB or in-memory)
//  4. Rate limiter, CSRF manager, security monitor
//  5. Broadcast channel: cross-instance session sync (in-process or NATS)
//  6. Identity provider: upstream HTTP service or seeded in-memory users
//  7. Session manager and WebSocket event feed
//  8. HTTP server: REST API under /api/v1 plus /metrics
//
// Everything long-running sits under a suture supervisor tree and is
// restarted with backoff on failure.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables with the PITWALL_ prefix
//   - Config file (config.yaml, or the path in PITWALL_CONFIG)
//   - Built-in defaults
//
// Minimal development setup, no external services:
//
//	export PITWALL_STORE_BACKEND=memory
//	export PITWALL_AUDIT_BACKEND=memory
//	export PITWALL_IDENTITY_BACKEND=memory
//	export PITWALL_IDENTITY_USERS=engineer@team.example:changeme
//	./pitwall
//
// Production with BadgerDB, DuckDB, and an upstream identity service:
//
//	export PITWALL_STORE_MASTER_KEY=$(openssl rand -base64 32)
//	export PITWALL_IDENTITY_BASE_URL=https://id.internal.example
//	./pitwall
//
// # Build Tags
//
// NATS-backed cross-instance sync is optional:
//
//	go build -tags nats ./cmd/pitwall
//
// Without the tag, broadcast.backend=nats fails at startup with a clear
// error and the in-process channel remains the default.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, the supervisor tree stops its services, and the
// audit queue is flushed before exit.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"github.com/tomtom215/pitwall/internal/api"
	"github.com/tomtom215/pitwall/internal/audit"
	"github.com/tomtom215/pitwall/internal/broadcast"
	"github.com/tomtom215/pitwall/internal/config"
	"github.com/tomtom215/pitwall/internal/csrf"
	"github.com/tomtom215/pitwall/internal/identity"
	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/monitor"
	"github.com/tomtom215/pitwall/internal/ratelimit"
	"github.com/tomtom215/pitwall/internal/securestore"
	"github.com/tomtom215/pitwall/internal/session"
	"github.com/tomtom215/pitwall/internal/supervisor"
	ws "github.com/tomtom215/pitwall/internal/websocket"
)

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_backend", cfg.SecureStore.Backend).
		Str("audit_backend", cfg.Audit.Backend).
		Str("broadcast_backend", cfg.Broadcast.Backend).
		Str("identity_backend", cfg.Identity.Backend).
		Msg("Starting Pitwall")

	// Secure store: everything session-shaped that must survive a restart
	// lives here, sealed with AES-GCM.
	store, badgerDB, err := openSecureStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open secure store")
	}
	if badgerDB != nil {
		defer func() {
			if err := badgerDB.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing secure store")
			}
		}()
	}

	// Audit trail
	auditStore, auditDB, err := openAuditStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open audit store")
	}
	if auditDB != nil {
		defer func() {
			if err := auditDB.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing audit database")
			}
		}()
	}
	auditor := audit.NewLogger(auditStore, &audit.Config{
		Enabled:       cfg.Audit.Enabled,
		MinSeverity:   audit.Severity(strings.ToUpper(cfg.Audit.MinSeverity)),
		FlushInterval: cfg.Audit.FlushInterval,
		BatchSize:     cfg.Audit.BatchSize,
		RetentionDays: cfg.Audit.RetentionDays,
		MaxEntries:    cfg.Audit.MaxEntries,
	})
	if !cfg.Audit.Enabled {
		logging.Warn().Msg("Audit logging is DISABLED (PITWALL_AUDIT_ENABLED=false)")
	}

	limiter := ratelimit.NewLimiter()
	applyRateLimits(limiter, cfg.RateLimit)

	csrfMgr := csrf.NewManager(store)

	mon := monitor.NewMonitor(&monitor.Config{
		FailedAttemptThreshold: cfg.Monitor.FailedAttemptThreshold,
		FailedAttemptWindow:    cfg.Monitor.FailedAttemptWindow,
		EscalationBlock:        cfg.Monitor.EscalationBlock,
		MultiDeviceThreshold:   cfg.Monitor.MultiDeviceThreshold,
		RapidRequestThreshold:  cfg.Monitor.RapidRequestThreshold,
		OffHoursStart:          cfg.Monitor.OffHoursStart,
		OffHoursEnd:            cfg.Monitor.OffHoursEnd,
		MaxIncidents:           cfg.Monitor.MaxIncidents,
	}, limiter, auditor)
	if !cfg.Monitor.Enabled {
		logging.Warn().Msg("Security monitoring is DISABLED (PITWALL_MONITOR_ENABLED=false)")
	}

	channel, err := openBroadcastChannel(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open broadcast channel")
	}
	defer func() {
		if err := channel.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing broadcast channel")
		}
	}()

	provider, err := buildIdentityProvider(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize identity provider")
	}

	// Session manager wires everything above together. The monitor is
	// only attached when enabled so a disabled monitor never blocks a
	// login path.
	deps := session.Deps{
		Provider: provider,
		Limiter:  limiter,
		CSRF:     csrfMgr,
		Auditor:  auditor,
		Store:    store,
		Channel:  channel,
	}
	if cfg.Monitor.Enabled {
		deps.Monitor = mon
	}
	sessions, err := session.NewManager(&session.Config{
		TTL:           cfg.Session.TTL,
		RefreshMargin: cfg.Session.RefreshMargin,
		SweepInterval: cfg.Session.SweepInterval,
	}, deps)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create session manager")
	}

	// WebSocket event feed: auth state changes and security incidents
	// stream to connected dashboards.
	hub := ws.NewHub()
	sessions.OnAuthStateChange(hub.BroadcastAuthState)
	mon.OnIncident(hub.BroadcastIncident)

	handler := api.NewHandler(sessions, csrfMgr, limiter, mon, auditor, hub)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// === SUPERVISOR TREE ===

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddCoreService(supervisor.NewService("audit-logger", auditor.Serve))
	tree.AddCoreService(supervisor.NewService("rate-limiter", limiter.Serve))
	tree.AddCoreService(supervisor.NewService("csrf-manager", csrfMgr.Serve))
	if cfg.Monitor.Enabled {
		tree.AddCoreService(supervisor.NewService("security-monitor", mon.Serve))
	}
	tree.AddCoreService(supervisor.NewService("session-sweeper", sessions.Serve))

	tree.AddMessagingService(supervisor.NewService("broadcast-channel", channel.Run))
	tree.AddMessagingService(supervisor.NewService("event-feed-hub", hub.Run))

	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	auditor.Log(audit.SystemEntry(audit.ActionServiceStarted, map[string]any{
		"addr":     server.Addr,
		"instance": cfg.Broadcast.InstanceID,
	}))

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	// The supervisor already stopped the audit flush loop; one final
	// synchronous flush drains whatever arrived during shutdown.
	auditor.Log(audit.SystemEntry(audit.ActionServiceStopped, nil))
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := auditor.Flush(flushCtx); err != nil {
		logging.Error().Err(err).Msg("Final audit flush failed")
	}

	logging.Info().Msg("Pitwall stopped gracefully")
}

// openSecureStore builds the encrypted store from configuration. The
// returned *badger.DB is non-nil only for the badger backend and must be
// closed by the caller after the store is no longer in use.
func openSecureStore(cfg *config.Config) (securestore.Store, *badger.DB, error) {
	switch cfg.SecureStore.Backend {
	case "badger":
		codec, err := securestore.NewCodec(securestore.CodecConfig{
			MasterKey: cfg.SecureStore.MasterKey,
		})
		if err != nil {
			return nil, nil, err
		}
		opts := badger.DefaultOptions(cfg.SecureStore.Path)
		opts.Logger = nil
		db, err := badger.Open(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger at %s: %w", cfg.SecureStore.Path, err)
		}
		logging.Info().Str("path", cfg.SecureStore.Path).Msg("Secure store opened (badger)")
		return securestore.NewBadgerStore(db, codec), db, nil

	case "memory":
		logging.Warn().Msg("Secure store backend is 'memory'; sessions will not survive a restart")
		codec, err := securestore.NewRandomCodec()
		if err != nil {
			return nil, nil, err
		}
		return securestore.NewMemoryStore(codec), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown secure store backend %q", cfg.SecureStore.Backend)
	}
}

// openAuditStore builds the audit persistence layer. The returned *sql.DB
// is non-nil only for the duckdb backend.
func openAuditStore(cfg *config.Config) (audit.Store, *sql.DB, error) {
	switch cfg.Audit.Backend {
	case "duckdb":
		db, err := sql.Open("duckdb", cfg.Audit.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open duckdb at %s: %w", cfg.Audit.Path, err)
		}
		auditStore := audit.NewDuckDBStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := auditStore.CreateTable(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("create audit table: %w", err)
		}
		logging.Info().Str("path", cfg.Audit.Path).Msg("Audit store opened (duckdb)")
		return auditStore, db, nil

	case "memory":
		logging.Warn().Msg("Audit backend is 'memory'; the audit trail will not survive a restart")
		return audit.NewMemoryStore(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

// applyRateLimits overlays configured limits on the defaults. Zero values
// keep the built-in limit for that action.
func applyRateLimits(limiter *ratelimit.Limiter, cfg config.RateLimitConfig) {
	if cfg.LoginAttempts > 0 && cfg.LoginWindow > 0 {
		limiter.SetLimit(ratelimit.ActionLogin, cfg.LoginAttempts, cfg.LoginWindow)
	}
	if cfg.RefreshAttempt > 0 && cfg.RefreshWindow > 0 {
		limiter.SetLimit(ratelimit.ActionTokenRefresh, cfg.RefreshAttempt, cfg.RefreshWindow)
	}
	if cfg.APIAttempts > 0 && cfg.APIWindow > 0 {
		limiter.SetLimit(ratelimit.ActionAPICall, cfg.APIAttempts, cfg.APIWindow)
	}
}

// openBroadcastChannel selects the cross-instance sync transport. The NATS
// backend requires building with -tags nats; without it NewNATSChannel
// returns ErrNATSDisabled.
func openBroadcastChannel(cfg *config.Config) (broadcast.Channel, error) {
	instanceID := cfg.Broadcast.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	switch cfg.Broadcast.Backend {
	case "gochannel":
		return broadcast.NewGoChannel(instanceID), nil

	case "nats":
		ch, err := broadcast.NewNATSChannel(broadcast.NATSConfig{
			URL:           cfg.Broadcast.NATSURL,
			MaxReconnects: cfg.Broadcast.NATSMaxReconnects,
			ReconnectWait: cfg.Broadcast.NATSReconnectWait,
		}, instanceID)
		if err != nil {
			return nil, err
		}
		logging.Info().Str("url", cfg.Broadcast.NATSURL).Msg("NATS broadcast channel connected")
		return ch, nil

	default:
		return nil, fmt.Errorf("unknown broadcast backend %q", cfg.Broadcast.Backend)
	}
}

// buildIdentityProvider selects the upstream credential service. The
// memory backend is for development and tests only; users come from
// identity.users as "email:password" pairs.
func buildIdentityProvider(cfg *config.Config) (identity.Provider, error) {
	switch cfg.Identity.Backend {
	case "http":
		return identity.NewHTTPClient(identity.ClientConfig{
			BaseURL:           cfg.Identity.BaseURL,
			Timeout:           cfg.Identity.Timeout,
			RequestsPerSecond: cfg.Identity.RequestsPerSecond,
			BreakerFailures:   uint32(cfg.Identity.BreakerFailures), //nolint:gosec // validated non-negative
			BreakerCooldown:   cfg.Identity.BreakerCooldown,
		})

	case "memory":
		logging.Warn().Msg("============================================================")
		logging.Warn().Msg("  Identity backend is 'memory' (PITWALL_IDENTITY_BACKEND=memory)")
		logging.Warn().Msg("  Credentials are held in process memory, unhashed.")
		logging.Warn().Msg("  This mode is for local development and CI only.")
		logging.Warn().Msg("============================================================")
		provider := identity.NewMemoryProvider()
		for _, pair := range cfg.Identity.Users {
			email, password, ok := strings.Cut(pair, ":")
			if !ok || email == "" || password == "" {
				return nil, fmt.Errorf("identity.users entry %q is not email:password", pair)
			}
			provider.AddUser(identity.Identity{
				UserID: uuid.NewString(),
				Email:  email,
			}, password)
		}
		return provider, nil

	default:
		return nil, fmt.Errorf("unknown identity backend %q", cfg.Identity.Backend)
	}
}
