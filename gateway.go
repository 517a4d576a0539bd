// Package toolgate implements an OAuth 2.1 authorization layer for a
// tool-serving endpoint. It delegates end-user authentication to an
// upstream OpenID Connect provider and owns everything else: client
// registration (RFC 7591), authorization code issuance with PKCE,
// access and refresh token lifecycle with rotation and reuse detection,
// revocation (RFC 7009), introspection (RFC 7662), and discovery
// metadata (RFC 8414, RFC 9728).
package toolgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cobaltcove/toolgate/idp/oidc"
	"github.com/cobaltcove/toolgate/instrumentation"
	"github.com/cobaltcove/toolgate/security"
	"github.com/cobaltcove/toolgate/server"
	"github.com/cobaltcove/toolgate/storage"
	"github.com/cobaltcove/toolgate/storage/memory"
	"github.com/cobaltcove/toolgate/storage/sqlite"
)

const (
	defaultRateLimit      = 10
	defaultRateLimitBurst = 20

	// Security event logs get their own, much tighter budget so reuse
	// attack storms cannot flood the log pipeline.
	securityEventRate  = 1
	securityEventBurst = 10
)

// Gateway bundles a fully wired authorization server: the flow engine,
// its storage backend, the HTTP handler, rate limiters, and optional
// instrumentation.
type Gateway struct {
	Handler *Handler

	server          *server.Server
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	rateLimiter          *security.RateLimiter
	securityEventLimiter *security.RateLimiter

	memoryStore *memory.Store
	sqliteStore *sqlite.Store
}

// New wires a Gateway from configuration. The upstream provider is
// contacted once during construction for OIDC discovery.
func New(cfg Config) (*Gateway, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var encryptor *security.Encryptor
	if len(cfg.Security.EncryptionKey) > 0 {
		var err error
		encryptor, err = security.NewEncryptor(cfg.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
	}

	gw := &Gateway{logger: logger}

	store, err := gw.openStore(cfg, logger, encryptor)
	if err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(&oidc.Config{
		IssuerURL:      cfg.IdP.IssuerURL,
		ClientID:       cfg.IdP.ClientID,
		ClientSecret:   cfg.IdP.ClientSecret,
		RedirectURL:    cfg.Issuer + PathCallback,
		Scopes:         cfg.IdP.Scopes,
		RequestTimeout: cfg.IdP.RequestTimeout,
		HTTPClient:     cfg.IdP.HTTPClient,
	})
	if err != nil {
		gw.closeStore()
		return nil, fmt.Errorf("failed to create identity provider: %w", err)
	}

	srv, err := server.New(provider, store, store, store, gw.serverConfig(cfg), logger)
	if err != nil {
		gw.closeStore()
		return nil, err
	}
	gw.server = srv

	if cfg.Security.EnableAuditLogging {
		srv.SetAuditor(security.NewAuditor(logger, true))
	}

	rate := cfg.RateLimit.Rate
	if rate <= 0 {
		rate = defaultRateLimit
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	gw.rateLimiter = security.NewRateLimiter(rate, burst, logger)
	srv.SetRateLimiter(gw.rateLimiter)

	gw.securityEventLimiter = security.NewRateLimiter(securityEventRate, securityEventBurst, logger)
	srv.SetSecurityEventRateLimiter(gw.securityEventLimiter)

	if cfg.Instrumentation.Enabled {
		inst, err := instrumentation.New(instrumentation.Config{
			ServiceName:    cfg.Instrumentation.ServiceName,
			ServiceVersion: cfg.Instrumentation.ServiceVersion,
			Enabled:        true,
			LogClientIPs:   cfg.Instrumentation.LogClientIPs,
		})
		if err != nil {
			gw.closeStore()
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
		gw.instrumentation = inst
		srv.SetInstrumentation(inst)
		gw.registerStorageGauges(inst)
	}

	handler := NewHandler(srv, logger)
	handler.RequiredScopes = cfg.RequiredScopes
	handler.DefaultChallengeScopes = cfg.SupportedScopes
	handler.Resource = cfg.Resource
	handler.AllowedOrigins = cfg.AllowedOrigins
	gw.Handler = handler

	return gw, nil
}

// openStore creates the configured storage backend. The same store
// serves as client, flow, and token store.
func (gw *Gateway) openStore(cfg Config, logger *slog.Logger, encryptor *security.Encryptor) (combinedStore, error) {
	switch cfg.Storage.Backend {
	case "", StorageBackendMemory:
		opts := []memory.Option{memory.WithLogger(logger)}
		if encryptor != nil {
			opts = append(opts, memory.WithEncryptor(encryptor))
		}
		gw.memoryStore = memory.New(opts...)
		return gw.memoryStore, nil
	case StorageBackendSQLite:
		if cfg.Storage.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite backend requires a database path")
		}
		var opts []sqlite.Option
		if encryptor != nil {
			opts = append(opts, sqlite.WithEncryptor(encryptor))
		}
		store, err := sqlite.Open(cfg.Storage.SQLitePath, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		gw.sqliteStore = store
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// combinedStore is the full persistence surface the flow engine needs.
type combinedStore interface {
	storage.ClientStore
	storage.FlowStore
	storage.TokenStore
}

func (gw *Gateway) closeStore() {
	if gw.memoryStore != nil {
		gw.memoryStore.Stop()
	}
	if gw.sqliteStore != nil {
		_ = gw.sqliteStore.Close()
	}
}

// serverConfig maps the public configuration onto the flow engine's.
// The security booleans are set explicitly here rather than left to the
// engine's fresh-config defaulting: PKCE is required unless the operator
// opts out, and loopback redirects stay allowed outside ProductionMode
// (RFC 8252 section 7.3 permits them for native clients).
func (gw *Gateway) serverConfig(cfg Config) *server.Config {
	return &server.Config{
		Issuer:                     cfg.Issuer,
		FlowStateTTL:               cfg.Tokens.FlowStateTTL,
		AuthorizationCodeTTL:       cfg.Tokens.AuthorizationCodeTTL,
		AccessTokenTTL:             cfg.Tokens.AccessTokenTTL,
		RefreshTokenTTL:            cfg.Tokens.RefreshTokenTTL,
		RotateRefreshTokens:        !cfg.Security.DisableRefreshTokenRotation,
		RequirePKCE:                !cfg.Security.DisablePKCE,
		AllowLocalhostRedirectURIs: !cfg.Security.ProductionMode,
		TrustProxy:                 cfg.RateLimit.TrustProxy,
		TrustedProxyCount:          cfg.RateLimit.TrustedProxyCount,
		MaxClientsPerIP:            cfg.Security.MaxClientsPerIP,
		SupportedScopes:            cfg.SupportedScopes,
		EnableClientRegistration:   cfg.Security.EnableClientRegistration,
		RegistrationAccessToken:    cfg.Security.RegistrationAccessToken,
		AllowedCustomSchemes:       cfg.Security.AllowedCustomSchemes,
		AllowInsecureHTTP:          cfg.Security.AllowInsecureHTTP,
		ProductionMode:             cfg.Security.ProductionMode,
	}
}

// registerStorageGauges feeds the storage size gauges from the memory
// store. The sqlite backend does not report sizes; counting rows on
// every metric collection would hit the database too often.
func (gw *Gateway) registerStorageGauges(inst *instrumentation.Instrumentation) {
	if gw.memoryStore == nil {
		return
	}
	store := gw.memoryStore
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { tokens, _, _ := store.Counts(); return tokens },
		func() int64 { _, clients, _ := store.Counts(); return clients },
		func() int64 { _, _, flows := store.Counts(); return flows },
	)
	if err != nil {
		gw.logger.Warn("failed to register storage gauges", "error", err)
	}
}

// Server exposes the flow engine, mainly for tests and advanced wiring.
func (gw *Gateway) Server() *server.Server {
	return gw.server
}

// SeedClient registers a statically configured client, replacing any
// previous registration under the same ID.
func (gw *Gateway) SeedClient(ctx context.Context, client *storage.Client) error {
	return gw.server.SeedClient(ctx, client)
}

// RegisterRoutes registers every endpoint plus a health check on the mux.
func (gw *Gateway) RegisterRoutes(mux *http.ServeMux) {
	gw.Handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", gw.ServeHealthz)
}

// ServeHealthz reports liveness.
func (gw *Gateway) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Shutdown releases the gateway's resources: rate limiter sweepers, the
// storage backend, and the telemetry pipeline.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	if gw.rateLimiter != nil {
		gw.rateLimiter.Stop()
	}
	if gw.securityEventLimiter != nil {
		gw.securityEventLimiter.Stop()
	}
	gw.closeStore()

	if gw.instrumentation != nil {
		return gw.instrumentation.Shutdown(ctx)
	}
	return nil
}
