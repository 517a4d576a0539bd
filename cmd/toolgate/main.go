// Command toolgate runs a standalone authorization gateway in front of a
// tool-serving endpoint, configured from environment variables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/cobaltcove/toolgate"
	"github.com/cobaltcove/toolgate/security"
	"github.com/cobaltcove/toolgate/server"
	"github.com/cobaltcove/toolgate/storage"
)

type envConfig struct {
	ListenAddr string `env:"TOOLGATE_LISTEN_ADDR" envDefault:":8080"`
	Issuer     string `env:"TOOLGATE_ISSUER,required"`
	Resource   string `env:"TOOLGATE_RESOURCE"`

	IdPIssuerURL    string   `env:"TOOLGATE_IDP_ISSUER,required"`
	IdPClientID     string   `env:"TOOLGATE_IDP_CLIENT_ID,required"`
	IdPClientSecret string   `env:"TOOLGATE_IDP_CLIENT_SECRET,required"`
	IdPScopes       []string `env:"TOOLGATE_IDP_SCOPES"`

	StorageBackend string `env:"TOOLGATE_STORAGE_BACKEND" envDefault:"memory"`
	SQLitePath     string `env:"TOOLGATE_SQLITE_PATH"`

	SupportedScopes []string `env:"TOOLGATE_SCOPES" envDefault:"tools:read,tools:call"`

	AccessTokenTTL  int64 `env:"TOOLGATE_ACCESS_TOKEN_TTL"`
	RefreshTokenTTL int64 `env:"TOOLGATE_REFRESH_TOKEN_TTL"`

	RateLimit         int  `env:"TOOLGATE_RATE_LIMIT"`
	RateLimitBurst    int  `env:"TOOLGATE_RATE_LIMIT_BURST"`
	TrustProxy        bool `env:"TOOLGATE_TRUST_PROXY"`
	TrustedProxyCount int  `env:"TOOLGATE_TRUSTED_PROXY_COUNT" envDefault:"1"`

	EnableRegistration      bool     `env:"TOOLGATE_ENABLE_REGISTRATION"`
	RegistrationAccessToken string   `env:"TOOLGATE_REGISTRATION_TOKEN"`
	AllowedCustomSchemes    []string `env:"TOOLGATE_ALLOWED_CUSTOM_SCHEMES"`
	ProductionMode          bool     `env:"TOOLGATE_PRODUCTION_MODE"`
	EncryptionKey           string   `env:"TOOLGATE_ENCRYPTION_KEY"`
	EnableAuditLogging      bool     `env:"TOOLGATE_AUDIT_LOGGING" envDefault:"true"`

	SeedClientID           string   `env:"TOOLGATE_SEED_CLIENT_ID"`
	SeedClientSecret       string   `env:"TOOLGATE_SEED_CLIENT_SECRET"`
	SeedClientRedirectURIs []string `env:"TOOLGATE_SEED_CLIENT_REDIRECT_URIS"`

	EnableInstrumentation bool     `env:"TOOLGATE_INSTRUMENTATION"`
	AllowedOrigins        []string `env:"TOOLGATE_ALLOWED_ORIGINS"`
	LogLevel              string   `env:"TOOLGATE_LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "toolgate:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	gwCfg, err := gatewayConfig(cfg, logger)
	if err != nil {
		return err
	}

	gw, err := toolgate.New(gwCfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SeedClientID != "" {
		if err := seedClient(ctx, gw, cfg); err != nil {
			return fmt.Errorf("seed client: %w", err)
		}
		logger.Info("seeded static client", "client_id", cfg.SeedClientID)
	}

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)

	// Demo protected endpoint; real deployments mount their tool
	// handler behind gw.Handler.ValidateToken the same way.
	mux.Handle("/tools/echo", gw.Handler.ValidateToken(http.HandlerFunc(echoTool)))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return gw.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func gatewayConfig(cfg envConfig, logger *slog.Logger) (toolgate.Config, error) {
	gwCfg := toolgate.Config{
		Issuer:          strings.TrimSuffix(cfg.Issuer, "/"),
		Resource:        cfg.Resource,
		SupportedScopes: cfg.SupportedScopes,
		RequiredScopes: map[string][]string{
			"/tools/*": {"tools:call"},
		},
		IdP: toolgate.IdPConfig{
			IssuerURL:    cfg.IdPIssuerURL,
			ClientID:     cfg.IdPClientID,
			ClientSecret: cfg.IdPClientSecret,
			Scopes:       cfg.IdPScopes,
		},
		Storage: toolgate.StorageConfig{
			Backend:    cfg.StorageBackend,
			SQLitePath: cfg.SQLitePath,
		},
		Tokens: toolgate.TokenConfig{
			AccessTokenTTL:  cfg.AccessTokenTTL,
			RefreshTokenTTL: cfg.RefreshTokenTTL,
		},
		RateLimit: toolgate.RateLimitConfig{
			Rate:              cfg.RateLimit,
			Burst:             cfg.RateLimitBurst,
			TrustProxy:        cfg.TrustProxy,
			TrustedProxyCount: cfg.TrustedProxyCount,
		},
		Security: toolgate.SecurityConfig{
			EnableClientRegistration: cfg.EnableRegistration,
			RegistrationAccessToken:  cfg.RegistrationAccessToken,
			AllowedCustomSchemes:     cfg.AllowedCustomSchemes,
			ProductionMode:           cfg.ProductionMode,
			EnableAuditLogging:       cfg.EnableAuditLogging,
		},
		Instrumentation: toolgate.InstrumentationConfig{
			Enabled:     cfg.EnableInstrumentation,
			ServiceName: "toolgate",
		},
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}

	if cfg.EncryptionKey != "" {
		key, err := security.EncryptionKeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return toolgate.Config{}, fmt.Errorf("invalid encryption key: %w", err)
		}
		gwCfg.Security.EncryptionKey = key
	}

	return gwCfg, nil
}

// seedClient registers the statically configured client so deployments
// can run with registration disabled.
func seedClient(ctx context.Context, gw *toolgate.Gateway, cfg envConfig) error {
	client := &storage.Client{
		ClientID:                cfg.SeedClientID,
		Type:                    server.ClientTypePublic,
		Name:                    "Seeded client",
		RedirectURIs:            cfg.SeedClientRedirectURIs,
		Scopes:                  cfg.SupportedScopes,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: server.TokenEndpointAuthMethodNone,
		CreatedAt:               time.Now(),
	}

	if cfg.SeedClientSecret != "" {
		hash, err := server.HashClientSecret(cfg.SeedClientSecret)
		if err != nil {
			return err
		}
		client.Type = server.ClientTypeConfidential
		client.TokenEndpointAuthMethod = server.TokenEndpointAuthMethodBasic
		client.SecretHash = hash
	}

	return gw.SeedClient(ctx, client)
}

// echoTool is the demo protected endpoint. It reports the authenticated
// principal so integrations can verify their token plumbing end to end.
func echoTool(w http.ResponseWriter, r *http.Request) {
	principal, ok := toolgate.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "no principal", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"subject":   principal.Subject,
		"client_id": principal.ClientID,
		"scope":     principal.Scope,
	})
}
