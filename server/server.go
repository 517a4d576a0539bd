package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/cobaltcove/toolgate/idp"
	"github.com/cobaltcove/toolgate/instrumentation"
	"github.com/cobaltcove/toolgate/security"
	"github.com/cobaltcove/toolgate/storage"
)

// safeTruncate truncates a string to maxLen characters without panicking,
// for logging token and ID prefixes.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server implements the OAuth 2.1 authorization server logic. It
// coordinates the flow using an identity provider gateway and storage
// backends.
type Server struct {
	provider    idp.Provider
	tokenStore  storage.TokenStore
	clientStore storage.ClientStore
	flowStore   storage.FlowStore

	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	SecurityEventRateLimiter *security.RateLimiter // caps security event log volume
	Instrumentation          *instrumentation.Instrumentation
	Logger                   *slog.Logger
	Config                   *Config

	// RevocationCheck, when set, runs on every access token validation.
	// Returning an error rejects the token as revoked.
	RevocationCheck func(token *storage.AccessToken) error
}

// New creates a new authorization server.
func New(
	provider idp.Provider,
	tokenStore storage.TokenStore,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		provider:    provider,
		tokenStore:  tokenStore,
		clientStore: clientStore,
		flowStore:   flowStore,
		Config:      config,
		Logger:      logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSecurityEventRateLimiter caps security event logging so reuse
// probing cannot flood the logs.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation enables OpenTelemetry metrics and tracing.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// TokenStore exposes the configured token store, for callers that layer
// extra behavior (introspection, maintenance) on top of the flow engine.
func (s *Server) TokenStore() storage.TokenStore {
	return s.tokenStore
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier produces a URL-safe base64 string with 256 bits
// of entropy, suitable for codes, tokens, and state values.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
