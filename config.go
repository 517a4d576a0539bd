package toolgate

import (
	"log/slog"
	"net/http"
	"time"
)

// Config configures a Gateway. Only Issuer and the IdP block are
// required; everything else has secure defaults.
type Config struct {
	// Issuer is this authorization server's external base URL
	// (e.g. https://auth.example.com). Endpoint URLs and discovery
	// metadata are derived from it.
	Issuer string

	// Resource is the RFC 9728 resource identifier of the protected
	// tool endpoint. Defaults to Issuer.
	Resource string

	// SupportedScopes are the scopes this server issues. Empty means
	// any requested scope is accepted.
	SupportedScopes []string

	// RequiredScopes maps protected paths to required scopes for the
	// ValidateToken middleware. Patterns ending in "/*" match by prefix.
	RequiredScopes map[string][]string

	// IdP is the upstream identity provider configuration.
	IdP IdPConfig

	// Storage selects and configures the persistence backend.
	Storage StorageConfig

	// Tokens holds token and flow lifetimes.
	Tokens TokenConfig

	// RateLimit holds rate limiting configuration.
	RateLimit RateLimitConfig

	// Security holds security settings (secure by default).
	Security SecurityConfig

	// Instrumentation enables OpenTelemetry metrics and traces.
	Instrumentation InstrumentationConfig

	// AllowedOrigins enables CORS for the listed origins. Empty
	// disables CORS.
	AllowedOrigins []string

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// IdPConfig holds upstream OIDC identity provider settings.
type IdPConfig struct {
	// IssuerURL is the provider issuer, used for OIDC discovery
	// (required).
	IssuerURL string

	// ClientID is the client registered at the provider (required).
	ClientID string

	// ClientSecret authenticates this server to the provider (required).
	ClientSecret string

	// Scopes override the default openid/email/profile scope set
	// requested from the provider.
	Scopes []string

	// RequestTimeout bounds provider API calls. Default: 30s.
	RequestTimeout time.Duration

	// HTTPClient is an optional custom HTTP client for provider calls.
	HTTPClient *http.Client
}

// Storage backend names.
const (
	StorageBackendMemory = "memory"
	StorageBackendSQLite = "sqlite"
)

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" (default) or "sqlite".
	Backend string

	// SQLitePath is the database file path when Backend is "sqlite".
	SQLitePath string
}

// TokenConfig holds token and flow lifetimes, in seconds.
type TokenConfig struct {
	// FlowStateTTL bounds the window between opening an authorization
	// flow and the IdP callback. Default: 600.
	FlowStateTTL int64

	// AuthorizationCodeTTL is the code lifetime. Default: 60.
	AuthorizationCodeTTL int64

	// AccessTokenTTL is the access token lifetime. Default: 3600.
	AccessTokenTTL int64

	// RefreshTokenTTL is the refresh token lifetime. Default: 7776000
	// (90 days).
	RefreshTokenTTL int64
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero uses the
	// default of 10.
	Rate int

	// Burst is the maximum burst size allowed per IP. Zero uses the
	// default of 20.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For headers. Only enable
	// behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of
	// this server, used to pick the client IP out of X-Forwarded-For.
	TrustedProxyCount int
}

// SecurityConfig holds security settings (secure by default).
type SecurityConfig struct {
	// DisableRefreshTokenRotation keeps refresh tokens stable across
	// refreshes. Weakens stolen-token detection.
	DisableRefreshTokenRotation bool

	// DisablePKCE makes PKCE optional at the token endpoint. OAuth 2.1
	// requires PKCE; only disable for legacy confidential clients.
	DisablePKCE bool

	// EnableClientRegistration opens the RFC 7591 registration
	// endpoint.
	EnableClientRegistration bool

	// RegistrationAccessToken, when set, is required as a bearer token
	// on registration requests.
	RegistrationAccessToken string

	// MaxClientsPerIP caps dynamic registrations per IP. Default: 10.
	MaxClientsPerIP int

	// AllowedCustomSchemes lists custom redirect URI schemes permitted
	// for native clients (e.g. "myapp").
	AllowedCustomSchemes []string

	// AllowInsecureHTTP permits plain http redirect URIs beyond
	// localhost. Never enable in production.
	AllowInsecureHTTP bool

	// ProductionMode tightens redirect URI validation (no localhost,
	// no private IPs) and warns on weak settings.
	ProductionMode bool

	// EncryptionKey is a 32-byte AES-256 key for encrypting upstream
	// provider tokens at rest. Nil disables encryption. Generate with
	// security.GenerateEncryptionKey.
	EncryptionKey []byte

	// EnableAuditLogging emits structured security audit events.
	EnableAuditLogging bool
}

// InstrumentationConfig holds OpenTelemetry settings.
type InstrumentationConfig struct {
	// Enabled turns on metric and trace collection.
	Enabled bool

	// ServiceName reported in telemetry resources. Default: "toolgate".
	ServiceName string

	// ServiceVersion reported in telemetry resources.
	ServiceVersion string

	// LogClientIPs allows client IPs as span attributes.
	LogClientIPs bool
}
