package server

import (
	"log/slog"
	"time"
)

// Config holds authorization server configuration. It is normalized once
// at construction and treated as immutable afterwards.
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// FlowStateTTL is how long a pending authorization flow may take,
	// covering the user's round trip through the identity provider
	FlowStateTTL int64 // seconds, default: 600 (10 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Codes are single-use and redeemed immediately by well-behaved
	// clients, so this stays short.
	AuthorizationCodeTTL int64 // seconds, default: 60

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// RotateRefreshTokens enables refresh token rotation (OAuth 2.1)
	// Default: true (secure by default)
	RotateRefreshTokens bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used to pick the client IP out of X-Forwarded-For
	// Default: 1
	TrustedProxyCount int

	// MaxClientsPerIP limits client registrations per IP address
	// Default: 10
	MaxClientsPerIP int

	// ClockSkewGracePeriod is the grace period for expiry checks (seconds)
	// Default: 5
	ClockSkewGracePeriod int64

	// SupportedScopes lists the scopes clients may request.
	// Empty allows all scopes.
	SupportedScopes []string

	// MinStateLength is the minimum accepted client state length.
	// Short state values weaken CSRF protection.
	// Default: 8
	MinStateLength int

	// RequirePKCE enforces PKCE for all authorization requests.
	// Default: true (OAuth 2.1)
	RequirePKCE bool

	// AllowPKCEPlain allows the deprecated 'plain' code_challenge_method.
	// Default: false (S256 only)
	AllowPKCEPlain bool

	// EnableClientRegistration exposes dynamic client registration.
	// When false, only clients seeded at startup exist and the
	// registration endpoint rejects every request.
	// Default: false
	EnableClientRegistration bool

	// RegistrationAccessToken, when set, is required as a bearer token on
	// registration requests. Leave empty to allow open registration
	// (subject to the per-IP cap).
	RegistrationAccessToken string

	// AllowedCustomSchemes is a list of allowed custom redirect URI scheme
	// patterns (regex) for native apps. Empty allows any RFC 3986 scheme.
	AllowedCustomSchemes []string

	// BlockedRedirectSchemes are never allowed as redirect URI schemes
	// regardless of other settings.
	// Default: javascript, data, file, vbscript, about
	BlockedRedirectSchemes []string

	// AllowInsecureHTTP permits a non-localhost http:// issuer.
	// Default: false
	AllowInsecureHTTP bool

	// ProductionMode requires HTTPS for non-loopback redirect URIs.
	ProductionMode bool

	// AllowLocalhostRedirectURIs permits loopback redirect URIs
	// (RFC 8252 native apps). Default: true
	AllowLocalhostRedirectURIs bool

	// AllowPrivateIPRedirectURIs permits RFC 1918 redirect URI hosts.
	// Default: false (SSRF protection)
	AllowPrivateIPRedirectURIs bool

	// AllowLinkLocalRedirectURIs permits link-local redirect URI hosts.
	// Default: false (cloud metadata protection)
	AllowLinkLocalRedirectURIs bool

	// DNSValidation resolves redirect URI hostnames at registration and
	// rejects names pointing at private or link-local addresses.
	// Default: false
	DNSValidation bool

	// DNSValidationTimeout bounds redirect URI DNS lookups.
	// Default: 5s
	DNSValidationTimeout time.Duration

	// ProviderRevocationMaxRetries is the retry budget for revoking tokens
	// at the identity provider during reuse response.
	// Default: 3
	ProviderRevocationMaxRetries int

	// ProviderRevocationTimeout bounds each provider revocation attempt (seconds).
	// Default: 5
	ProviderRevocationTimeout int64

	// ProviderRevocationFailureThreshold is the tolerated fraction of
	// failed provider revocations before the bulk revocation reports an
	// error. Default: 0.5
	ProviderRevocationFailureThreshold float64
}

// applySecureDefaults normalizes a Config, filling zero values with
// secure defaults and warning about explicitly insecure settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time and size based settings.
func applyTimeDefaults(config *Config) {
	if config.FlowStateTTL == 0 {
		config.FlowStateTTL = 600 // 10 minutes
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 60
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = 8
	}
	if len(config.BlockedRedirectSchemes) == 0 {
		config.BlockedRedirectSchemes = append([]string(nil), DangerousSchemes...)
	}
	if config.DNSValidationTimeout == 0 {
		config.DNSValidationTimeout = 5 * time.Second
	}
	if config.ProviderRevocationMaxRetries == 0 {
		config.ProviderRevocationMaxRetries = 3
	}
	if config.ProviderRevocationTimeout == 0 {
		config.ProviderRevocationTimeout = 5
	}
	if config.ProviderRevocationFailureThreshold == 0 {
		config.ProviderRevocationFailureThreshold = 0.5
	}
}

// applySecurityDefaults sets secure defaults for security booleans.
// Heuristic: if every security bool is false the config is fresh and
// gets the secure baseline; otherwise the operator chose explicitly and
// insecure choices get logged.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.RotateRefreshTokens &&
		!config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy &&
		!config.AllowLocalhostRedirectURIs

	if isDefaultConfig {
		config.RotateRefreshTokens = true
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
		config.AllowLocalhostRedirectURIs = true
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256")
	}
	if !config.RotateRefreshTokens {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay valid until expiry",
			"recommendation", "Set RotateRefreshTokens=true")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.EnableClientRegistration && config.RegistrationAccessToken == "" {
		logger.Warn("SECURITY NOTICE: Open client registration is ENABLED",
			"risk", "DoS via mass client registration",
			"mitigation", "Per-IP registration cap applies; consider RegistrationAccessToken")
	}
}
