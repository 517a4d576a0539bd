package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/cobaltcove/toolgate/idp"
)

// Compile-time interface check.
var _ idp.Provider = (*Provider)(nil)

// defaultScopes cover identity resolution plus refresh tokens.
var defaultScopes = []string{
	"openid",
	"profile",
	"email",
	"offline_access",
}

// Provider implements idp.Provider for any OIDC-compliant identity
// provider. Endpoints come from discovery; id_tokens are verified
// against the provider's JWKS.
type Provider struct {
	*oauth2.Config
	discoveryClient *DiscoveryClient
	verifier        *IDTokenVerifier
	issuerURL       string
	httpClient      *http.Client
	requestTimeout  time.Duration
}

// Config holds OIDC provider configuration.
type Config struct {
	// IssuerURL is the provider issuer (e.g. https://idp.example.com).
	IssuerURL string

	// ClientID is the OAuth client ID registered at the provider.
	ClientID string

	// ClientSecret is the OAuth client secret.
	ClientSecret string

	// RedirectURL is this server's callback URL.
	RedirectURL string

	// Scopes override the default scope set when non-empty.
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds provider API calls (default: 30s).
	RequestTimeout time.Duration

	// IDTokenLeeway is the clock skew tolerated when validating
	// id_token time claims.
	IDTokenLeeway time.Duration

	// skipValidation disables issuer SSRF checks for local test servers.
	skipValidation bool
}

// NewProvider creates an OIDC provider, performing discovery up front to
// resolve the authorization, token, and JWKS endpoints.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if !cfg.skipValidation {
		if err := ValidateIssuerURL(cfg.IssuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	var discoveryClient *DiscoveryClient
	if cfg.skipValidation {
		discoveryClient = NewTestDiscoveryClient(httpClient, 1*time.Hour, nil)
	} else {
		discoveryClient = NewDiscoveryClient(httpClient, 1*time.Hour, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	doc, err := discoveryClient.Discover(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery failed: %w", err)
	}

	keySet := NewKeySet(doc.JWKSUri, httpClient, nil)
	verifier := NewIDTokenVerifier(keySet, doc.Issuer, cfg.ClientID, cfg.IDTokenLeeway)

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
		},
		discoveryClient: discoveryClient,
		verifier:        verifier,
		issuerURL:       cfg.IssuerURL,
		httpClient:      httpClient,
		requestTimeout:  requestTimeout,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "oidc"
}

// AuthorizationURL builds the provider authorize URL with PKCE parameters.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" && codeChallengeMethod != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.AuthCodeURL(state, opts...)
}

// ensureContextTimeout adds the provider request timeout when the caller's
// context carries no deadline.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// ExchangeCode redeems a provider authorization code with PKCE verification.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// Identity resolves the authenticated principal. When the token set
// carries an id_token it is verified against the JWKS; otherwise the
// userinfo endpoint serves as fallback.
func (p *Provider) Identity(ctx context.Context, token *oauth2.Token) (*idp.Identity, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	if raw, ok := token.Extra("id_token").(string); ok && raw != "" {
		identity, err := p.verifier.Verify(ctx, raw)
		if err != nil {
			return nil, err
		}
		if identity.Subject == "" {
			return nil, fmt.Errorf("id_token missing sub claim")
		}
		return identity, nil
	}

	return p.userInfo(ctx, token)
}

// userInfo fetches identity from the provider's userinfo endpoint.
func (p *Provider) userInfo(ctx context.Context, token *oauth2.Token) (*idp.Identity, error) {
	doc, err := p.discoveryClient.Discover(ctx, p.issuerURL)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery failed: %w", err)
	}
	if doc.UserInfoEndpoint == "" {
		return nil, fmt.Errorf("userinfo endpoint not available in discovery document")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	client := p.Client(ctx, token)

	resp, err := client.Get(doc.UserInfoEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	identity := identityFromClaims(claims)
	if identity.Subject == "" {
		return nil, fmt.Errorf("userinfo response missing sub claim")
	}
	return identity, nil
}

// RefreshToken obtains a fresh token set. Providers that rotate refresh
// tokens return the replacement in the result; callers must store it.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tokenSource := p.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return newToken, nil
}

// RevokeToken revokes a token at the provider's revocation endpoint,
// degrading gracefully when the provider has none.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	doc, err := p.discoveryClient.Discover(ctx, p.issuerURL)
	if err != nil {
		return fmt.Errorf("OIDC discovery failed: %w", err)
	}
	if doc.RevocationEndpoint == "" {
		return nil
	}

	data := url.Values{}
	data.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, "POST", doc.RevocationEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.ClientID, p.ClientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// RFC 7009: 200 covers both revoked and already-invalid tokens.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck verifies the provider's discovery endpoint is reachable.
// Intended for server-side probes; do not expose the error text to
// untrusted clients.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	if _, err := p.discoveryClient.Discover(ctx, p.issuerURL); err != nil {
		return fmt.Errorf("identity provider unreachable: %w", err)
	}
	return nil
}
