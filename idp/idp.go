// Package idp defines the gateway interface to the external identity
// provider. The authorization server never authenticates end users itself;
// it forwards them to the IdP and validates what the IdP hands back.
package idp

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is the outbound interface to an identity provider.
// Implementations live in subpackages (oidc for any spec-compliant IdP,
// mock for tests).
type Provider interface {
	// Name returns a short identifier for the provider ("oidc", "mock").
	Name() string

	// AuthorizationURL builds the IdP authorize URL for the front-channel
	// redirect. The state value is generated by this server and bound to the
	// in-flight flow; the PKCE challenge protects the server-to-IdP leg.
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// ExchangeCode redeems an IdP authorization code for the IdP token set.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// Identity resolves the authenticated principal behind an IdP token set.
	// Implementations verify the id_token signature and claims when one is
	// present, falling back to the userinfo endpoint otherwise.
	Identity(ctx context.Context, token *oauth2.Token) (*Identity, error)

	// RefreshToken obtains a fresh IdP token set from a refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the IdP. Providers without a revocation
	// endpoint return nil.
	RevokeToken(ctx context.Context, token string) error
}

// Identity is the authenticated principal derived from a validated IdP
// token. It is transient: resolved per flow or per request, never persisted
// beyond the token records that reference its subject.
type Identity struct {
	// Subject is the IdP's stable identifier for the user.
	Subject string `json:"sub"`

	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`

	// Claims carries the raw verified claims for callers that need more
	// than the standard profile fields.
	Claims map[string]any `json:"-"`
}
