// Package storage defines the persistence interfaces for clients,
// authorization flows, and tokens, plus the record types they exchange.
// Backends are pluggable: memory for single-process deployments and tests,
// sqlite for durable single-node deployments.
package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/cobaltcove/toolgate/idp"
)

// Sentinel errors returned by store implementations. Callers match with
// errors.Is; stores may wrap these with additional detail.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrFlowNotFound   = errors.New("authorization flow not found")
	ErrCodeNotFound   = errors.New("authorization code not found")
	ErrCodeConsumed   = errors.New("authorization code already consumed")
	ErrCodeExpired    = errors.New("authorization code expired")
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrTokenRotated   = errors.New("refresh token already rotated")
	ErrFamilyNotFound = errors.New("refresh token family not found")
)

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a registered client. Registrations are immutable;
	// saving an existing client ID overwrites only on seed/startup paths.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret checks a confidential client's secret in constant
	// time. Unknown client IDs must burn an equivalent comparison so timing
	// does not reveal registration status.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients returns all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit rejects registration when the source IP already owns
	// maxClientsPerIP registrations.
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error
}

// FlowStore manages in-flight authorization flows and issued codes.
//
// Two distinct state values exist per flow: the client's own state (echoed
// back on the final redirect, the client's CSRF token) and the provider
// state this server generates for the IdP leg (this server's CSRF token).
// Callback validation always looks up by provider state.
type FlowStore interface {
	// SaveFlowState records a pending authorization flow.
	SaveFlowState(ctx context.Context, flow *FlowState) error

	// GetFlowState retrieves a pending flow by the client's state value.
	GetFlowState(ctx context.Context, clientState string) (*FlowState, error)

	// GetFlowStateByProviderState retrieves a pending flow by the
	// server-generated state returned in the IdP callback.
	GetFlowStateByProviderState(ctx context.Context, providerState string) (*FlowState, error)

	// DeleteFlowState removes a pending flow by the client's state value.
	DeleteFlowState(ctx context.Context, clientState string) error

	// SaveAuthorizationCode records a freshly issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically checks that a code is live and
	// unconsumed and marks it consumed. Exactly one concurrent caller may
	// succeed per code. On reuse the stored record is returned alongside
	// ErrCodeConsumed so the caller can revoke the tokens it minted.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code record.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages issued access and refresh tokens, keyed by token value.
type TokenStore interface {
	// SaveAccessToken persists an issued access token.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token by value. Expired tokens are
	// never returned; stores report ErrTokenExpired instead.
	GetAccessToken(ctx context.Context, value string) (*AccessToken, error)

	// DeleteAccessToken removes an access token by value.
	DeleteAccessToken(ctx context.Context, value string) error

	// SaveRefreshToken persists an issued refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// ConsumeRefreshToken atomically marks a refresh token rotated and
	// returns it. Rotation depends on this being exactly-once: a second
	// consumer observes the record together with ErrTokenRotated, which
	// the flow layer treats as reuse of a rotated token. The tombstone
	// survives until family revocation or sweep so reuse stays
	// detectable.
	ConsumeRefreshToken(ctx context.Context, value string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token by value.
	DeleteRefreshToken(ctx context.Context, value string) error
}

// FamilyStore tracks refresh token families for reuse detection. Optional;
// the flow layer degrades to rotation without family revocation when the
// configured TokenStore does not implement it.
type FamilyStore interface {
	// SaveFamily records or advances family metadata for a refresh token.
	SaveFamily(ctx context.Context, family *TokenFamily) error

	// GetFamily retrieves family metadata by ID.
	GetFamily(ctx context.Context, familyID string) (*TokenFamily, error)

	// RevokeFamily marks a family revoked and removes its live tokens.
	RevokeFamily(ctx context.Context, familyID string) error
}

// RevocationStore supports bulk revocation, used when authorization code
// reuse is detected. Optional in the same way as FamilyStore.
type RevocationStore interface {
	// RevokeSubjectTokens revokes every access and refresh token issued to
	// the (subject, clientID) pair and returns how many were removed.
	RevokeSubjectTokens(ctx context.Context, subject, clientID string) (int, error)
}

// Client is a registered OAuth client application.
type Client struct {
	ClientID                string
	SecretHash              string // bcrypt; empty for public clients
	Type                    string // "public" or "confidential"
	Name                    string
	RedirectURIs            []string // exact-match set
	Scopes                  []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	RegistrationIP          string
	CreatedAt               time.Time
}

// FlowState is a pending authorization flow awaiting the IdP callback.
type FlowState struct {
	ClientState         string // client's CSRF token, echoed on final redirect
	ProviderState       string // server's CSRF token for the IdP leg
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string // client-to-server PKCE
	CodeChallengeMethod string
	ProviderVerifier    string // server-to-IdP PKCE verifier
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a single-use code issued after a successful IdP
// callback, bound to the exact client and redirect URI that requested it.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	Identity            *idp.Identity
	Upstream            *oauth2.Token // IdP token set carried into the access token
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// AccessToken is an issued bearer token, keyed by its opaque value.
type AccessToken struct {
	Value     string
	Subject   string
	ClientID  string
	Scope     string
	Identity  *idp.Identity
	Upstream  *oauth2.Token
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is an issued refresh token. Generation increments on every
// rotation within a family.
type RefreshToken struct {
	Value      string
	Subject    string
	ClientID   string
	Scope      string
	FamilyID   string
	Generation int
	Upstream   *oauth2.Token
	IssuedAt   time.Time
	ExpiresAt  time.Time

	// Rotated marks a consumed member kept as a tombstone for reuse
	// detection.
	Rotated bool
}

// TokenFamily is the rotation lineage of a refresh token.
type TokenFamily struct {
	FamilyID   string
	Subject    string
	ClientID   string
	Generation int
	IssuedAt   time.Time
	Revoked    bool
	RevokedAt  time.Time
}
