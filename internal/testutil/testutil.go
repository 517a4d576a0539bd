// Package testutil provides shared fixtures and assertion helpers for
// the toolgate test suites.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/cobaltcove/toolgate/idp"
	"github.com/cobaltcove/toolgate/storage"
)

// TestClientSecret is the plaintext secret the confidential client
// fixture authenticates with.
const TestClientSecret = "test-client-secret"

// testClientSecretHash is computed once at minimum cost; fixtures only
// need a hash that verifies, not a production-strength one.
var testClientSecretHash = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test secret: %v", err))
	}
	return string(hash)
}()

// HashSecret returns a minimum-cost bcrypt hash of the given secret.
func HashSecret(secret string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash secret: %v", err))
	}
	return string(hash)
}

// GenerateRandomString returns a random URL-safe string of the given
// length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns a matching S256 (challenge, verifier) pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// NewUpstreamToken builds an identity provider token set valid for an
// hour.
func NewUpstreamToken() *oauth2.Token {
	return NewUpstreamTokenWithExpiry(time.Now().Add(time.Hour))
}

// NewUpstreamTokenWithExpiry builds an identity provider token set with
// a specific expiry.
func NewUpstreamTokenWithExpiry(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// NewIdentity returns a populated identity fixture.
func NewIdentity() *idp.Identity {
	return &idp.Identity{
		Subject:       "user-123",
		Email:         "user@example.com",
		EmailVerified: true,
		Name:          "Test User",
		Picture:       "https://example.com/photo.jpg",
	}
}

// NewConfidentialClient returns a confidential client fixture whose
// secret is TestClientSecret.
func NewConfidentialClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-confidential-client",
		SecretHash:              testClientSecretHash,
		Type:                    "confidential",
		Name:                    "Test Confidential Client",
		RedirectURIs:            []string{"https://app.example.com/callback"},
		Scopes:                  []string{"tools:read", "tools:call"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_basic",
		CreatedAt:               time.Now(),
	}
}

// NewPublicClient returns a public (PKCE-only) client fixture.
func NewPublicClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-public-client",
		Type:                    "public",
		Name:                    "Test Public Client",
		RedirectURIs:            []string{"http://127.0.0.1:8123/callback"},
		Scopes:                  []string{"tools:read", "tools:call"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		CreatedAt:               time.Now(),
	}
}

// NewFlowState returns a pending flow fixture for the given client,
// expiring in ten minutes.
func NewFlowState(client *storage.Client) *storage.FlowState {
	challenge, _ := GeneratePKCEPair()
	return &storage.FlowState{
		ClientState:         GenerateRandomString(32),
		ProviderState:       GenerateRandomString(32),
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scope:               strings.Join(client.Scopes, " "),
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		ProviderVerifier:    oauth2.GenerateVerifier(),
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

// NewAuthorizationCode returns an unconsumed authorization code fixture
// for the given client, expiring in one minute.
func NewAuthorizationCode(client *storage.Client) *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scope:               strings.Join(client.Scopes, " "),
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Subject:             "user-123",
		Identity:            NewIdentity(),
		Upstream:            NewUpstreamToken(),
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(time.Minute),
	}
}

// NewAccessToken returns a valid access token fixture for the given
// client.
func NewAccessToken(client *storage.Client) *storage.AccessToken {
	return &storage.AccessToken{
		Value:     GenerateRandomString(43),
		Subject:   "user-123",
		ClientID:  client.ClientID,
		Scope:     strings.Join(client.Scopes, " "),
		Identity:  NewIdentity(),
		Upstream:  NewUpstreamToken(),
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// NewRefreshToken returns a generation-one refresh token fixture in a
// fresh family.
func NewRefreshToken(client *storage.Client) *storage.RefreshToken {
	return &storage.RefreshToken{
		Value:      GenerateRandomString(43),
		Subject:    "user-123",
		ClientID:   client.ClientID,
		Scope:      strings.Join(client.Scopes, " "),
		FamilyID:   GenerateRandomString(36),
		Generation: 1,
		Upstream:   NewUpstreamToken(),
		IssuedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(90 * 24 * time.Hour),
	}
}

// AssertNoError fails the test if err is non-nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want.
func AssertEqual(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr.
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTrue fails the test if the condition is false.
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertFalse fails the test if the condition is true.
func AssertFalse(t *testing.T, condition bool, message string) {
	t.Helper()
	if condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertTimeEqual fails the test if the times differ by more than the
// tolerance.
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (diff %v)", got, want, diff)
	}
}
