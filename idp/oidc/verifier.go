package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cobaltcove/toolgate/idp"
)

// ErrUnknownKey is returned when an id_token references a signing key that
// is not in the provider's JWKS, even after a refresh.
var ErrUnknownKey = errors.New("signing key not found in provider JWKS")

// defaultMinKeyRefreshInterval bounds how often an unknown kid may trigger
// a JWKS refetch. An attacker spamming fabricated kids must not be able to
// hammer the provider's JWKS endpoint.
const defaultMinKeyRefreshInterval = 5 * time.Minute

// jwk is a single JSON Web Key as served by a JWKS endpoint (RFC 7517).
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// publicKey materializes the JWK into a crypto public key.
func (k *jwk) publicKey() (any, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("decoding RSA modulus: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("decoding RSA exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported EC curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("decoding EC x coordinate: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("decoding EC y coordinate: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

// KeySet fetches and caches a provider's JWKS, keyed by kid.
// An unknown kid triggers one refetch, rate-limited by the minimum
// refresh interval. Safe for concurrent use.
type KeySet struct {
	jwksURI            string
	httpClient         *http.Client
	logger             *slog.Logger
	minRefreshInterval time.Duration

	mu        sync.Mutex
	keys      map[string]any
	lastFetch time.Time
}

// NewKeySet creates a JWKS cache for the given endpoint.
func NewKeySet(jwksURI string, httpClient *http.Client, logger *slog.Logger) *KeySet {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeySet{
		jwksURI:            jwksURI,
		httpClient:         httpClient,
		logger:             logger,
		minRefreshInterval: defaultMinKeyRefreshInterval,
		keys:               make(map[string]any),
	}
}

// Key returns the public key for kid, refetching the JWKS at most once
// per refresh interval when the kid is unknown.
func (ks *KeySet) Key(ctx context.Context, kid string) (any, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if key, ok := ks.keys[kid]; ok {
		return key, nil
	}

	if time.Since(ks.lastFetch) < ks.minRefreshInterval {
		return nil, fmt.Errorf("%w: kid %q (refresh backoff active)", ErrUnknownKey, kid)
	}
	if err := ks.fetchLocked(ctx); err != nil {
		return nil, err
	}

	key, ok := ks.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}
	return key, nil
}

// fetchLocked replaces the cached key set. Caller holds ks.mu.
func (ks *KeySet) fetchLocked(ctx context.Context) error {
	ks.lastFetch = time.Now()

	req, err := http.NewRequestWithContext(ctx, "GET", ks.jwksURI, nil)
	if err != nil {
		return fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := ks.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]any, len(doc.Keys))
	for i := range doc.Keys {
		k := &doc.Keys[i]
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			ks.logger.Warn("Skipping unusable JWK", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWKS contains no usable signing keys")
	}

	ks.keys = keys
	ks.logger.Debug("JWKS refreshed", "keys", len(keys))
	return nil
}

// IDTokenVerifier verifies id_token signatures and claims against a
// provider's JWKS, issuer, and client audience.
type IDTokenVerifier struct {
	keySet   *KeySet
	issuer   string
	audience string
	leeway   time.Duration
}

// NewIDTokenVerifier creates a verifier bound to one issuer and audience.
func NewIDTokenVerifier(keySet *KeySet, issuer, audience string, leeway time.Duration) *IDTokenVerifier {
	return &IDTokenVerifier{
		keySet:   keySet,
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}
}

// Verify checks the token's signature, issuer, audience, and expiry.
// Claim failures surface the jwt package sentinels (jwt.ErrTokenExpired,
// jwt.ErrTokenInvalidIssuer, jwt.ErrTokenInvalidAudience) for callers
// that need to distinguish them.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawToken string) (*idp.Identity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("id_token header missing kid")
		}
		return v.keySet.Key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("id_token verification failed: %w", err)
	}

	return identityFromClaims(claims), nil
}

func identityFromClaims(claims jwt.MapClaims) *idp.Identity {
	identity := &idp.Identity{Claims: claims}
	if sub, ok := claims["sub"].(string); ok {
		identity.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if verified, ok := claims["email_verified"].(bool); ok {
		identity.EmailVerified = verified
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if picture, ok := claims["picture"].(string); ok {
		identity.Picture = picture
	}
	return identity
}
