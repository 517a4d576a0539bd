package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func discoveryDocJSON(issuer string) string {
	doc := DiscoveryDocument{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/authorize",
		TokenEndpoint:          issuer + "/token",
		UserInfoEndpoint:       issuer + "/userinfo",
		JWKSUri:                issuer + "/jwks",
		ResponseTypesSupported: []string{"code"},
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

func TestDiscover_CachesDocument(t *testing.T) {
	var fetches int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt64(&fetches, 1)
		fmt.Fprint(w, discoveryDocJSON("https://idp.example.com"))
	}))
	defer ts.Close()

	c := NewTestDiscoveryClient(ts.Client(), time.Hour, nil)
	ctx := context.Background()

	doc, err := c.Discover(ctx, ts.URL)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if doc.TokenEndpoint != "https://idp.example.com/token" {
		t.Errorf("token endpoint = %q", doc.TokenEndpoint)
	}

	if _, err := c.Discover(ctx, ts.URL); err != nil {
		t.Fatalf("second Discover() error = %v", err)
	}
	if n := atomic.LoadInt64(&fetches); n != 1 {
		t.Errorf("fetch count = %d, want 1 (second call should hit the cache)", n)
	}

	c.ClearCache()
	if _, err := c.Discover(ctx, ts.URL); err != nil {
		t.Fatalf("Discover() after ClearCache error = %v", err)
	}
	if n := atomic.LoadInt64(&fetches); n != 2 {
		t.Errorf("fetch count = %d, want 2 after cache clear", n)
	}
}

func TestDiscover_RejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		wantErr string
	}{
		{
			name:    "server error",
			body:    "oops",
			status:  http.StatusInternalServerError,
			wantErr: "status 500",
		},
		{
			name:    "not JSON",
			body:    "<html>login</html>",
			status:  http.StatusOK,
			wantErr: "decode",
		},
		{
			name: "missing token endpoint",
			body: `{"issuer": "https://idp.example.com",
				"authorization_endpoint": "https://idp.example.com/authorize",
				"jwks_uri": "https://idp.example.com/jwks"}`,
			status:  http.StatusOK,
			wantErr: "token_endpoint is required",
		},
		{
			name: "http token endpoint",
			body: `{"issuer": "https://idp.example.com",
				"authorization_endpoint": "https://idp.example.com/authorize",
				"token_endpoint": "http://idp.example.com/token",
				"jwks_uri": "https://idp.example.com/jwks"}`,
			status:  http.StatusOK,
			wantErr: "must use HTTPS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			c := NewTestDiscoveryClient(ts.Client(), time.Hour, nil)
			_, err := c.Discover(context.Background(), ts.URL)
			if err == nil {
				t.Fatal("Discover() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Discover() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateIssuerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://idp.example.com", false},
		{"https with path", "https://idp.example.com/realms/main", false},
		{"plain http", "http://idp.example.com", true},
		{"loopback", "https://127.0.0.1", true},
		{"private IP", "https://192.168.1.10", true},
		{"link-local", "https://169.254.1.1", true},
		{"no hostname", "https://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIssuerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIssuerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	if err := ValidateScopes([]string{"openid", "email", "profile"}); err != nil {
		t.Errorf("ValidateScopes() error = %v for standard scopes", err)
	}
	if err := ValidateScopes([]string{""}); err == nil {
		t.Error("ValidateScopes() accepted an empty scope")
	}
	if err := ValidateScopes([]string{strings.Repeat("x", 300)}); err == nil {
		t.Error("ValidateScopes() accepted an oversized scope")
	}
	many := make([]string, 51)
	for i := range many {
		many[i] = fmt.Sprintf("scope%d", i)
	}
	if err := ValidateScopes(many); err == nil {
		t.Error("ValidateScopes() accepted more than 50 scopes")
	}
}

func TestIdentityFromClaims(t *testing.T) {
	identity := identityFromClaims(jwt.MapClaims{
		"sub":            "user-9",
		"email":          "u@example.com",
		"email_verified": true,
		"name":           "U Ser",
		"iss":            "https://idp.example.com",
	})

	if identity.Subject != "user-9" {
		t.Errorf("Subject = %q", identity.Subject)
	}
	if identity.Email != "u@example.com" {
		t.Errorf("Email = %q", identity.Email)
	}
	if !identity.EmailVerified {
		t.Error("EmailVerified = false")
	}
	if identity.Name != "U Ser" {
		t.Errorf("Name = %q", identity.Name)
	}
	if identity.Claims["iss"] != "https://idp.example.com" {
		t.Error("raw claims not preserved")
	}

	// Non-string claim types are ignored rather than panicking.
	identity = identityFromClaims(jwt.MapClaims{"sub": 42})
	if identity.Subject != "" {
		t.Errorf("Subject from numeric claim = %q, want empty", identity.Subject)
	}
}

// jwksServer serves a single RSA public key under the given kid.
func jwksServer(t *testing.T, kid string, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	doc := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func signIDToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("signing id_token: %v", err)
	}
	return signed
}

func TestIDTokenVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	const (
		kid      = "test-key-1"
		issuer   = "https://idp.example.com"
		audience = "client-1"
	)
	ts := jwksServer(t, kid, &key.PublicKey)
	keySet := NewKeySet(ts.URL, ts.Client(), nil)
	verifier := NewIDTokenVerifier(keySet, issuer, audience, 0)
	ctx := context.Background()

	baseClaims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":   issuer,
			"aud":   audience,
			"sub":   "user-9",
			"email": "u@example.com",
			"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
			"iat":   jwt.NewNumericDate(time.Now()),
		}
	}

	t.Run("valid token", func(t *testing.T) {
		identity, err := verifier.Verify(ctx, signIDToken(t, key, kid, baseClaims()))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if identity.Subject != "user-9" {
			t.Errorf("Subject = %q, want user-9", identity.Subject)
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := baseClaims()
		claims["aud"] = "someone-else"
		_, err := verifier.Verify(ctx, signIDToken(t, key, kid, claims))
		if !errors.Is(err, jwt.ErrTokenInvalidAudience) {
			t.Fatalf("Verify() error = %v, want ErrTokenInvalidAudience", err)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := baseClaims()
		claims["iss"] = "https://evil.example.com"
		_, err := verifier.Verify(ctx, signIDToken(t, key, kid, claims))
		if !errors.Is(err, jwt.ErrTokenInvalidIssuer) {
			t.Fatalf("Verify() error = %v, want ErrTokenInvalidIssuer", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		claims := baseClaims()
		claims["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		_, err := verifier.Verify(ctx, signIDToken(t, key, kid, claims))
		if !errors.Is(err, jwt.ErrTokenExpired) {
			t.Fatalf("Verify() error = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("unknown kid backs off", func(t *testing.T) {
		_, err := verifier.Verify(ctx, signIDToken(t, key, "rogue-kid", baseClaims()))
		if !errors.Is(err, ErrUnknownKey) {
			t.Fatalf("Verify() error = %v, want ErrUnknownKey", err)
		}
	})

	t.Run("tampered signature", func(t *testing.T) {
		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generating RSA key: %v", err)
		}
		_, err = verifier.Verify(ctx, signIDToken(t, otherKey, kid, baseClaims()))
		if err == nil {
			t.Fatal("Verify() accepted a token signed by the wrong key")
		}
	})
}
