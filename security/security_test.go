package security

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := "upstream-refresh-token-value"
	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if sealed == plaintext {
		t.Fatal("Encrypt() returned the plaintext unchanged")
	}

	got, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != plaintext {
		t.Fatalf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptor_NoncesDiffer(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	a, _ := enc.Encrypt("same input")
	b, _ := enc.Encrypt("same input")
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestEncryptor_RejectsTamperedCiphertext(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	enc, _ := NewEncryptor(key)

	sealed, _ := enc.Encrypt("secret")
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := enc.Decrypt(tampered); err == nil {
		t.Fatal("Decrypt() accepted tampered ciphertext")
	}
}

func TestNewEncryptor_KeyLength(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Fatal("NewEncryptor() accepted a short key")
	}
}

func TestEncryptionKeyFromBase64(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	decoded, err := EncryptionKeyFromBase64(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("EncryptionKeyFromBase64() error = %v", err)
	}
	if len(decoded) != 32 {
		t.Fatalf("decoded key length = %d, want 32", len(decoded))
	}

	if _, err := EncryptionKeyFromBase64("not base64 !!!"); err == nil {
		t.Fatal("EncryptionKeyFromBase64() accepted invalid input")
	}
	if _, err := EncryptionKeyFromBase64(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("EncryptionKeyFromBase64() accepted a short key")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("203.0.113.1") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if rl.Allow("203.0.113.1") {
		t.Fatal("request over burst was allowed")
	}

	// Budgets are tracked per key.
	if !rl.Allow("203.0.113.2") {
		t.Fatal("fresh key was denied")
	}
}

func TestRateLimiter_EvictsOldestAtCapacity(t *testing.T) {
	rl := NewRateLimiterWithCapacity(1, 1, 2, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c")

	stats := rl.Stats()
	if stats.Entries > 2 {
		t.Fatalf("tracked entries = %d, want <= 2", stats.Entries)
	}
	if stats.Evictions == 0 {
		t.Fatal("no evictions recorded at capacity")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	rl.Allow("stale-key")
	time.Sleep(5 * time.Millisecond)
	rl.Sweep(time.Millisecond)

	if got := rl.Stats().Entries; got != 0 {
		t.Fatalf("tracked entries after sweep = %d, want 0", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name           string
		remoteAddr     string
		xff            string
		realIP         string
		trustProxy     bool
		trustedProxies int
		want           string
	}{
		{
			name:       "direct connection",
			remoteAddr: "198.51.100.7:52044",
			want:       "198.51.100.7",
		},
		{
			name:       "proxy headers ignored without trust",
			remoteAddr: "198.51.100.7:52044",
			xff:        "203.0.113.9",
			want:       "198.51.100.7",
		},
		{
			name:           "single trusted proxy",
			remoteAddr:     "10.0.0.1:80",
			xff:            "203.0.113.9, 10.0.0.1",
			trustProxy:     true,
			trustedProxies: 1,
			want:           "203.0.113.9",
		},
		{
			name:           "two trusted proxies",
			remoteAddr:     "10.0.0.1:80",
			xff:            "203.0.113.9, 10.0.0.2, 10.0.0.1",
			trustProxy:     true,
			trustedProxies: 2,
			want:           "203.0.113.9",
		},
		{
			name:           "x-real-ip fallback",
			remoteAddr:     "10.0.0.1:80",
			realIP:         "203.0.113.9",
			trustProxy:     true,
			trustedProxies: 1,
			want:           "203.0.113.9",
		},
		{
			name:           "garbage XFF falls back to remote addr",
			remoteAddr:     "198.51.100.7:52044",
			xff:            "not-an-ip",
			trustProxy:     true,
			trustedProxies: 1,
			want:           "198.51.100.7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := ClientIP(r, tt.trustProxy, tt.trustedProxies); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if seen == "" {
			t.Fatal("no request ID in context")
		}
		if got := rec.Header().Get(RequestIDHeader); got != seen {
			t.Errorf("response header %q does not match context ID %q", got, seen)
		}
	})

	t.Run("propagates a safe upstream ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "upstream-id-42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if seen != "upstream-id-42" {
			t.Errorf("request ID = %q, want upstream-id-42", seen)
		}
	})

	t.Run("replaces an unsafe upstream ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "bad\r\nid")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if seen == "bad\r\nid" {
			t.Error("unsafe upstream request ID was propagated")
		}
	})
}

func TestHashForLogging(t *testing.T) {
	a := HashForLogging("user-123")
	b := HashForLogging("user-123")
	c := HashForLogging("user-456")

	if a != b {
		t.Error("same input hashed to different values")
	}
	if a == c {
		t.Error("different inputs hashed to the same value")
	}
	if strings.Contains(a, "user-123") {
		t.Error("hash leaks the input")
	}
}

func TestIsExpired(t *testing.T) {
	if IsExpired(time.Now().Add(time.Minute)) {
		t.Error("future expiry reported as expired")
	}
	if !IsExpired(time.Now().Add(-time.Minute)) {
		t.Error("past expiry reported as live")
	}
	if IsExpiredWithGrace(time.Now().Add(-time.Second), time.Minute) {
		t.Error("expiry within grace reported as expired")
	}
	if !ExpiresWithin(time.Now().Add(time.Second), time.Minute) {
		t.Error("imminent expiry not reported by ExpiresWithin")
	}
}

func TestWithRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc-123")
	if got := RequestIDFromContext(ctx); got != "abc-123" {
		t.Errorf("RequestIDFromContext() = %q, want abc-123", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("RequestIDFromContext() on empty context = %q, want empty", got)
	}
}
