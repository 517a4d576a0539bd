// Package security provides the shared security toolkit: expiry checks with
// clock-skew tolerance, PKCE verification, audit logging with hashed PII,
// rate limiting, request IDs, response headers, client IP extraction, and
// encryption at rest for stored IdP tokens.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Auditor emits structured security events. Subjects are hashed before
// logging; raw identifiers never reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single security audit record.
type Event struct {
	Type     string
	Subject  string
	ClientID string
	SourceIP string
	Details  map[string]any
}

// Record logs an audit event. No-op when auditing is disabled.
func (a *Auditor) Record(event Event) {
	if !a.enabled {
		return
	}
	a.logger.Info("security_audit",
		"event_id", uuid.NewString(),
		"event_type", event.Type,
		"subject_hash", HashForLogging(event.Subject),
		"client_id", event.ClientID,
		"source_ip", event.SourceIP,
		"details", event.Details,
		"timestamp", time.Now(),
	)
}

// TokenIssued records an access token issuance.
func (a *Auditor) TokenIssued(subject, clientID, sourceIP, scope string) {
	a.Record(Event{Type: EventTokenIssued, Subject: subject, ClientID: clientID, SourceIP: sourceIP,
		Details: map[string]any{"scope": scope}})
}

// TokenRefreshed records a refresh grant, noting whether the refresh token
// was rotated.
func (a *Auditor) TokenRefreshed(subject, clientID, sourceIP string, rotated bool) {
	a.Record(Event{Type: EventTokenRefreshed, Subject: subject, ClientID: clientID, SourceIP: sourceIP,
		Details: map[string]any{"rotated": rotated}})
}

// TokenRevoked records a token revocation.
func (a *Auditor) TokenRevoked(subject, clientID, sourceIP, tokenType string) {
	a.Record(Event{Type: EventTokenRevoked, Subject: subject, ClientID: clientID, SourceIP: sourceIP,
		Details: map[string]any{"token_type": tokenType}})
}

// AuthFailure records a failed authentication attempt.
func (a *Auditor) AuthFailure(subject, clientID, sourceIP, reason string) {
	a.Record(Event{Type: EventAuthFailure, Subject: subject, ClientID: clientID, SourceIP: sourceIP,
		Details: map[string]any{"reason": reason}})
}

// RateLimited records a rate limit violation.
func (a *Auditor) RateLimited(sourceIP, subject string) {
	a.Record(Event{Type: EventRateLimitExceeded, Subject: subject, SourceIP: sourceIP})
}

// ClientRegistered records a client registration.
func (a *Auditor) ClientRegistered(clientID, clientType, sourceIP string) {
	a.Record(Event{Type: EventClientRegistered, ClientID: clientID, SourceIP: sourceIP,
		Details: map[string]any{"client_type": clientType}})
}

// HashForLogging hashes a sensitive value for log output: SHA-256, first
// 16 hex characters. Empty input logs as a placeholder rather than a hash
// of the empty string.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
