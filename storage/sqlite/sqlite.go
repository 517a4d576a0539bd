// Package sqlite provides a durable single-node store backed by SQLite.
// It implements every storage interface and survives process restarts,
// which the memory store deliberately does not.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	_ "modernc.org/sqlite"

	"github.com/cobaltcove/toolgate/idp"
	"github.com/cobaltcove/toolgate/security"
	"github.com/cobaltcove/toolgate/storage"
)

// Compile-time interface checks.
var (
	_ storage.ClientStore     = (*Store)(nil)
	_ storage.FlowStore       = (*Store)(nil)
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.FamilyStore     = (*Store)(nil)
	_ storage.RevocationStore = (*Store)(nil)
)

var dummySecretHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("toolgate-dummy-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("generating dummy bcrypt hash: %v", err))
	}
	return h
}()

const schema = `
CREATE TABLE IF NOT EXISTS clients (
    client_id     TEXT PRIMARY KEY,
    secret_hash   TEXT NOT NULL DEFAULT '',
    client_type   TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    redirect_uris TEXT NOT NULL,
    scopes        TEXT NOT NULL,
    grant_types   TEXT NOT NULL,
    response_types TEXT NOT NULL,
    auth_method   TEXT NOT NULL DEFAULT '',
    registration_ip TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS flows (
    client_state   TEXT PRIMARY KEY,
    provider_state TEXT NOT NULL UNIQUE,
    client_id      TEXT NOT NULL,
    redirect_uri   TEXT NOT NULL,
    scope          TEXT NOT NULL DEFAULT '',
    code_challenge TEXT NOT NULL DEFAULT '',
    challenge_method TEXT NOT NULL DEFAULT '',
    provider_verifier TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    expires_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS flows_provider_state ON flows(provider_state);

CREATE TABLE IF NOT EXISTS auth_codes (
    code           TEXT PRIMARY KEY,
    client_id      TEXT NOT NULL,
    redirect_uri   TEXT NOT NULL,
    scope          TEXT NOT NULL DEFAULT '',
    code_challenge TEXT NOT NULL DEFAULT '',
    challenge_method TEXT NOT NULL DEFAULT '',
    subject        TEXT NOT NULL,
    identity       TEXT NOT NULL DEFAULT '',
    upstream       TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    expires_at     INTEGER NOT NULL,
    consumed       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS access_tokens (
    value      TEXT PRIMARY KEY,
    subject    TEXT NOT NULL,
    client_id  TEXT NOT NULL,
    scope      TEXT NOT NULL DEFAULT '',
    identity   TEXT NOT NULL DEFAULT '',
    upstream   TEXT NOT NULL DEFAULT '',
    issued_at  INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS access_tokens_subject_client ON access_tokens(subject, client_id);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    value      TEXT PRIMARY KEY,
    subject    TEXT NOT NULL,
    client_id  TEXT NOT NULL,
    scope      TEXT NOT NULL DEFAULT '',
    family_id  TEXT NOT NULL DEFAULT '',
    generation INTEGER NOT NULL DEFAULT 0,
    upstream   TEXT NOT NULL DEFAULT '',
    issued_at  INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    rotated    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS refresh_tokens_subject_client ON refresh_tokens(subject, client_id);
CREATE INDEX IF NOT EXISTS refresh_tokens_family ON refresh_tokens(family_id);

CREATE TABLE IF NOT EXISTS token_families (
    family_id  TEXT PRIMARY KEY,
    subject    TEXT NOT NULL,
    client_id  TEXT NOT NULL,
    generation INTEGER NOT NULL DEFAULT 0,
    issued_at  INTEGER NOT NULL,
    revoked    INTEGER NOT NULL DEFAULT 0,
    revoked_at INTEGER NOT NULL DEFAULT 0
);
`

// Store persists OAuth state in SQLite via database/sql.
type Store struct {
	db        *sql.DB
	encryptor *security.Encryptor
	grace     time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithEncryptor enables encryption at rest for stored IdP tokens.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(s *Store) { s.encryptor = enc }
}

// WithClockSkewGrace overrides the expiry grace applied on reads.
func WithClockSkewGrace(grace time.Duration) Option {
	return func(s *Store) { s.grace = grace }
}

// Open opens (creating if needed) a SQLite store at path and bootstraps
// the schema. WAL mode keeps readers unblocked during writes.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	s := &Store{db: db, grace: security.DefaultClockSkewGrace}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func (s *Store) expired(expiresAt time.Time) bool {
	return security.IsExpiredWithGrace(expiresAt, s.grace)
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(values)
	return string(raw)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var values []string
	_ = json.Unmarshal([]byte(raw), &values)
	return values
}

// encodeUpstream serializes an IdP token (with preserved extras) and
// encrypts the blob when encryption is enabled.
func (s *Store) encodeUpstream(token *oauth2.Token) (string, error) {
	if token == nil {
		return "", nil
	}
	payload := struct {
		*oauth2.Token
		Extra map[string]any `json:"extra,omitempty"`
	}{token, storage.ExtractUpstreamExtra(token)}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding upstream token: %w", err)
	}
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		return s.encryptor.Encrypt(string(raw))
	}
	return string(raw), nil
}

func (s *Store) decodeUpstream(raw string) (*oauth2.Token, error) {
	if raw == "" {
		return nil, nil
	}
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		plain, err := s.encryptor.Decrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("decrypting upstream token: %w", err)
		}
		raw = plain
	}
	var payload struct {
		oauth2.Token
		Extra map[string]any `json:"extra,omitempty"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decoding upstream token: %w", err)
	}
	token := payload.Token
	return storage.RestoreUpstreamToken(&token, payload.Extra), nil
}

func encodeIdentity(identity *idp.Identity) string {
	if identity == nil {
		return ""
	}
	raw, _ := json.Marshal(identity)
	return string(raw)
}

func decodeIdentity(raw string) *idp.Identity {
	if raw == "" {
		return nil
	}
	var identity idp.Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		return nil
	}
	return &identity
}

// --- ClientStore ---

// SaveClient inserts or replaces a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO clients
		  (client_id, secret_hash, client_type, name, redirect_uris, scopes,
		   grant_types, response_types, auth_method, registration_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ClientID, client.SecretHash, client.Type, client.Name,
		encodeStrings(client.RedirectURIs), encodeStrings(client.Scopes),
		encodeStrings(client.GrantTypes), encodeStrings(client.ResponseTypes),
		client.TokenEndpointAuthMethod, client.RegistrationIP, toMillis(client.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, secret_hash, client_type, name, redirect_uris, scopes,
		       grant_types, response_types, auth_method, registration_ip, created_at
		FROM clients WHERE client_id = ?`, clientID)
	return scanClient(row)
}

func scanClient(row *sql.Row) (*storage.Client, error) {
	var c storage.Client
	var redirectURIs, scopes, grantTypes, responseTypes string
	var createdAt int64
	err := row.Scan(&c.ClientID, &c.SecretHash, &c.Type, &c.Name, &redirectURIs,
		&scopes, &grantTypes, &responseTypes, &c.TokenEndpointAuthMethod,
		&c.RegistrationIP, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}
	c.RedirectURIs = decodeStrings(redirectURIs)
	c.Scopes = decodeStrings(scopes)
	c.GrantTypes = decodeStrings(grantTypes)
	c.ResponseTypes = decodeStrings(responseTypes)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// ValidateClientSecret compares a secret against the stored bcrypt hash,
// burning a dummy comparison for unknown or public clients.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hash := dummySecretHash
	known := err == nil && client.SecretHash != ""
	if known {
		hash = []byte(client.SecretHash)
	}
	if cmpErr := bcrypt.CompareHashAndPassword(hash, []byte(clientSecret)); cmpErr != nil || !known {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// ListClients returns all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, secret_hash, client_type, name, redirect_uris, scopes,
		       grant_types, response_types, auth_method, registration_ip, created_at
		FROM clients`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		var c storage.Client
		var redirectURIs, scopes, grantTypes, responseTypes string
		var createdAt int64
		if err := rows.Scan(&c.ClientID, &c.SecretHash, &c.Type, &c.Name, &redirectURIs,
			&scopes, &grantTypes, &responseTypes, &c.TokenEndpointAuthMethod,
			&c.RegistrationIP, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		c.RedirectURIs = decodeStrings(redirectURIs)
		c.Scopes = decodeStrings(scopes)
		c.GrantTypes = decodeStrings(grantTypes)
		c.ResponseTypes = decodeStrings(responseTypes)
		c.CreatedAt = fromMillis(createdAt)
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

// CheckIPLimit rejects registration once an IP owns maxClientsPerIP clients.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clients WHERE registration_ip = ?`, ip).Scan(&count)
	if err != nil {
		return fmt.Errorf("counting clients by IP: %w", err)
	}
	if count >= maxClientsPerIP {
		return fmt.Errorf("client registration limit reached for IP %s (%d/%d)", ip, count, maxClientsPerIP)
	}
	return nil
}

// --- FlowStore ---

// SaveFlowState records a pending authorization flow.
func (s *Store) SaveFlowState(ctx context.Context, flow *storage.FlowState) error {
	if flow == nil || flow.ClientState == "" || flow.ProviderState == "" {
		return fmt.Errorf("flow state requires client and provider state values")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO flows
		  (client_state, provider_state, client_id, redirect_uri, scope,
		   code_challenge, challenge_method, provider_verifier, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		flow.ClientState, flow.ProviderState, flow.ClientID, flow.RedirectURI,
		flow.Scope, flow.CodeChallenge, flow.CodeChallengeMethod,
		flow.ProviderVerifier, toMillis(flow.CreatedAt), toMillis(flow.ExpiresAt))
	if err != nil {
		return fmt.Errorf("saving flow state: %w", err)
	}
	return nil
}

// GetFlowState retrieves a pending flow by client state.
func (s *Store) GetFlowState(ctx context.Context, clientState string) (*storage.FlowState, error) {
	return s.flowState(ctx, `client_state`, clientState)
}

// GetFlowStateByProviderState retrieves a pending flow by provider state.
func (s *Store) GetFlowStateByProviderState(ctx context.Context, providerState string) (*storage.FlowState, error) {
	return s.flowState(ctx, `provider_state`, providerState)
}

func (s *Store) flowState(ctx context.Context, column, key string) (*storage.FlowState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_state, provider_state, client_id, redirect_uri, scope,
		       code_challenge, challenge_method, provider_verifier, created_at, expires_at
		FROM flows WHERE `+column+` = ?`, key)

	var f storage.FlowState
	var createdAt, expiresAt int64
	err := row.Scan(&f.ClientState, &f.ProviderState, &f.ClientID, &f.RedirectURI,
		&f.Scope, &f.CodeChallenge, &f.CodeChallengeMethod, &f.ProviderVerifier,
		&createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning flow state: %w", err)
	}
	f.CreatedAt = fromMillis(createdAt)
	f.ExpiresAt = fromMillis(expiresAt)
	if s.expired(f.ExpiresAt) {
		return nil, fmt.Errorf("%w: flow expired", storage.ErrFlowNotFound)
	}
	return &f, nil
}

// DeleteFlowState removes a pending flow.
func (s *Store) DeleteFlowState(ctx context.Context, clientState string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE client_state = ?`, clientState)
	return err
}

// SaveAuthorizationCode records an issued code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	upstream, err := s.encodeUpstream(code.Upstream)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_codes
		  (code, client_id, redirect_uri, scope, code_challenge, challenge_method,
		   subject, identity, upstream, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		code.Code, code.ClientID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.Subject,
		encodeIdentity(code.Identity), upstream,
		toMillis(code.CreatedAt), toMillis(code.ExpiresAt))
	if err != nil {
		return fmt.Errorf("saving authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically checks and marks a code consumed
// inside a single transaction. Exactly one concurrent caller succeeds.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT code, client_id, redirect_uri, scope, code_challenge, challenge_method,
		       subject, identity, upstream, created_at, expires_at, consumed
		FROM auth_codes WHERE code = ?`, code)

	var record storage.AuthorizationCode
	var identity, upstream string
	var createdAt, expiresAt int64
	var consumed int
	err = row.Scan(&record.Code, &record.ClientID, &record.RedirectURI, &record.Scope,
		&record.CodeChallenge, &record.CodeChallengeMethod, &record.Subject,
		&identity, &upstream, &createdAt, &expiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning authorization code: %w", err)
	}
	record.Identity = decodeIdentity(identity)
	if record.Upstream, err = s.decodeUpstream(upstream); err != nil {
		return nil, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.ExpiresAt = fromMillis(expiresAt)
	record.Consumed = consumed != 0

	if s.expired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired at %s", storage.ErrCodeExpired, record.ExpiresAt.Format(time.RFC3339))
	}
	if record.Consumed {
		return &record, storage.ErrCodeConsumed
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE auth_codes SET consumed = 1 WHERE code = ? AND consumed = 0`, code)
	if err != nil {
		return nil, fmt.Errorf("marking code consumed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent redeemer.
		record.Consumed = true
		return &record, storage.ErrCodeConsumed
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing code consumption: %w", err)
	}
	record.Consumed = true
	return &record, nil
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE code = ?`, code)
	return err
}

// --- TokenStore ---

// SaveAccessToken stores an issued access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("access token value cannot be empty")
	}
	upstream, err := s.encodeUpstream(token.Upstream)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO access_tokens
		  (value, subject, client_id, scope, identity, upstream, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.Value, token.Subject, token.ClientID, token.Scope,
		encodeIdentity(token.Identity), upstream,
		toMillis(token.IssuedAt), toMillis(token.ExpiresAt))
	if err != nil {
		return fmt.Errorf("saving access token: %w", err)
	}
	return nil
}

// GetAccessToken retrieves a live access token by value.
func (s *Store) GetAccessToken(ctx context.Context, value string) (*storage.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value, subject, client_id, scope, identity, upstream, issued_at, expires_at
		FROM access_tokens WHERE value = ?`, value)

	var t storage.AccessToken
	var identity, upstream string
	var issuedAt, expiresAt int64
	err := row.Scan(&t.Value, &t.Subject, &t.ClientID, &t.Scope, &identity,
		&upstream, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning access token: %w", err)
	}
	t.Identity = decodeIdentity(identity)
	if t.Upstream, err = s.decodeUpstream(upstream); err != nil {
		return nil, err
	}
	t.IssuedAt = fromMillis(issuedAt)
	t.ExpiresAt = fromMillis(expiresAt)
	if s.expired(t.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired at %s", storage.ErrTokenExpired, t.ExpiresAt.Format(time.RFC3339))
	}
	return &t, nil
}

// DeleteAccessToken removes an access token by value.
func (s *Store) DeleteAccessToken(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE value = ?`, value)
	return err
}

// SaveRefreshToken stores an issued refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("refresh token value cannot be empty")
	}
	upstream, err := s.encodeUpstream(token.Upstream)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO refresh_tokens
		  (value, subject, client_id, scope, family_id, generation, upstream, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.Value, token.Subject, token.ClientID, token.Scope,
		token.FamilyID, token.Generation, upstream,
		toMillis(token.IssuedAt), toMillis(token.ExpiresAt))
	if err != nil {
		return fmt.Errorf("saving refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken atomically marks a refresh token rotated. Reuse of a
// rotated token returns the tombstone together with ErrTokenRotated so the
// caller can revoke the whole family.
func (s *Store) ConsumeRefreshToken(ctx context.Context, value string) (*storage.RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT value, subject, client_id, scope, family_id, generation, upstream, issued_at, expires_at, rotated
		FROM refresh_tokens WHERE value = ?`, value)

	var t storage.RefreshToken
	var upstream string
	var issuedAt, expiresAt int64
	var rotated int
	err = row.Scan(&t.Value, &t.Subject, &t.ClientID, &t.Scope, &t.FamilyID,
		&t.Generation, &upstream, &issuedAt, &expiresAt, &rotated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown refresh token", storage.ErrTokenNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning refresh token: %w", err)
	}

	t.IssuedAt = fromMillis(issuedAt)
	t.ExpiresAt = fromMillis(expiresAt)
	t.Rotated = rotated != 0
	if s.expired(t.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}
	if t.Upstream, err = s.decodeUpstream(upstream); err != nil {
		return nil, err
	}
	if t.Rotated {
		return &t, storage.ErrTokenRotated
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET rotated = 1 WHERE value = ? AND rotated = 0`, value)
	if err != nil {
		return nil, fmt.Errorf("marking refresh token rotated: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race against a concurrent consumer.
		t.Rotated = true
		return &t, storage.ErrTokenRotated
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing refresh consumption: %w", err)
	}
	t.Rotated = true
	return &t, nil
}

// DeleteRefreshToken removes a refresh token by value.
func (s *Store) DeleteRefreshToken(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE value = ?`, value)
	return err
}

// --- FamilyStore ---

// SaveFamily records or advances refresh token family metadata.
func (s *Store) SaveFamily(ctx context.Context, family *storage.TokenFamily) error {
	if family == nil || family.FamilyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO token_families
		  (family_id, subject, client_id, generation, issued_at, revoked, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		family.FamilyID, family.Subject, family.ClientID, family.Generation,
		toMillis(family.IssuedAt), boolToInt(family.Revoked), toMillis(family.RevokedAt))
	if err != nil {
		return fmt.Errorf("saving token family: %w", err)
	}
	return nil
}

// GetFamily retrieves family metadata by ID.
func (s *Store) GetFamily(ctx context.Context, familyID string) (*storage.TokenFamily, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT family_id, subject, client_id, generation, issued_at, revoked, revoked_at
		FROM token_families WHERE family_id = ?`, familyID)

	var f storage.TokenFamily
	var issuedAt, revokedAt int64
	var revoked int
	err := row.Scan(&f.FamilyID, &f.Subject, &f.ClientID, &f.Generation,
		&issuedAt, &revoked, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrFamilyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token family: %w", err)
	}
	f.IssuedAt = fromMillis(issuedAt)
	f.RevokedAt = fromMillis(revokedAt)
	f.Revoked = revoked != 0
	return &f, nil
}

// RevokeFamily marks a family revoked and removes its live refresh tokens.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE token_families SET revoked = 1, revoked_at = ? WHERE family_id = ?`,
		toMillis(time.Now()), familyID)
	if err != nil {
		return fmt.Errorf("revoking token family: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrFamilyNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE family_id = ?`, familyID); err != nil {
		return fmt.Errorf("deleting family tokens: %w", err)
	}
	return tx.Commit()
}

// --- RevocationStore ---

// RevokeSubjectTokens removes every token for the (subject, clientID) pair.
func (s *Store) RevokeSubjectTokens(ctx context.Context, subject, clientID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE token_families SET revoked = 1, revoked_at = ?
		WHERE family_id IN (SELECT family_id FROM refresh_tokens WHERE subject = ? AND client_id = ?)`,
		toMillis(time.Now()), subject, clientID); err != nil {
		return 0, fmt.Errorf("revoking families: %w", err)
	}

	revoked := 0
	for _, table := range []string{"access_tokens", "refresh_tokens"} {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE subject = ? AND client_id = ?`, subject, clientID)
		if err != nil {
			return 0, fmt.Errorf("revoking %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		revoked += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing revocation: %w", err)
	}
	return revoked, nil
}

// Sweep evicts expired flows, codes, and tokens. Run it on any cadence;
// reads re-check expiry regardless.
func (s *Store) Sweep(ctx context.Context) error {
	cutoff := toMillis(time.Now().Add(-s.grace))
	for _, stmt := range []string{
		`DELETE FROM flows WHERE expires_at > 0 AND expires_at < ?`,
		`DELETE FROM auth_codes WHERE expires_at > 0 AND expires_at < ?`,
		`DELETE FROM access_tokens WHERE expires_at > 0 AND expires_at < ?`,
		`DELETE FROM refresh_tokens WHERE expires_at > 0 AND expires_at < ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("sweeping expired records: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
