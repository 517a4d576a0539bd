// Package memory provides the volatile in-process store. It backs every
// storage interface, suits single-process deployments and tests, and loses
// all state on restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

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

// dummySecretHash is compared when a client ID is unknown so that secret
// validation burns the same bcrypt cost either way.
var dummySecretHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("toolgate-dummy-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("generating dummy bcrypt hash: %v", err))
	}
	return h
}()

const defaultSweepInterval = 5 * time.Minute

// Store is an in-memory implementation of all storage interfaces.
// A background sweep evicts expired records; expiry is re-checked on every
// read regardless, so sweep cadence never affects correctness.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	flows         map[string]*storage.FlowState // keyed by client state
	flowsByServer map[string]string             // provider state -> client state
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	families      map[string]*storage.TokenFamily

	encryptor *security.Encryptor
	logger    *slog.Logger
	grace     time.Duration

	stop     chan struct{}
	stopOnce sync.Once

	// gauges for instrumentation callbacks
	tokenCount  atomic.Int64
	clientCount atomic.Int64
	flowCount   atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithEncryptor enables encryption at rest for stored IdP tokens.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(s *Store) { s.encryptor = enc }
}

// WithClockSkewGrace overrides the expiry grace applied on reads.
func WithClockSkewGrace(grace time.Duration) Option {
	return func(s *Store) { s.grace = grace }
}

// New creates a Store and starts its background sweep. Call Stop when done.
func New(opts ...Option) *Store {
	s := &Store{
		clients:       make(map[string]*storage.Client),
		flows:         make(map[string]*storage.FlowState),
		flowsByServer: make(map[string]string),
		codes:         make(map[string]*storage.AuthorizationCode),
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		families:      make(map[string]*storage.TokenFamily),
		logger:        slog.Default(),
		grace:         security.DefaultClockSkewGrace,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop(defaultSweepInterval)
	return s
}

// Stop terminates the background sweep. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) expired(expiresAt time.Time) bool {
	return security.IsExpiredWithGrace(expiresAt, s.grace)
}

// --- ClientStore ---

// SaveClient stores a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[client.ClientID]; !exists {
		s.clientCount.Add(1)
	}
	cloned := *client
	s.clients[client.ClientID] = &cloned
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	cloned := *client
	return &cloned, nil
}

// ValidateClientSecret compares a secret against the stored bcrypt hash.
// Unknown clients and public clients burn a comparison against a dummy
// hash so response time does not reveal registration status.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	hash := dummySecretHash
	if ok && client.SecretHash != "" {
		hash = []byte(client.SecretHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(clientSecret)); err != nil || !ok || client.SecretHash == "" {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// ListClients returns all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		cloned := *client
		clients = append(clients, &cloned)
	}
	return clients, nil
}

// CheckIPLimit rejects registration once an IP owns maxClientsPerIP clients.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, client := range s.clients {
		if client.RegistrationIP == ip {
			count++
		}
	}
	if count >= maxClientsPerIP {
		return fmt.Errorf("client registration limit reached for IP %s (%d/%d)", ip, count, maxClientsPerIP)
	}
	return nil
}

// --- FlowStore ---

// SaveFlowState records a pending authorization flow under both its client
// state and provider state keys.
func (s *Store) SaveFlowState(ctx context.Context, flow *storage.FlowState) error {
	if flow == nil || flow.ClientState == "" || flow.ProviderState == "" {
		return fmt.Errorf("flow state requires client and provider state values")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[flow.ClientState]; !exists {
		s.flowCount.Add(1)
	}
	cloned := *flow
	s.flows[flow.ClientState] = &cloned
	s.flowsByServer[flow.ProviderState] = flow.ClientState
	return nil
}

// GetFlowState retrieves a pending flow by client state.
func (s *Store) GetFlowState(ctx context.Context, clientState string) (*storage.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flowStateLocked(clientState)
}

// GetFlowStateByProviderState retrieves a pending flow by the state this
// server sent to the IdP.
func (s *Store) GetFlowStateByProviderState(ctx context.Context, providerState string) (*storage.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clientState, ok := s.flowsByServer[providerState]
	if !ok {
		return nil, storage.ErrFlowNotFound
	}
	return s.flowStateLocked(clientState)
}

func (s *Store) flowStateLocked(clientState string) (*storage.FlowState, error) {
	flow, ok := s.flows[clientState]
	if !ok {
		return nil, storage.ErrFlowNotFound
	}
	if s.expired(flow.ExpiresAt) {
		return nil, fmt.Errorf("%w: flow expired", storage.ErrFlowNotFound)
	}
	cloned := *flow
	return &cloned, nil
}

// DeleteFlowState removes a pending flow and its provider-state index.
func (s *Store) DeleteFlowState(ctx context.Context, clientState string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flow, ok := s.flows[clientState]; ok {
		delete(s.flowsByServer, flow.ProviderState)
		delete(s.flows, clientState)
		s.flowCount.Add(-1)
	}
	return nil
}

// SaveAuthorizationCode records an issued code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	stored := *code
	if err := s.encryptUpstream(&stored.Upstream); err != nil {
		return fmt.Errorf("encrypting code upstream token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = &stored
	return nil
}

// ConsumeAuthorizationCode atomically checks and marks a code consumed.
// Reuse returns the stored record together with ErrCodeConsumed so the
// caller can revoke what the first redemption minted.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if s.expired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired at %s", storage.ErrCodeExpired, record.ExpiresAt.Format(time.RFC3339))
	}
	if record.Consumed {
		cloned := *record
		if err := s.decryptUpstream(&cloned.Upstream); err != nil {
			return nil, err
		}
		return &cloned, storage.ErrCodeConsumed
	}
	record.Consumed = true

	cloned := *record
	if err := s.decryptUpstream(&cloned.Upstream); err != nil {
		return nil, err
	}
	return &cloned, nil
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// --- TokenStore ---

// SaveAccessToken stores an issued access token keyed by value.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("access token value cannot be empty")
	}
	stored := *token
	if err := s.encryptUpstream(&stored.Upstream); err != nil {
		return fmt.Errorf("encrypting upstream token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accessTokens[token.Value]; !exists {
		s.tokenCount.Add(1)
	}
	s.accessTokens[token.Value] = &stored
	return nil
}

// GetAccessToken retrieves a live access token by value.
func (s *Store) GetAccessToken(ctx context.Context, value string) (*storage.AccessToken, error) {
	s.mu.RLock()
	token, ok := s.accessTokens[value]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if s.expired(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired at %s", storage.ErrTokenExpired, token.ExpiresAt.Format(time.RFC3339))
	}
	cloned := *token
	if err := s.decryptUpstream(&cloned.Upstream); err != nil {
		return nil, err
	}
	return &cloned, nil
}

// DeleteAccessToken removes an access token by value.
func (s *Store) DeleteAccessToken(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accessTokens[value]; ok {
		delete(s.accessTokens, value)
		s.tokenCount.Add(-1)
	}
	return nil
}

// SaveRefreshToken stores an issued refresh token keyed by value.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("refresh token value cannot be empty")
	}
	stored := *token
	if err := s.encryptUpstream(&stored.Upstream); err != nil {
		return fmt.Errorf("encrypting upstream token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.Value] = &stored
	return nil
}

// ConsumeRefreshToken atomically marks a refresh token rotated. Reuse of a
// rotated token returns the tombstone together with ErrTokenRotated so the
// caller can revoke the whole family.
func (s *Store) ConsumeRefreshToken(ctx context.Context, value string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[value]
	if !ok {
		return nil, fmt.Errorf("%w: unknown refresh token", storage.ErrTokenNotFound)
	}
	if s.expired(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}
	if token.Rotated {
		cloned := *token
		if err := s.decryptUpstream(&cloned.Upstream); err != nil {
			return nil, err
		}
		return &cloned, storage.ErrTokenRotated
	}
	token.Rotated = true

	cloned := *token
	if err := s.decryptUpstream(&cloned.Upstream); err != nil {
		return nil, err
	}
	return &cloned, nil
}

// DeleteRefreshToken removes a refresh token by value.
func (s *Store) DeleteRefreshToken(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, value)
	return nil
}

// --- FamilyStore ---

// SaveFamily records or advances refresh token family metadata.
func (s *Store) SaveFamily(ctx context.Context, family *storage.TokenFamily) error {
	if family == nil || family.FamilyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *family
	s.families[family.FamilyID] = &cloned
	return nil
}

// GetFamily retrieves family metadata by ID.
func (s *Store) GetFamily(ctx context.Context, familyID string) (*storage.TokenFamily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	family, ok := s.families[familyID]
	if !ok {
		return nil, storage.ErrFamilyNotFound
	}
	cloned := *family
	return &cloned, nil
}

// RevokeFamily marks the family revoked and removes its live refresh tokens.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	family, ok := s.families[familyID]
	if !ok {
		return storage.ErrFamilyNotFound
	}
	family.Revoked = true
	family.RevokedAt = time.Now()
	for value, token := range s.refreshTokens {
		if token.FamilyID == familyID {
			delete(s.refreshTokens, value)
		}
	}
	return nil
}

// --- RevocationStore ---

// RevokeSubjectTokens removes every access and refresh token issued to the
// (subject, clientID) pair, revoking affected families along the way.
func (s *Store) RevokeSubjectTokens(ctx context.Context, subject, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for value, token := range s.accessTokens {
		if token.Subject == subject && token.ClientID == clientID {
			delete(s.accessTokens, value)
			s.tokenCount.Add(-1)
			revoked++
		}
	}
	for value, token := range s.refreshTokens {
		if token.Subject == subject && token.ClientID == clientID {
			if family, ok := s.families[token.FamilyID]; ok {
				family.Revoked = true
				family.RevokedAt = time.Now()
			}
			delete(s.refreshTokens, value)
			revoked++
		}
	}
	if revoked > 0 {
		s.logger.Warn("revoked all tokens for subject and client",
			"subject_hash", security.HashForLogging(subject),
			"client_id", clientID,
			"revoked", revoked)
	}
	return revoked, nil
}

// --- maintenance ---

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Sweep evicts expired flows, codes, and tokens. Exported so tests and
// operators can force a pass.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, flow := range s.flows {
		if s.expired(flow.ExpiresAt) {
			delete(s.flowsByServer, flow.ProviderState)
			delete(s.flows, state)
			s.flowCount.Add(-1)
			removed++
		}
	}
	for code, record := range s.codes {
		if s.expired(record.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	for value, token := range s.accessTokens {
		if s.expired(token.ExpiresAt) {
			delete(s.accessTokens, value)
			s.tokenCount.Add(-1)
			removed++
		}
	}
	for value, token := range s.refreshTokens {
		if s.expired(token.ExpiresAt) {
			delete(s.refreshTokens, value)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("storage sweep", "removed", removed)
	}
}

// Counts returns current gauge values for instrumentation callbacks.
func (s *Store) Counts() (tokens, clients, flows int64) {
	return s.tokenCount.Load(), s.clientCount.Load(), s.flowCount.Load()
}

// encryptUpstream replaces *upstream with an encrypted copy in place.
func (s *Store) encryptUpstream(upstream **oauth2.Token) error {
	return cryptUpstream(upstream, s.encryptor, true)
}

func (s *Store) decryptUpstream(upstream **oauth2.Token) error {
	return cryptUpstream(upstream, s.encryptor, false)
}
