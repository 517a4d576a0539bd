// Package mock provides mock implementations of storage interfaces for testing.
// Every method delegates to an overridable function field so tests can inject
// failures, while the defaults behave like a small in-memory store.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cobaltcove/toolgate/storage"
)

// Compile-time interface checks.
var (
	_ storage.ClientStore     = (*MockClientStore)(nil)
	_ storage.FlowStore       = (*MockFlowStore)(nil)
	_ storage.TokenStore      = (*MockTokenStore)(nil)
	_ storage.FamilyStore     = (*MockTokenStore)(nil)
	_ storage.RevocationStore = (*MockTokenStore)(nil)
)

// MockClientStore is a mock implementation of ClientStore for testing.
type MockClientStore struct {
	mu                 sync.RWMutex
	clients            map[string]*storage.Client
	SaveClientFunc     func(ctx context.Context, client *storage.Client) error
	GetClientFunc      func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateSecretFunc func(ctx context.Context, clientID, clientSecret string) error
	ListClientsFunc    func(ctx context.Context) ([]*storage.Client, error)
	CheckIPLimitFunc   func(ctx context.Context, ip string, maxClientsPerIP int) error
	CallCounts         map[string]int
}

// NewMockClientStore creates a new mock client store.
func NewMockClientStore() *MockClientStore {
	m := &MockClientStore{
		clients:    make(map[string]*storage.Client),
		CallCounts: make(map[string]int),
	}

	m.SaveClientFunc = func(_ context.Context, client *storage.Client) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.clients[client.ClientID] = client
		return nil
	}

	m.GetClientFunc = func(_ context.Context, clientID string) (*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		client, ok := m.clients[clientID]
		if !ok {
			return nil, storage.ErrClientNotFound
		}
		return client, nil
	}

	m.ValidateSecretFunc = func(_ context.Context, clientID, clientSecret string) error {
		// Dummy hash keeps the comparison constant-time for unknown clients.
		dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

		m.mu.RLock()
		client, ok := m.clients[clientID]
		m.mu.RUnlock()

		hashToCompare := dummyHash
		if ok && client.SecretHash != "" {
			hashToCompare = client.SecretHash
		}
		cmpErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))
		if !ok || client.SecretHash == "" || cmpErr != nil {
			return fmt.Errorf("invalid client credentials")
		}
		return nil
	}

	m.ListClientsFunc = func(_ context.Context) ([]*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		clients := make([]*storage.Client, 0, len(m.clients))
		for _, client := range m.clients {
			clients = append(clients, client)
		}
		return clients, nil
	}

	m.CheckIPLimitFunc = func(_ context.Context, ip string, maxClientsPerIP int) error {
		if maxClientsPerIP <= 0 {
			return nil
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		count := 0
		for _, client := range m.clients {
			if client.RegistrationIP == ip {
				count++
			}
		}
		if count >= maxClientsPerIP {
			return fmt.Errorf("client registration limit reached for IP %s", ip)
		}
		return nil
	}

	return m
}

// SaveClient saves a registered client.
func (m *MockClientStore) SaveClient(ctx context.Context, client *storage.Client) error {
	m.CallCounts["SaveClient"]++
	return m.SaveClientFunc(ctx, client)
}

// GetClient retrieves a client by ID.
func (m *MockClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.CallCounts["GetClient"]++
	return m.GetClientFunc(ctx, clientID)
}

// ValidateClientSecret validates a client's secret.
func (m *MockClientStore) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	m.CallCounts["ValidateClientSecret"]++
	return m.ValidateSecretFunc(ctx, clientID, clientSecret)
}

// ListClients lists all registered clients.
func (m *MockClientStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.CallCounts["ListClients"]++
	return m.ListClientsFunc(ctx)
}

// CheckIPLimit checks if an IP has reached the registration limit.
func (m *MockClientStore) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	m.CallCounts["CheckIPLimit"]++
	return m.CheckIPLimitFunc(ctx, ip, maxClientsPerIP)
}

// ResetCallCounts resets all call counters.
func (m *MockClientStore) ResetCallCounts() {
	m.CallCounts = make(map[string]int)
}

// MockFlowStore is a mock implementation of FlowStore for testing.
type MockFlowStore struct {
	mu                      sync.RWMutex
	flows                   map[string]*storage.FlowState
	flowsByProvider         map[string]*storage.FlowState
	codes                   map[string]*storage.AuthorizationCode
	SaveFlowFunc            func(ctx context.Context, flow *storage.FlowState) error
	GetFlowFunc             func(ctx context.Context, clientState string) (*storage.FlowState, error)
	GetFlowByProviderFunc   func(ctx context.Context, providerState string) (*storage.FlowState, error)
	DeleteFlowFunc          func(ctx context.Context, clientState string) error
	SaveAuthCodeFunc        func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthCodeFunc     func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteAuthCodeFunc      func(ctx context.Context, code string) error
	CallCounts              map[string]int
}

// NewMockFlowStore creates a new mock flow store.
func NewMockFlowStore() *MockFlowStore {
	m := &MockFlowStore{
		flows:           make(map[string]*storage.FlowState),
		flowsByProvider: make(map[string]*storage.FlowState),
		codes:           make(map[string]*storage.AuthorizationCode),
		CallCounts:      make(map[string]int),
	}

	m.SaveFlowFunc = func(_ context.Context, flow *storage.FlowState) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.flows[flow.ClientState] = flow
		m.flowsByProvider[flow.ProviderState] = flow
		return nil
	}

	m.GetFlowFunc = func(_ context.Context, clientState string) (*storage.FlowState, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		flow, ok := m.flows[clientState]
		if !ok {
			return nil, storage.ErrFlowNotFound
		}
		if !flow.ExpiresAt.IsZero() && time.Now().After(flow.ExpiresAt) {
			return nil, fmt.Errorf("%w: flow expired", storage.ErrFlowNotFound)
		}
		return flow, nil
	}

	m.GetFlowByProviderFunc = func(_ context.Context, providerState string) (*storage.FlowState, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		flow, ok := m.flowsByProvider[providerState]
		if !ok {
			return nil, storage.ErrFlowNotFound
		}
		if !flow.ExpiresAt.IsZero() && time.Now().After(flow.ExpiresAt) {
			return nil, fmt.Errorf("%w: flow expired", storage.ErrFlowNotFound)
		}
		return flow, nil
	}

	m.DeleteFlowFunc = func(_ context.Context, clientState string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if flow, ok := m.flows[clientState]; ok {
			delete(m.flowsByProvider, flow.ProviderState)
		}
		delete(m.flows, clientState)
		return nil
	}

	m.SaveAuthCodeFunc = func(_ context.Context, code *storage.AuthorizationCode) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.codes[code.Code] = code
		return nil
	}

	m.ConsumeAuthCodeFunc = func(_ context.Context, code string) (*storage.AuthorizationCode, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		record, ok := m.codes[code]
		if !ok {
			return nil, storage.ErrCodeNotFound
		}
		if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
			return nil, storage.ErrCodeExpired
		}
		if record.Consumed {
			return record, storage.ErrCodeConsumed
		}
		record.Consumed = true
		return record, nil
	}

	m.DeleteAuthCodeFunc = func(_ context.Context, code string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.codes, code)
		return nil
	}

	return m
}

// SaveFlowState saves the state of a pending authorization flow.
func (m *MockFlowStore) SaveFlowState(ctx context.Context, flow *storage.FlowState) error {
	m.CallCounts["SaveFlowState"]++
	return m.SaveFlowFunc(ctx, flow)
}

// GetFlowState retrieves a flow by client state.
func (m *MockFlowStore) GetFlowState(ctx context.Context, clientState string) (*storage.FlowState, error) {
	m.CallCounts["GetFlowState"]++
	return m.GetFlowFunc(ctx, clientState)
}

// GetFlowStateByProviderState retrieves a flow by provider state.
func (m *MockFlowStore) GetFlowStateByProviderState(ctx context.Context, providerState string) (*storage.FlowState, error) {
	m.CallCounts["GetFlowStateByProviderState"]++
	return m.GetFlowByProviderFunc(ctx, providerState)
}

// DeleteFlowState removes a flow.
func (m *MockFlowStore) DeleteFlowState(ctx context.Context, clientState string) error {
	m.CallCounts["DeleteFlowState"]++
	return m.DeleteFlowFunc(ctx, clientState)
}

// SaveAuthorizationCode saves an issued authorization code.
func (m *MockFlowStore) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.CallCounts["SaveAuthorizationCode"]++
	return m.SaveAuthCodeFunc(ctx, code)
}

// ConsumeAuthorizationCode atomically marks a code consumed.
func (m *MockFlowStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.CallCounts["ConsumeAuthorizationCode"]++
	return m.ConsumeAuthCodeFunc(ctx, code)
}

// DeleteAuthorizationCode removes an authorization code.
func (m *MockFlowStore) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.CallCounts["DeleteAuthorizationCode"]++
	return m.DeleteAuthCodeFunc(ctx, code)
}

// ResetCallCounts resets all call counters.
func (m *MockFlowStore) ResetCallCounts() {
	m.CallCounts = make(map[string]int)
}

// MockTokenStore is a mock implementation of TokenStore, FamilyStore, and
// RevocationStore for testing.
type MockTokenStore struct {
	mu                 sync.RWMutex
	accessTokens       map[string]*storage.AccessToken
	refreshTokens      map[string]*storage.RefreshToken
	families           map[string]*storage.TokenFamily
	SaveAccessFunc     func(ctx context.Context, token *storage.AccessToken) error
	GetAccessFunc      func(ctx context.Context, value string) (*storage.AccessToken, error)
	DeleteAccessFunc   func(ctx context.Context, value string) error
	SaveRefreshFunc    func(ctx context.Context, token *storage.RefreshToken) error
	ConsumeRefreshFunc func(ctx context.Context, value string) (*storage.RefreshToken, error)
	DeleteRefreshFunc  func(ctx context.Context, value string) error
	SaveFamilyFunc     func(ctx context.Context, family *storage.TokenFamily) error
	GetFamilyFunc      func(ctx context.Context, familyID string) (*storage.TokenFamily, error)
	RevokeFamilyFunc   func(ctx context.Context, familyID string) error
	RevokeSubjectFunc  func(ctx context.Context, subject, clientID string) (int, error)
	CallCounts         map[string]int
}

// NewMockTokenStore creates a new mock token store.
func NewMockTokenStore() *MockTokenStore {
	m := &MockTokenStore{
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		families:      make(map[string]*storage.TokenFamily),
		CallCounts:    make(map[string]int),
	}

	m.SaveAccessFunc = func(_ context.Context, token *storage.AccessToken) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.accessTokens[token.Value] = token
		return nil
	}

	m.GetAccessFunc = func(_ context.Context, value string) (*storage.AccessToken, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		token, ok := m.accessTokens[value]
		if !ok {
			return nil, storage.ErrTokenNotFound
		}
		if !token.ExpiresAt.IsZero() && time.Now().After(token.ExpiresAt) {
			return nil, storage.ErrTokenExpired
		}
		return token, nil
	}

	m.DeleteAccessFunc = func(_ context.Context, value string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.accessTokens, value)
		return nil
	}

	m.SaveRefreshFunc = func(_ context.Context, token *storage.RefreshToken) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.refreshTokens[token.Value] = token
		return nil
	}

	m.ConsumeRefreshFunc = func(_ context.Context, value string) (*storage.RefreshToken, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		token, ok := m.refreshTokens[value]
		if !ok {
			return nil, fmt.Errorf("%w: unknown refresh token", storage.ErrTokenNotFound)
		}
		if !token.ExpiresAt.IsZero() && time.Now().After(token.ExpiresAt) {
			return nil, storage.ErrTokenExpired
		}
		if token.Rotated {
			return token, storage.ErrTokenRotated
		}
		token.Rotated = true
		return token, nil
	}

	m.DeleteRefreshFunc = func(_ context.Context, value string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.refreshTokens, value)
		return nil
	}

	m.SaveFamilyFunc = func(_ context.Context, family *storage.TokenFamily) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.families[family.FamilyID] = family
		return nil
	}

	m.GetFamilyFunc = func(_ context.Context, familyID string) (*storage.TokenFamily, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		family, ok := m.families[familyID]
		if !ok {
			return nil, storage.ErrFamilyNotFound
		}
		return family, nil
	}

	m.RevokeFamilyFunc = func(_ context.Context, familyID string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		family, ok := m.families[familyID]
		if !ok {
			return storage.ErrFamilyNotFound
		}
		family.Revoked = true
		family.RevokedAt = time.Now()
		for value, token := range m.refreshTokens {
			if token.FamilyID == familyID {
				delete(m.refreshTokens, value)
			}
		}
		return nil
	}

	m.RevokeSubjectFunc = func(_ context.Context, subject, clientID string) (int, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		revoked := 0
		for value, token := range m.accessTokens {
			if token.Subject == subject && token.ClientID == clientID {
				delete(m.accessTokens, value)
				revoked++
			}
		}
		for value, token := range m.refreshTokens {
			if token.Subject == subject && token.ClientID == clientID {
				delete(m.refreshTokens, value)
				revoked++
			}
		}
		return revoked, nil
	}

	return m
}

// SaveAccessToken stores an access token.
func (m *MockTokenStore) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.CallCounts["SaveAccessToken"]++
	return m.SaveAccessFunc(ctx, token)
}

// GetAccessToken retrieves an access token by value.
func (m *MockTokenStore) GetAccessToken(ctx context.Context, value string) (*storage.AccessToken, error) {
	m.CallCounts["GetAccessToken"]++
	return m.GetAccessFunc(ctx, value)
}

// DeleteAccessToken removes an access token.
func (m *MockTokenStore) DeleteAccessToken(ctx context.Context, value string) error {
	m.CallCounts["DeleteAccessToken"]++
	return m.DeleteAccessFunc(ctx, value)
}

// SaveRefreshToken stores a refresh token.
func (m *MockTokenStore) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.CallCounts["SaveRefreshToken"]++
	return m.SaveRefreshFunc(ctx, token)
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
func (m *MockTokenStore) ConsumeRefreshToken(ctx context.Context, value string) (*storage.RefreshToken, error) {
	m.CallCounts["ConsumeRefreshToken"]++
	return m.ConsumeRefreshFunc(ctx, value)
}

// DeleteRefreshToken removes a refresh token.
func (m *MockTokenStore) DeleteRefreshToken(ctx context.Context, value string) error {
	m.CallCounts["DeleteRefreshToken"]++
	return m.DeleteRefreshFunc(ctx, value)
}

// SaveFamily stores refresh token family metadata.
func (m *MockTokenStore) SaveFamily(ctx context.Context, family *storage.TokenFamily) error {
	m.CallCounts["SaveFamily"]++
	return m.SaveFamilyFunc(ctx, family)
}

// GetFamily retrieves family metadata by ID.
func (m *MockTokenStore) GetFamily(ctx context.Context, familyID string) (*storage.TokenFamily, error) {
	m.CallCounts["GetFamily"]++
	return m.GetFamilyFunc(ctx, familyID)
}

// RevokeFamily marks a family revoked and drops its refresh tokens.
func (m *MockTokenStore) RevokeFamily(ctx context.Context, familyID string) error {
	m.CallCounts["RevokeFamily"]++
	return m.RevokeFamilyFunc(ctx, familyID)
}

// RevokeSubjectTokens removes every token for the subject and client pair.
func (m *MockTokenStore) RevokeSubjectTokens(ctx context.Context, subject, clientID string) (int, error) {
	m.CallCounts["RevokeSubjectTokens"]++
	return m.RevokeSubjectFunc(ctx, subject, clientID)
}

// ResetCallCounts resets all call counters.
func (m *MockTokenStore) ResetCallCounts() {
	m.CallCounts = make(map[string]int)
}
