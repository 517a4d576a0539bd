package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	idpmock "github.com/cobaltcove/toolgate/idp/mock"
	"github.com/cobaltcove/toolgate/internal/testutil"
	"github.com/cobaltcove/toolgate/storage"
	storemock "github.com/cobaltcove/toolgate/storage/mock"
)

// mockStoreFixture wires the server against the overridable mock stores so
// tests can inject backend failures at any single call site.
type mockStoreFixture struct {
	server   *Server
	clients  *storemock.MockClientStore
	flows    *storemock.MockFlowStore
	tokens   *storemock.MockTokenStore
	provider *idpmock.MockProvider
}

func newMockStoreFixture(t *testing.T) *mockStoreFixture {
	t.Helper()

	clients := storemock.NewMockClientStore()
	flows := storemock.NewMockFlowStore()
	tokens := storemock.NewMockTokenStore()
	provider := idpmock.NewMockProvider()

	cfg := &Config{
		Issuer:                     "https://auth.example.com",
		FlowStateTTL:               600,
		AuthorizationCodeTTL:       60,
		AccessTokenTTL:             3600,
		RefreshTokenTTL:            86400,
		RotateRefreshTokens:        true,
		RequirePKCE:                true,
		MinStateLength:             8,
		SupportedScopes:            []string{"tools:read", "tools:call"},
		AllowLocalhostRedirectURIs: true,
		MaxClientsPerIP:            10,
	}

	srv, err := New(provider, tokens, clients, flows, cfg, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &mockStoreFixture{server: srv, clients: clients, flows: flows, tokens: tokens, provider: provider}
}

func (f *mockStoreFixture) seedClient(t *testing.T, client *storage.Client) *storage.Client {
	t.Helper()
	if err := f.clients.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	return client
}

func TestStartAuthorizationFlow_FlowStoreWriteFailure(t *testing.T) {
	f := newMockStoreFixture(t)
	client := f.seedClient(t, testutil.NewPublicClient())

	f.flows.SaveFlowFunc = func(_ context.Context, _ *storage.FlowState) error {
		return errors.New("disk full")
	}

	challenge, _ := testutil.GeneratePKCEPair()
	_, err := f.server.StartAuthorizationFlow(context.Background(),
		client.ClientID, client.RedirectURIs[0], "tools:read", challenge, PKCEMethodS256, testutil.GenerateRandomString(16))
	if err == nil {
		t.Fatal("StartAuthorizationFlow() should fail when the flow store write fails")
	}
	if !strings.Contains(err.Error(), "saving flow state") {
		t.Errorf("error = %v, want wrapped flow state save failure", err)
	}
	if errors.Is(err, ErrInvalidGrant) {
		t.Error("a storage failure must not surface as invalid_grant")
	}
	if got := f.flows.CallCounts["SaveFlowState"]; got != 1 {
		t.Errorf("SaveFlowState calls = %d, want 1", got)
	}
}

func TestExchangeAuthorizationCode_StoreFailureStaysGeneric(t *testing.T) {
	f := newMockStoreFixture(t)
	client := f.seedClient(t, testutil.NewPublicClient())

	backendErr := errors.New("backend offline")
	f.flows.ConsumeAuthCodeFunc = func(_ context.Context, _ string) (*storage.AuthorizationCode, error) {
		return nil, backendErr
	}

	_, _, err := f.server.ExchangeAuthorizationCode(context.Background(),
		"some-code", client.ClientID, client.RedirectURIs[0], testutil.GenerateRandomString(64))
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("error = %v, want ErrInvalidGrant", err)
	}
	// The backend detail stays in the debug log and never reaches the client.
	if strings.Contains(err.Error(), "backend offline") {
		t.Errorf("error %q leaks storage detail", err)
	}
	if got := f.flows.CallCounts["ConsumeAuthorizationCode"]; got != 1 {
		t.Errorf("ConsumeAuthorizationCode calls = %d, want 1", got)
	}
}

func TestExchangeAuthorizationCode_AccessTokenWriteFailure(t *testing.T) {
	f := newMockStoreFixture(t)
	client := f.seedClient(t, testutil.NewPublicClient())

	code := testutil.NewAuthorizationCode(client)
	code.CodeChallenge = ""
	code.CodeChallengeMethod = ""
	if err := f.flows.SaveAuthorizationCode(context.Background(), code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	f.tokens.SaveAccessFunc = func(_ context.Context, _ *storage.AccessToken) error {
		return errors.New("write timeout")
	}

	_, _, err := f.server.ExchangeAuthorizationCode(context.Background(),
		code.Code, client.ClientID, code.RedirectURI, "")
	if err == nil {
		t.Fatal("ExchangeAuthorizationCode() should fail when the token write fails")
	}
	if !strings.Contains(err.Error(), "saving access token") {
		t.Errorf("error = %v, want wrapped token save failure", err)
	}
}

func TestValidateAccessToken_StoreReadFailure(t *testing.T) {
	f := newMockStoreFixture(t)

	backendErr := errors.New("connection reset")
	f.tokens.GetAccessFunc = func(_ context.Context, _ string) (*storage.AccessToken, error) {
		return nil, backendErr
	}

	_, err := f.server.ValidateAccessToken(context.Background(), "opaque-token")
	if !errors.Is(err, backendErr) {
		t.Fatalf("error = %v, want the store failure propagated", err)
	}
	if got := f.tokens.CallCounts["GetAccessToken"]; got != 1 {
		t.Errorf("GetAccessToken calls = %d, want 1", got)
	}
}

func TestRefreshAccessToken_StoreFailureStaysGeneric(t *testing.T) {
	f := newMockStoreFixture(t)
	client := f.seedClient(t, testutil.NewPublicClient())

	f.tokens.ConsumeRefreshFunc = func(_ context.Context, _ string) (*storage.RefreshToken, error) {
		return nil, errors.New("backend offline")
	}

	_, err := f.server.RefreshAccessToken(context.Background(), "some-refresh-token", client.ClientID)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("error = %v, want ErrInvalidGrant", err)
	}
	if strings.Contains(err.Error(), "backend offline") {
		t.Errorf("error %q leaks storage detail", err)
	}
}
