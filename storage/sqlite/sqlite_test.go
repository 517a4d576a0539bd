package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cobaltcove/toolgate/internal/testutil"
	"github.com/cobaltcove/toolgate/security"
	"github.com/cobaltcove/toolgate/storage"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "toolgate.db"), opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_ClientRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := testutil.NewConfidentialClient()
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.Name != client.Name {
		t.Errorf("Name = %q, want %q", got.Name, client.Name)
	}
	if len(got.RedirectURIs) != len(client.RedirectURIs) || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("RedirectURIs = %v, want %v", got.RedirectURIs, client.RedirectURIs)
	}

	if err := store.ValidateClientSecret(ctx, client.ClientID, testutil.TestClientSecret); err != nil {
		t.Errorf("ValidateClientSecret() error = %v", err)
	}
	if err := store.ValidateClientSecret(ctx, client.ClientID, "wrong"); err == nil {
		t.Error("ValidateClientSecret() with wrong secret should fail")
	}
}

func TestStore_GetClient_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetClient(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want %v", err, storage.ErrClientNotFound)
	}
}

func TestStore_CheckIPLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		client := testutil.NewPublicClient()
		client.ClientID = testutil.GenerateRandomString(16)
		client.RegistrationIP = "203.0.113.9"
		if err := store.SaveClient(ctx, client); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	if err := store.CheckIPLimit(ctx, "203.0.113.9", 2); err == nil {
		t.Error("CheckIPLimit() at limit should fail")
	}
	if err := store.CheckIPLimit(ctx, "203.0.113.9", 3); err != nil {
		t.Errorf("CheckIPLimit() under limit error = %v", err)
	}
}

func TestStore_FlowStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	flow := testutil.NewFlowState(testutil.NewPublicClient())
	if err := store.SaveFlowState(ctx, flow); err != nil {
		t.Fatalf("SaveFlowState() error = %v", err)
	}

	got, err := store.GetFlowStateByProviderState(ctx, flow.ProviderState)
	if err != nil {
		t.Fatalf("GetFlowStateByProviderState() error = %v", err)
	}
	if got.ProviderVerifier != flow.ProviderVerifier {
		t.Errorf("ProviderVerifier = %q, want %q", got.ProviderVerifier, flow.ProviderVerifier)
	}
	testutil.AssertTimeEqual(t, got.ExpiresAt, flow.ExpiresAt, time.Second)

	if err := store.DeleteFlowState(ctx, flow.ClientState); err != nil {
		t.Fatalf("DeleteFlowState() error = %v", err)
	}
	if _, err := store.GetFlowState(ctx, flow.ClientState); !errors.Is(err, storage.ErrFlowNotFound) {
		t.Errorf("GetFlowState() after delete error = %v, want %v", err, storage.ErrFlowNotFound)
	}
}

func TestStore_ConsumeAuthorizationCode_ExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.NewAuthorizationCode(testutil.NewPublicClient())
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.ConsumeAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.Subject != code.Subject {
		t.Errorf("Subject = %q, want %q", got.Subject, code.Subject)
	}
	if got.Upstream == nil || got.Upstream.AccessToken != code.Upstream.AccessToken {
		t.Error("upstream token set should round-trip")
	}

	reused, err := store.ConsumeAuthorizationCode(ctx, code.Code)
	if !errors.Is(err, storage.ErrCodeConsumed) {
		t.Fatalf("second ConsumeAuthorizationCode() error = %v, want %v", err, storage.ErrCodeConsumed)
	}
	if reused == nil || reused.Subject != code.Subject {
		t.Error("consumed record should identify the original subject")
	}
}

func TestStore_AccessTokenRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := testutil.NewAccessToken(testutil.NewPublicClient())
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	got, err := store.GetAccessToken(ctx, token.Value)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if got.Scope != token.Scope {
		t.Errorf("Scope = %q, want %q", got.Scope, token.Scope)
	}
	if got.Identity == nil || got.Identity.Email != token.Identity.Email {
		t.Error("identity should round-trip")
	}
}

func TestStore_GetAccessToken_Expired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := testutil.NewAccessToken(testutil.NewPublicClient())
	token.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	if _, err := store.GetAccessToken(ctx, token.Value); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("GetAccessToken() error = %v, want %v", err, storage.ErrTokenExpired)
	}
}

func TestStore_ConsumeRefreshToken_RotationTombstone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := testutil.NewRefreshToken(testutil.NewPublicClient())
	if err := store.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	if _, err := store.ConsumeRefreshToken(ctx, token.Value); err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}

	reused, err := store.ConsumeRefreshToken(ctx, token.Value)
	if !errors.Is(err, storage.ErrTokenRotated) {
		t.Fatalf("second ConsumeRefreshToken() error = %v, want %v", err, storage.ErrTokenRotated)
	}
	if reused == nil || reused.FamilyID != token.FamilyID {
		t.Error("rotated record should identify the token family")
	}
}

func TestStore_FamilyRevocation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := testutil.NewRefreshToken(testutil.NewPublicClient())
	family := &storage.TokenFamily{
		FamilyID:   token.FamilyID,
		Subject:    token.Subject,
		ClientID:   token.ClientID,
		Generation: 1,
		IssuedAt:   time.Now(),
	}
	if err := store.SaveFamily(ctx, family); err != nil {
		t.Fatalf("SaveFamily() error = %v", err)
	}
	if err := store.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	if err := store.RevokeFamily(ctx, token.FamilyID); err != nil {
		t.Fatalf("RevokeFamily() error = %v", err)
	}

	got, err := store.GetFamily(ctx, token.FamilyID)
	if err != nil {
		t.Fatalf("GetFamily() error = %v", err)
	}
	if !got.Revoked {
		t.Error("family should be marked revoked")
	}
	if _, err := store.ConsumeRefreshToken(ctx, token.Value); err == nil {
		t.Error("ConsumeRefreshToken() for revoked family member should fail")
	}
}

func TestStore_RevokeSubjectTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := testutil.NewPublicClient()
	at := testutil.NewAccessToken(client)
	rt := testutil.NewRefreshToken(client)

	if err := store.SaveAccessToken(ctx, at); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}
	if err := store.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	revoked, err := store.RevokeSubjectTokens(ctx, at.Subject, client.ClientID)
	if err != nil {
		t.Fatalf("RevokeSubjectTokens() error = %v", err)
	}
	if revoked != 2 {
		t.Errorf("RevokeSubjectTokens() = %d, want 2", revoked)
	}
	if _, err := store.GetAccessToken(ctx, at.Value); err == nil {
		t.Error("access token should be gone after subject revocation")
	}
}

func TestStore_Sweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := testutil.NewAccessToken(testutil.NewPublicClient())
	token.ExpiresAt = time.Now().Add(-time.Hour)
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	if err := store.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	// The row is gone entirely, not just filtered on read.
	if _, err := store.GetAccessToken(ctx, token.Value); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetAccessToken() after sweep error = %v, want %v", err, storage.ErrTokenNotFound)
	}
}

func TestStore_EncryptedUpstreamRoundTrip(t *testing.T) {
	key, err := security.GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	store := newTestStore(t, WithEncryptor(enc))
	ctx := context.Background()

	token := testutil.NewAccessToken(testutil.NewPublicClient())
	upstream := token.Upstream.AccessToken
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	got, err := store.GetAccessToken(ctx, token.Value)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if got.Upstream.AccessToken != upstream {
		t.Error("encrypted upstream token should decrypt to the original value")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolgate.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	client := testutil.NewConfidentialClient()
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() after reopen error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}
}
