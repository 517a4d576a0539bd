package toolgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/cobaltcove/toolgate/idp/mock"
	"github.com/cobaltcove/toolgate/internal/testutil"
	"github.com/cobaltcove/toolgate/server"
	"github.com/cobaltcove/toolgate/storage"
	"github.com/cobaltcove/toolgate/storage/memory"
)

type handlerFixture struct {
	handler  *Handler
	server   *server.Server
	store    *memory.Store
	provider *mock.MockProvider
}

func newHandlerFixture(t *testing.T, issuer string) *handlerFixture {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	provider := mock.NewMockProvider()

	cfg := &server.Config{
		Issuer:                     issuer,
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

	srv, err := server.New(provider, store, store, store, cfg, slog.Default())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	return &handlerFixture{
		handler:  NewHandler(srv, slog.Default()),
		server:   srv,
		store:    store,
		provider: provider,
	}
}

func (f *handlerFixture) seedClient(t *testing.T, client *storage.Client) *storage.Client {
	t.Helper()
	if err := f.store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	return client
}

// runFlow drives a full authorization round trip over HTTP and returns
// the authorization code, the PKCE verifier, and the client's state.
func (f *handlerFixture) runFlow(t *testing.T, client *storage.Client) (code, verifier, clientState string) {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	clientState = testutil.GenerateRandomString(16)

	q := url.Values{
		"client_id":             {client.ClientID},
		"redirect_uri":          {client.RedirectURIs[0]},
		"scope":                 {"tools:read"},
		"state":                 {clientState},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	rec := httptest.NewRecorder()
	f.handler.ServeAuthorization(rec, httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}

	idpURL, err := url.Parse(rec.Header().Get("Location"))
	testutil.AssertNoError(t, err)
	providerState := idpURL.Query().Get("state")
	if providerState == "" {
		t.Fatal("authorize redirect carries no provider state")
	}
	if providerState == clientState {
		t.Fatal("provider leg reuses the client's state value")
	}

	cb := url.Values{"code": {"idp-code"}, "state": {providerState}}
	rec = httptest.NewRecorder()
	f.handler.ServeCallback(rec, httptest.NewRequest(http.MethodGet, PathCallback+"?"+cb.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body %s", rec.Code, rec.Body.String())
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	testutil.AssertNoError(t, err)
	if got := loc.Query().Get("state"); got != clientState {
		t.Fatalf("callback redirect state = %q, want %q", got, clientState)
	}
	code = loc.Query().Get("code")
	if code == "" {
		t.Fatal("callback redirect carries no authorization code")
	}
	return code, verifier, clientState
}

func (f *handlerFixture) postForm(t *testing.T, path string, form url.Values, basicUser, basicPass string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeToken(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	return v
}

func TestServeAuthorizationServerMetadata(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")

	rec := httptest.NewRecorder()
	f.handler.ServeAuthorizationServerMetadata(rec,
		httptest.NewRequest(http.MethodGet, MetadataPathAuthServer, nil))
	testutil.AssertEqual(t, rec.Code, http.StatusOK)

	md := decodeJSON[AuthorizationServerMetadata](t, rec)
	testutil.AssertEqual(t, md.Issuer, "https://auth.example.com")
	testutil.AssertEqual(t, md.AuthorizationEndpoint, "https://auth.example.com/authorize")
	testutil.AssertEqual(t, md.TokenEndpoint, "https://auth.example.com/token")
	testutil.AssertEqual(t, md.RevocationEndpoint, "https://auth.example.com/revoke")
	testutil.AssertEqual(t, md.IntrospectionEndpoint, "https://auth.example.com/introspect")
	testutil.AssertEqual(t, md.CodeChallengeMethodsSupported[0], "S256")
	testutil.AssertEqual(t, md.ResponseTypesSupported[0], "code")

	// Registration is disabled, so the endpoint must not be advertised.
	testutil.AssertEqual(t, md.RegistrationEndpoint, "")
}

func TestServeAuthorizationServerMetadata_AdvertisesRegistration(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	f.server.Config.EnableClientRegistration = true

	rec := httptest.NewRecorder()
	f.handler.ServeAuthorizationServerMetadata(rec,
		httptest.NewRequest(http.MethodGet, MetadataPathAuthServer, nil))

	md := decodeJSON[AuthorizationServerMetadata](t, rec)
	testutil.AssertEqual(t, md.RegistrationEndpoint, "https://auth.example.com/register")
}

func TestServeProtectedResourceMetadata(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	f.handler.Resource = "https://tools.example.com"

	rec := httptest.NewRecorder()
	f.handler.ServeProtectedResourceMetadata(rec,
		httptest.NewRequest(http.MethodGet, MetadataPathProtectedResource, nil))
	testutil.AssertEqual(t, rec.Code, http.StatusOK)

	md := decodeJSON[ProtectedResourceMetadata](t, rec)
	testutil.AssertEqual(t, md.Resource, "https://tools.example.com")
	testutil.AssertEqual(t, md.AuthorizationServers[0], "https://auth.example.com")
	testutil.AssertEqual(t, md.BearerMethodsSupported[0], "header")
}

func TestServeProtectedResourceMetadata_DefaultsToIssuer(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")

	rec := httptest.NewRecorder()
	f.handler.ServeProtectedResourceMetadata(rec,
		httptest.NewRequest(http.MethodGet, MetadataPathProtectedResource, nil))

	md := decodeJSON[ProtectedResourceMetadata](t, rec)
	testutil.AssertEqual(t, md.Resource, "https://auth.example.com")
}

func TestDiscoveryRoutes_IssuerWithPath(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com/tenant1")

	mux := http.NewServeMux()
	f.handler.RegisterAuthorizationServerMetadataRoutes(mux)

	paths := []string{
		MetadataPathAuthServer,
		MetadataPathOIDC,
		MetadataPathAuthServer + "/tenant1",
		MetadataPathOIDC + "/tenant1",
		"/tenant1" + MetadataPathOIDC,
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
			testutil.AssertEqual(t, rec.Code, http.StatusOK)

			md := decodeJSON[AuthorizationServerMetadata](t, rec)
			testutil.AssertEqual(t, md.Issuer, "https://auth.example.com/tenant1")
			testutil.AssertEqual(t, md.TokenEndpoint, "https://auth.example.com/tenant1/token")
		})
	}
}

func TestServeAuthorization_RequestValidation(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	f.seedClient(t, testutil.NewPublicClient())

	tests := []struct {
		name       string
		query      url.Values
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing client_id",
			query:      url.Values{"state": {"long-enough-state"}},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "missing state",
			query:      url.Values{"client_id": {"test-public-client"}},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "state too short",
			query:      url.Values{"client_id": {"test-public-client"}, "state": {"abc"}},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name: "unknown client",
			query: url.Values{
				"client_id": {"no-such-client"},
				"state":     {"long-enough-state"},
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrorCodeInvalidClient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.ServeAuthorization(rec,
				httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+tt.query.Encode(), nil))
			testutil.AssertEqual(t, rec.Code, tt.wantStatus)

			resp := decodeJSON[ErrorResponse](t, rec)
			testutil.AssertEqual(t, resp.Error, tt.wantError)
		})
	}
}

func TestServeCallback_IdPErrorPassthrough(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")

	q := url.Values{"error": {"access_denied"}, "error_description": {"user declined"}}
	rec := httptest.NewRecorder()
	f.handler.ServeCallback(rec, httptest.NewRequest(http.MethodGet, PathCallback+"?"+q.Encode(), nil))
	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)

	resp := decodeJSON[ErrorResponse](t, rec)
	testutil.AssertEqual(t, resp.Error, "access_denied")
}

func TestTokenEndpoint_AuthorizationCodeGrant(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	client := f.seedClient(t, testutil.NewPublicClient())
	code, verifier, _ := f.runFlow(t, client)

	rec := f.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {client.ClientID},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
	}, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	testutil.AssertEqual(t, rec.Header().Get("Cache-Control"), "no-store")

	resp := decodeJSON[TokenResponse](t, rec)
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("token response missing tokens: %+v", resp)
	}
	testutil.AssertEqual(t, resp.TokenType, "Bearer")
	testutil.AssertEqual(t, resp.Scope, "tools:read")
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want > 0", resp.ExpiresIn)
	}
}

func TestTokenEndpoint_CodeReplayDenied(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	client := f.seedClient(t, testutil.NewPublicClient())
	code, verifier, _ := f.runFlow(t, client)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {client.ClientID},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
	}
	testutil.AssertEqual(t, f.postForm(t, PathToken, form, "", "").Code, http.StatusOK)

	rec := f.postForm(t, PathToken, form, "", "")
	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	resp := decodeJSON[ErrorResponse](t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidGrant)
	// The client never learns the code was replayed rather than expired.
	testutil.AssertStringContains(t, resp.ErrorDescription, "invalid or expired")
}

func TestTokenEndpoint_ConfidentialClientBasicAuth(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	client := f.seedClient(t, testutil.NewConfidentialClient())
	code, verifier, _ := f.runFlow(t, client)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
	}

	rec := f.postForm(t, PathToken, form, client.ClientID, "wrong-secret")
	testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
	resp := decodeJSON[ErrorResponse](t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidClient)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 response missing WWW-Authenticate header")
	}

	rec = f.postForm(t, PathToken, form, client.ClientID, testutil.TestClientSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestTokenEndpoint_ConfidentialClientRequiresSecret(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	client := f.seedClient(t, testutil.NewConfidentialClient())
	code, verifier, _ := f.runFlow(t, client)

	rec := f.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {client.ClientID},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
	}, "", "")
	testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
	resp := decodeJSON[ErrorResponse](t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidClient)
}

func TestTokenEndpoint_RefreshTokenGrant(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	client := f.seedClient(t, testutil.NewPublicClient())
	code, verifier, _ := f.runFlow(t, client)

	rec := f.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {client.ClientID},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
	}, "", "")
	first := decodeJSON[TokenResponse](t, rec)

	rec = f.postForm(t, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
		"client_id":     {client.ClientID},
	}, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}

	second := decodeJSON[TokenResponse](t, rec)
	if second.AccessToken == first.AccessToken {
		t.Error("refresh returned the same access token")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The rotated-out token must be dead.
	rec = f.postForm(t, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
		"client_id":     {client.ClientID},
	}, "", "")
	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	resp := decodeJSON[ErrorResponse](t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidGrant)
}

func TestTokenEndpoint_UnsupportedGrantType(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")

	rec := f.postForm(t, PathToken, url.Values{"grant_type": {"password"}}, "", "")
	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	resp := decodeJSON[ErrorResponse](t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeUnsupportedGrantType)
}

func TestServeTokenRevocation_AlwaysReturnsOK(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	client := f.seedClient(t, testutil.NewPublicClient())
	code, verifier, _ := f.runFlow(t, client)

	rec := f.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {client.ClientID},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
	}, "", "")
	tokens := decodeJSON[TokenResponse](t, rec)

	revoke := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathRevoke,
			strings.NewReader(url.Values{"token": {token}, "client_id": {client.ClientID}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		f.handler.ServeTokenRevocation(w, req)
		return w
	}

	testutil.AssertEqual(t, revoke(tokens.AccessToken).Code, http.StatusOK)
	testutil.AssertEqual(t, revoke("completely-unknown-token").Code, http.StatusOK)

	// The revoked access token no longer validates.
	_, err := f.server.ValidateAccessToken(context.Background(), tokens.AccessToken)
	testutil.AssertError(t, err)
}

func TestServeClientRegistration(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	f.server.Config.EnableClientRegistration = true

	register := func(body string, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathRegister, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		w := httptest.NewRecorder()
		f.handler.ServeClientRegistration(w, req)
		return w
	}

	rec := register(`{
		"client_name": "Test App",
		"redirect_uris": ["https://app.example.com/callback"],
		"scope": "tools:read tools:call"
	}`, "")
	testutil.AssertEqual(t, rec.Code, http.StatusCreated)

	resp := decodeJSON[ClientRegistrationResponse](t, rec)
	if resp.ClientID == "" || resp.ClientSecret == "" {
		t.Fatalf("registration response missing credentials: %+v", resp)
	}
	testutil.AssertEqual(t, resp.ClientType, server.ClientTypeConfidential)
	testutil.AssertEqual(t, resp.Scope, "tools:read tools:call")

	t.Run("invalid JSON", func(t *testing.T) {
		rec := register(`{not json`, "")
		testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	})

	t.Run("unsupported auth method", func(t *testing.T) {
		rec := register(`{"redirect_uris": ["https://app.example.com/callback"], "token_endpoint_auth_method": "private_key_jwt"}`, "")
		testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	})

	t.Run("bad redirect URI", func(t *testing.T) {
		rec := register(`{"redirect_uris": ["https://app.example.com/callback#frag"]}`, "")
		testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
		resp := decodeJSON[ErrorResponse](t, rec)
		testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidRedirectURI)
	})
}

func TestServeClientRegistration_Disabled(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")

	req := httptest.NewRequest(http.MethodPost, PathRegister,
		strings.NewReader(`{"redirect_uris": ["https://app.example.com/callback"]}`))
	rec := httptest.NewRecorder()
	f.handler.ServeClientRegistration(rec, req)

	testutil.AssertEqual(t, rec.Code, http.StatusForbidden)
	resp := decodeJSON[ErrorResponse](t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeAccessDenied)
}

func TestServeClientRegistration_AccessToken(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	f.server.Config.EnableClientRegistration = true
	f.server.Config.RegistrationAccessToken = "registration-secret"

	register := func(bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathRegister,
			strings.NewReader(`{"redirect_uris": ["https://app.example.com/callback"]}`))
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		w := httptest.NewRecorder()
		f.handler.ServeClientRegistration(w, req)
		return w
	}

	testutil.AssertEqual(t, register("").Code, http.StatusUnauthorized)
	testutil.AssertEqual(t, register("wrong-token").Code, http.StatusUnauthorized)
	testutil.AssertEqual(t, register("registration-secret").Code, http.StatusCreated)
}

func TestServeTokenIntrospection(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	confidential := f.seedClient(t, testutil.NewConfidentialClient())
	public := f.seedClient(t, testutil.NewPublicClient())

	code, verifier, _ := f.runFlow(t, public)
	rec := f.postForm(t, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {public.ClientID},
		"redirect_uri":  {public.RedirectURIs[0]},
		"code_verifier": {verifier},
	}, "", "")
	tokens := decodeJSON[TokenResponse](t, rec)

	introspect := func(token, user, pass string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathIntrospect,
			strings.NewReader(url.Values{"token": {token}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		w := httptest.NewRecorder()
		f.handler.ServeTokenIntrospection(w, req)
		return w
	}

	t.Run("requires client authentication", func(t *testing.T) {
		rec := introspect(tokens.AccessToken, "", "")
		testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
	})

	t.Run("rejects bad credentials", func(t *testing.T) {
		rec := introspect(tokens.AccessToken, confidential.ClientID, "wrong-secret")
		testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
	})

	t.Run("active token", func(t *testing.T) {
		rec := introspect(tokens.AccessToken, confidential.ClientID, testutil.TestClientSecret)
		testutil.AssertEqual(t, rec.Code, http.StatusOK)

		resp := decodeJSON[IntrospectionResponse](t, rec)
		testutil.AssertTrue(t, resp.Active, "known token should introspect as active")
		testutil.AssertEqual(t, resp.ClientID, public.ClientID)
		testutil.AssertEqual(t, resp.Subject, "mock-user-123")
		testutil.AssertEqual(t, resp.Scope, "tools:read")
		testutil.AssertEqual(t, resp.TokenType, "Bearer")
		testutil.AssertEqual(t, resp.Issuer, "https://auth.example.com")
		if resp.ExpiresAt == 0 {
			t.Error("introspection response missing exp")
		}
	})

	t.Run("unknown token is inactive", func(t *testing.T) {
		rec := introspect("no-such-token", confidential.ClientID, testutil.TestClientSecret)
		testutil.AssertEqual(t, rec.Code, http.StatusOK)

		resp := decodeJSON[IntrospectionResponse](t, rec)
		testutil.AssertFalse(t, resp.Active, "unknown token should introspect as inactive")
		// Nothing else leaks for unknown tokens.
		testutil.AssertEqual(t, resp.ClientID, "")
		testutil.AssertEqual(t, resp.Subject, "")
	})
}

func TestValidateToken(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	f.handler.RequiredScopes = map[string][]string{
		"/tools/*": {"tools:call"},
	}
	client := f.seedClient(t, testutil.NewPublicClient())

	var gotPrincipal *storage.AccessToken
	protected := f.handler.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	call := func(target, authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, req)
		return w
	}

	t.Run("missing header", func(t *testing.T) {
		rec := call("/tools/echo", "")
		testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
		challenge := rec.Header().Get("WWW-Authenticate")
		testutil.AssertStringContains(t, challenge, "Bearer ")
		testutil.AssertStringContains(t, challenge, `resource_metadata="https://auth.example.com/.well-known/oauth-protected-resource"`)
		testutil.AssertStringContains(t, challenge, `scope="tools:call"`)
	})

	t.Run("malformed header", func(t *testing.T) {
		rec := call("/tools/echo", "Basic dXNlcjpwYXNz")
		testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
	})

	t.Run("unknown token", func(t *testing.T) {
		rec := call("/tools/echo", "Bearer no-such-token")
		testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
		resp := decodeJSON[ErrorResponse](t, rec)
		testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidToken)
	})

	accessToken := testutil.NewAccessToken(client)
	accessToken.Scope = "tools:read"
	testutil.AssertNoError(t, f.store.SaveAccessToken(context.Background(), accessToken))

	t.Run("insufficient scope", func(t *testing.T) {
		rec := call("/tools/echo", "Bearer "+accessToken.Value)
		testutil.AssertEqual(t, rec.Code, http.StatusForbidden)
		resp := decodeJSON[ErrorResponse](t, rec)
		testutil.AssertEqual(t, resp.Error, ErrorCodeInsufficientScope)
		testutil.AssertStringContains(t, rec.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)
	})

	t.Run("path traversal does not bypass scope check", func(t *testing.T) {
		rec := call("/tools/../tools/echo", "Bearer "+accessToken.Value)
		testutil.AssertEqual(t, rec.Code, http.StatusForbidden)
	})

	fullToken := testutil.NewAccessToken(client)
	fullToken.Scope = "tools:read tools:call"
	testutil.AssertNoError(t, f.store.SaveAccessToken(context.Background(), fullToken))

	t.Run("valid token reaches the handler", func(t *testing.T) {
		rec := call("/tools/echo", "Bearer "+fullToken.Value)
		testutil.AssertEqual(t, rec.Code, http.StatusOK)
		if gotPrincipal == nil {
			t.Fatal("principal missing from request context")
		}
		testutil.AssertEqual(t, gotPrincipal.Value, fullToken.Value)
		testutil.AssertEqual(t, gotPrincipal.ClientID, client.ClientID)
	})

	t.Run("unmatched path needs no scope", func(t *testing.T) {
		rec := call("/healthz", "Bearer "+accessToken.Value)
		testutil.AssertEqual(t, rec.Code, http.StatusOK)
	})
}

func TestGetRequiredScopes(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	f.handler.RequiredScopes = map[string][]string{
		"/tools/*":       {"tools:call"},
		"/tools/admin/*": {"tools:admin"},
		"/status":        {"tools:read"},
	}

	tests := []struct {
		path string
		want string
	}{
		{"/status", "tools:read"},
		{"/tools/echo", "tools:call"},
		{"/tools/admin/reload", "tools:admin"}, // longest prefix wins
		{"/tools//echo", "tools:call"},         // double slash normalized
		{"/unrelated", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			got := strings.Join(f.handler.getRequiredScopes(req), " ")
			testutil.AssertEqual(t, got, tt.want)
		})
	}
}

func TestFormatWWWAuthenticate(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")

	got := f.handler.formatWWWAuthenticate("tools:read", "invalid_token", `token "abc" rejected`)
	want := `Bearer resource_metadata="https://auth.example.com/.well-known/oauth-protected-resource", ` +
		`scope="tools:read", error="invalid_token", error_description="token \"abc\" rejected"`
	testutil.AssertEqual(t, got, want)
}

func TestCORSHeaders(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	f.handler.AllowedOrigins = []string{"https://app.example.com"}

	t.Run("allowed origin echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, MetadataPathAuthServer, nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		f.handler.ServeAuthorizationServerMetadata(rec, req)

		testutil.AssertEqual(t, rec.Header().Get("Access-Control-Allow-Origin"), "https://app.example.com")
		testutil.AssertEqual(t, rec.Header().Get("Vary"), "Origin")
	})

	t.Run("disallowed origin gets no CORS headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, MetadataPathAuthServer, nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		f.handler.ServeAuthorizationServerMetadata(rec, req)

		testutil.AssertEqual(t, rec.Header().Get("Access-Control-Allow-Origin"), "")
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, PathToken, nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		f.handler.ServePreflightRequest(rec, req)

		testutil.AssertEqual(t, rec.Code, http.StatusNoContent)
		testutil.AssertEqual(t, rec.Header().Get("Access-Control-Allow-Origin"), "https://app.example.com")
	})
}

func TestCallbackInterstitial_CustomScheme(t *testing.T) {
	f := newHandlerFixture(t, "https://auth.example.com")
	f.server.Config.AllowedCustomSchemes = []string{"^myapp$"}
	client := f.seedClient(t, &storage.Client{
		ClientID:                "native-client",
		Type:                    server.ClientTypePublic,
		RedirectURIs:            []string{"myapp://callback"},
		Scopes:                  []string{"tools:read"},
		TokenEndpointAuthMethod: server.TokenEndpointAuthMethodNone,
	})

	challenge, _ := testutil.GeneratePKCEPair()
	clientState := testutil.GenerateRandomString(16)
	q := url.Values{
		"client_id":             {client.ClientID},
		"redirect_uri":          {"myapp://callback"},
		"scope":                 {"tools:read"},
		"state":                 {clientState},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	rec := httptest.NewRecorder()
	f.handler.ServeAuthorization(rec, httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}

	idpURL, err := url.Parse(rec.Header().Get("Location"))
	testutil.AssertNoError(t, err)
	providerState := idpURL.Query().Get("state")

	cb := url.Values{"code": {"idp-code"}, "state": {providerState}}
	rec = httptest.NewRecorder()
	f.handler.ServeCallback(rec, httptest.NewRequest(http.MethodGet, PathCallback+"?"+cb.Encode(), nil))

	// No 302 to the custom scheme; an HTML page carries the redirect so
	// the browser's external-protocol prompt has a document behind it.
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	testutil.AssertStringContains(t, rec.Header().Get("Content-Type"), "text/html")
	testutil.AssertStringContains(t, rec.Body.String(), "myapp://callback?code=")
}
