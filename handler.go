package toolgate

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/cobaltcove/toolgate/instrumentation"
	"github.com/cobaltcove/toolgate/security"
	"github.com/cobaltcove/toolgate/server"
	"github.com/cobaltcove/toolgate/storage"
)

const tokenTypeBearer = "Bearer"

// Endpoint paths served relative to the issuer.
const (
	PathAuthorize  = "/authorize"
	PathCallback   = "/callback"
	PathToken      = "/token"
	PathRegister   = "/register"
	PathRevoke     = "/revoke"
	PathIntrospect = "/introspect"

	MetadataPathAuthServer        = "/.well-known/oauth-authorization-server"
	MetadataPathOIDC              = "/.well-known/openid-configuration"
	MetadataPathProtectedResource = "/.well-known/oauth-protected-resource"
)

// SupportedTokenAuthMethods lists the client authentication methods the
// token endpoint accepts.
var SupportedTokenAuthMethods = []string{
	server.TokenEndpointAuthMethodBasic,
	server.TokenEndpointAuthMethodPost,
	server.TokenEndpointAuthMethodNone,
}

// Handler is the HTTP adapter for the authorization server. It parses and
// validates requests, delegates to the flow engine, and renders OAuth wire
// responses.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer

	// RequiredScopes maps request paths to the scopes a bearer token must
	// carry to pass the ValidateToken middleware. Patterns ending in "/*"
	// match by prefix; the longest matching prefix wins.
	RequiredScopes map[string][]string

	// DefaultChallengeScopes are advertised in WWW-Authenticate challenges
	// when no per-path requirement matches the request.
	DefaultChallengeScopes []string

	// Resource overrides the RFC 9728 resource identifier. Defaults to
	// the issuer.
	Resource string

	// AllowedOrigins enables CORS for browser-based clients. Empty
	// disables CORS entirely.
	AllowedOrigins []string
}

// NewHandler creates a new HTTP handler over the flow engine.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// endpointURL joins an endpoint path onto the issuer.
func (h *Handler) endpointURL(p string) string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/") + p
}

// resourceIdentifier returns the RFC 9728 resource identifier.
func (h *Handler) resourceIdentifier() string {
	if h.Resource != "" {
		return h.Resource
	}
	return h.server.Config.Issuer
}

// RegisterRoutes registers every endpoint on the mux, including the
// discovery routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathCallback, h.ServeCallback)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathRegister, h.ServeClientRegistration)
	mux.HandleFunc(PathRevoke, h.ServeTokenRevocation)
	mux.HandleFunc(PathIntrospect, h.ServeTokenIntrospection)
	mux.HandleFunc(MetadataPathProtectedResource, h.ServeProtectedResourceMetadata)
	h.RegisterAuthorizationServerMetadataRoutes(mux)
}

// RegisterAuthorizationServerMetadataRoutes registers the RFC 8414 and
// OpenID Connect discovery routes.
//
// For issuers with a path component (https://auth.example.com/tenant1)
// the path-insertion and path-appending variants are registered as well,
// so clients resolving either form find the document:
//
//	/.well-known/oauth-authorization-server/tenant1
//	/.well-known/openid-configuration/tenant1
//	/tenant1/.well-known/openid-configuration
func (h *Handler) RegisterAuthorizationServerMetadataRoutes(mux *http.ServeMux) {
	mux.HandleFunc(MetadataPathAuthServer, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(MetadataPathOIDC, h.ServeOpenIDConfiguration)

	issuerPath := h.extractIssuerPath()
	if issuerPath == "" {
		return
	}

	mux.HandleFunc(MetadataPathAuthServer+issuerPath, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(MetadataPathOIDC+issuerPath, h.ServeOpenIDConfiguration)
	mux.HandleFunc(issuerPath+MetadataPathOIDC, h.ServeOpenIDConfiguration)

	h.logger.Info("registered path-based discovery endpoints", "issuer_path", issuerPath)
}

// extractIssuerPath returns the path component of the issuer URL, or ""
// when the issuer has no path.
func (h *Handler) extractIssuerPath() string {
	if h.server.Config.Issuer == "" {
		return ""
	}

	parsed, err := url.Parse(h.server.Config.Issuer)
	if err != nil {
		h.logger.Warn("failed to parse issuer URL", "issuer", h.server.Config.Issuer, "error", err)
		return ""
	}

	cleaned := path.Clean(parsed.Path)
	if cleaned == "" || cleaned == "/" || cleaned == "." {
		return ""
	}
	return cleaned
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	metadata := AuthorizationServerMetadata{
		Issuer:                            h.server.Config.Issuer,
		AuthorizationEndpoint:             h.endpointURL(PathAuthorize),
		TokenEndpoint:                     h.endpointURL(PathToken),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		ScopesSupported:                   h.server.Config.SupportedScopes,
		RevocationEndpoint:                h.endpointURL(PathRevoke),
		IntrospectionEndpoint:             h.endpointURL(PathIntrospect),
	}
	if h.server.Config.EnableClientRegistration {
		metadata.RegistrationEndpoint = h.endpointURL(PathRegister)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeOpenIDConfiguration serves OpenID Connect Discovery requests. Per
// RFC 8414 section 5 it returns the same document as the authorization
// server metadata endpoint.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeAuthorizationServerMetadata(w, r)
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	metadata := ProtectedResourceMetadata{
		Resource:               h.resourceIdentifier(),
		AuthorizationServers:   []string{h.server.Config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.Config.SupportedScopes,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeAuthorization handles the OAuth authorization endpoint. It
// validates the request shape, opens a flow, and redirects the user agent
// to the identity provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolgate.http.authorization")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	scope := q.Get("scope")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")

	if clientID == "" {
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	// The state parameter is the client's CSRF token; a short value is as
	// bad as none.
	if state == "" {
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "state missing")
		h.writeError(w, ErrorCodeInvalidRequest, "state parameter is required for CSRF protection", http.StatusBadRequest)
		return
	}
	if len(state) < h.server.Config.MinStateLength {
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "state too short")
		h.writeError(w, ErrorCodeInvalidRequest,
			fmt.Sprintf("state parameter must be at least %d characters", h.server.Config.MinStateLength),
			http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrPKCEMethod, codeChallengeMethod),
	)

	authURL, err := h.server.StartAuthorizationFlow(ctx, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, state)
	if err != nil {
		h.logger.Warn("authorization request rejected", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err, startTime, "authorize")
		return
	}

	h.recordAuthorizationStarted(ctx, clientID)
	h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the identity provider callback, finishing the IdP
// leg and redirecting back to the client with a fresh authorization code.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolgate.http.callback")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("callback", http.MethodGet, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	errorParam := q.Get("error")

	if errorParam != "" {
		errorDesc := q.Get("error_description")
		h.logger.Warn("identity provider returned error", "error", errorParam, "description", errorDesc)
		h.recordHTTPMetrics("callback", http.MethodGet, http.StatusBadRequest, startTime)
		h.recordCallbackProcessed(ctx, "", false)
		instrumentation.SetSpanError(span, errorParam)
		h.writeError(w, errorParam, errorDesc, http.StatusBadRequest)
		return
	}

	if state == "" || code == "" {
		h.recordHTTPMetrics("callback", http.MethodGet, http.StatusBadRequest, startTime)
		h.recordCallbackProcessed(ctx, "", false)
		instrumentation.SetSpanError(span, "missing state or code")
		h.writeError(w, ErrorCodeInvalidRequest, "state and code are required", http.StatusBadRequest)
		return
	}

	// state here is the provider state this server generated, not the
	// client's.
	authCode, clientState, err := h.server.HandleProviderCallback(ctx, state, code)
	if err != nil {
		h.logger.Error("callback handling failed", "error", err)
		h.recordCallbackProcessed(ctx, "", false)
		instrumentation.RecordError(span, err)
		h.writeFlowError(w, err, startTime, "callback")
		return
	}

	h.recordCallbackProcessed(ctx, authCode.ClientID, true)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, authCode.ClientID))
	instrumentation.SetSpanSuccess(span)

	// The client's original state rides along so it can tie the callback
	// to its own request.
	redirectURL := fmt.Sprintf("%s?code=%s&state=%s",
		authCode.RedirectURI, url.QueryEscape(authCode.Code), url.QueryEscape(clientState))

	// Browsers may fail silently on 302 redirects to custom schemes
	// (RFC 8252 section 7.1); serve an interstitial page instead.
	if isCustomURLScheme(authCode.RedirectURI) {
		h.recordHTTPMetrics("callback", http.MethodGet, http.StatusOK, startTime)
		h.serveSuccessInterstitial(w, redirectURL)
		return
	}

	h.recordHTTPMetrics("callback", http.MethodGet, http.StatusFound, startTime)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolgate.http.token_exchange")
		defer span.End()
	}

	clientIP := security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	code := r.FormValue("code")
	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientID, clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		} else {
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		}
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.Type),
	)

	token, scope, err := h.server.ExchangeAuthorizationCode(ctx, code, client.ClientID, redirectURI, codeVerifier)
	if err != nil {
		h.logger.Warn("code exchange failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		// Detail stays in the flow engine's logs and audit trail; the
		// client only learns the grant was bad.
		h.writeError(w, ErrorCodeInvalidGrant, "Authorization code is invalid or expired", http.StatusBadRequest)
		return
	}

	h.logger.Info("token exchange successful", "client_id", client.ClientID, "ip", clientIP)

	pkceMethod := ""
	if codeVerifier != "" {
		pkceMethod = server.PKCEMethodS256
	}
	h.recordCodeExchanged(ctx, client.ClientID, pkceMethod)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, scope)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolgate.http.token_refresh")
		defer span.End()
	}

	clientIP := security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	refreshToken := r.FormValue("refresh_token")
	clientID := r.FormValue("client_id")

	if refreshToken == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	// Basic auth credentials take precedence over form parameters.
	if authClientID, authClientSecret, ok := r.BasicAuth(); ok && authClientID != "" {
		clientID = authClientID
		if err := h.server.ValidateClientCredentials(ctx, clientID, authClientSecret); err != nil {
			h.logAuthFailure(clientID, clientIP, "client_authentication_failed", "client authentication failed")
			h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
			instrumentation.RecordError(span, err)
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
			return
		}
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	token, err := h.server.RefreshAccessToken(ctx, refreshToken, clientID)
	if err != nil {
		h.logger.Warn("token refresh failed", "client_id", clientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidGrant, "Refresh token is invalid or expired", http.StatusBadRequest)
		return
	}

	h.recordTokenRefreshed(ctx, clientID, h.server.Config.RotateRefreshTokens)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, "")
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Per the RFC the endpoint returns 200 whether or not the token existed.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolgate.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	clientID := r.FormValue("client_id")

	if token == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	if authClientID, authClientSecret, ok := r.BasicAuth(); ok && authClientID != "" {
		clientID = authClientID
		if err := h.server.ValidateClientCredentials(ctx, clientID, authClientSecret); err != nil {
			h.logAuthFailure(clientID, clientIP, "revocation_auth_failed", "client authentication failed for revocation")
			h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusUnauthorized, startTime)
			instrumentation.RecordError(span, err)
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
			return
		}
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	if err := h.server.RevokeToken(ctx, token, clientID, clientIP); err != nil {
		// RFC 7009: the response does not reveal revocation failures.
		h.logger.Error("token revocation failed", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
	}

	h.recordTokenRevoked(ctx, clientID)
	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "toolgate.http.client_registration")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if !h.server.Config.EnableClientRegistration {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusForbidden, startTime)
		instrumentation.SetSpanError(span, "registration disabled")
		h.writeError(w, ErrorCodeAccessDenied, "Dynamic client registration is not enabled", http.StatusForbidden)
		return
	}

	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if !h.authorizeRegistration(r) {
		h.logAuthFailure("", clientIP, "registration_auth_failed", "client registration rejected")
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "registration not authorized")
		h.writeError(w, ErrorCodeInvalidToken,
			"Registration requires a valid registration access token", http.StatusUnauthorized)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.TokenEndpointAuthMethod != "" && !isValidAuthMethod(req.TokenEndpointAuthMethod) {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest,
			fmt.Sprintf("Unsupported token_endpoint_auth_method: %s", req.TokenEndpointAuthMethod),
			http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx,
		req.ClientName, req.ClientType, req.TokenEndpointAuthMethod,
		req.RedirectURIs, strings.Fields(req.Scope), clientIP)
	if err != nil {
		h.handleRegistrationError(w, err, clientIP, startTime, span)
		return
	}

	h.recordClientRegistered(ctx, client.Type)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusCreated, startTime)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.Type),
	)
	instrumentation.SetSpanSuccess(span)

	h.writeRegistrationResponse(w, client, clientSecret)
}

// authorizeRegistration checks the registration access token when one is
// configured. Open registration is allowed when no token is set; the
// per-IP cap in the client store still applies.
func (h *Handler) authorizeRegistration(r *http.Request) bool {
	required := h.server.Config.RegistrationAccessToken
	if required == "" {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(parts[1]), []byte(required)) == 1
}

// handleRegistrationError maps registration failures onto OAuth errors.
func (h *Handler) handleRegistrationError(w http.ResponseWriter, err error, clientIP string, startTime time.Time, span trace.Span) {
	instrumentation.RecordError(span, err)

	if strings.Contains(err.Error(), "registration limit") {
		h.logger.Warn("client registration limit exceeded", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Client registration limit exceeded", http.StatusTooManyRequests)
		return
	}

	var redirectErr *server.RedirectURISecurityError
	if errors.As(err, &redirectErr) {
		h.logger.Warn("client registration rejected: invalid redirect URI", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRedirectURI, "Redirect URI rejected", http.StatusBadRequest)
		return
	}

	h.logger.Error("client registration failed", "ip", clientIP, "error", err)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
	h.writeError(w, ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest)
}

// writeRegistrationResponse writes the RFC 7591 registration response.
// The plaintext secret appears here exactly once and is never stored.
func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	response := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.Name,
		Scope:                   strings.Join(client.Scopes, " "),
		ClientType:              client.Type,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

// ServeTokenIntrospection handles the RFC 7662 token introspection
// endpoint. Client authentication is required so the endpoint cannot be
// used for token scanning.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	clientID, err := h.authenticateIntrospectionClient(r, clientIP)
	if err != nil {
		h.writeError(w, ErrorCodeInvalidClient, err.Error(), http.StatusUnauthorized)
		return
	}

	response := h.buildIntrospectionResponse(r.Context(), token, clientID, clientIP)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// authenticateIntrospectionClient validates client credentials for the
// introspection endpoint. A bare client_id without credentials is not
// enough.
func (h *Handler) authenticateIntrospectionClient(r *http.Request, clientIP string) (string, error) {
	if authClientID, authClientSecret, ok := r.BasicAuth(); ok && authClientID != "" {
		if err := h.server.ValidateClientCredentials(r.Context(), authClientID, authClientSecret); err != nil {
			h.logAuthFailure(authClientID, clientIP, "introspection_auth_failed", "client authentication failed for introspection")
			return "", fmt.Errorf("client authentication failed")
		}
		return authClientID, nil
	}

	h.logAuthFailure(r.FormValue("client_id"), clientIP, "introspection_missing_auth", "token introspection rejected without credentials")
	return "", fmt.Errorf("client authentication required for token introspection")
}

// buildIntrospectionResponse creates the RFC 7662 response body. Unknown,
// expired, and revoked tokens all collapse to active:false.
func (h *Handler) buildIntrospectionResponse(ctx context.Context, token, clientID, clientIP string) IntrospectionResponse {
	record, err := h.server.ValidateAccessToken(ctx, token)
	if err != nil || record == nil {
		h.logger.Debug("token introspection miss", "ip", clientIP, "error", err)
		return IntrospectionResponse{Active: false}
	}

	_ = clientID // introspection responses describe the token's own client

	return IntrospectionResponse{
		Active:    true,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		Subject:   record.Subject,
		TokenType: tokenTypeBearer,
		ExpiresAt: record.ExpiresAt.Unix(),
		IssuedAt:  record.IssuedAt.Unix(),
		Issuer:    h.server.Config.Issuer,
	}
}

// ==================== Protected resource middleware ====================

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext retrieves the validated access token record set by
// the ValidateToken middleware.
func PrincipalFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	principal, ok := ctx.Value(principalKey).(*storage.AccessToken)
	return principal, ok
}

// ContextWithPrincipal returns a context carrying the given access token
// record. Intended for tests; in production only the ValidateToken
// middleware should set it.
func ContextWithPrincipal(ctx context.Context, token *storage.AccessToken) context.Context {
	return context.WithValue(ctx, principalKey, token)
}

// ValidateToken is middleware that guards protected endpoints. It rate
// limits by IP, validates the bearer token, enforces per-path scopes, and
// stores the principal in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		record, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			h.logger.Debug("token validation failed", "ip", clientIP, "error", err)
			description := "Token validation failed"
			if errors.Is(err, storage.ErrTokenExpired) {
				description = "Token has expired"
			}
			h.writeUnauthorizedError(w, r, ErrorCodeInvalidToken, description)
			return
		}

		if !h.validateTokenScopes(w, r, record, clientIP) {
			return
		}

		ctx := ContextWithPrincipal(r.Context(), record)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken pulls the bearer token out of the Authorization
// header, writing a 401 challenge when it is missing or malformed.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, r, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		h.writeUnauthorizedError(w, r, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// checkIPRateLimit reports whether the client IP is over its budget,
// writing the 429 response when it is.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.RateLimited(clientIP, "")
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// validateTokenScopes enforces the per-path scope requirements. Returns
// false when the response has already been written.
func (h *Handler) validateTokenScopes(w http.ResponseWriter, r *http.Request, record *storage.AccessToken, clientIP string) bool {
	requiredScopes := h.getRequiredScopes(r)
	if len(requiredScopes) == 0 {
		return true
	}

	tokenScopes := strings.Fields(record.Scope)
	if hasRequiredScopes(tokenScopes, requiredScopes) {
		return true
	}

	h.logger.Warn("insufficient scope",
		"subject", security.HashForLogging(record.Subject),
		"endpoint", r.URL.Path,
		"token_scopes", tokenScopes,
		"required_scopes", requiredScopes,
		"ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.AuthFailure(record.Subject, record.ClientID, clientIP, "insufficient_scope")
	}

	safePath := r.URL.Path
	if len(safePath) > 100 {
		safePath = safePath[:100] + "..."
	}
	h.writeInsufficientScopeError(w, requiredScopes,
		fmt.Sprintf("Token lacks required scopes for endpoint %s", safePath))
	return false
}

// getRequiredScopes resolves the scopes required for a request path.
// The path is normalized with path.Clean so double slashes and dot
// segments cannot bypass a requirement.
func (h *Handler) getRequiredScopes(r *http.Request) []string {
	if len(h.RequiredScopes) == 0 {
		return nil
	}

	normalized := path.Clean("/" + r.URL.Path)

	if scopes, ok := h.RequiredScopes[normalized]; ok {
		return scopes
	}

	// Prefix patterns end in "/*"; the longest matching prefix wins.
	var longestPrefix string
	var matched []string
	for pattern, scopes := range h.RequiredScopes {
		if !strings.HasSuffix(pattern, "/*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(normalized, prefix) && len(prefix) > len(longestPrefix) {
			longestPrefix = prefix
			matched = scopes
		}
	}
	return matched
}

// hasRequiredScopes reports whether the token carries every required
// scope. Matching is case-sensitive per RFC 6749 section 3.3.
func hasRequiredScopes(tokenScopes, requiredScopes []string) bool {
	if len(requiredScopes) == 0 {
		return true
	}

	have := make(map[string]bool, len(tokenScopes))
	for _, s := range tokenScopes {
		have[s] = true
	}
	for _, required := range requiredScopes {
		if !have[required] {
			return false
		}
	}
	return true
}

// getChallengeScopes returns the scope hint for WWW-Authenticate
// challenges: endpoint-specific scopes first, then the configured
// defaults.
func (h *Handler) getChallengeScopes(r *http.Request) string {
	if scopes := h.getRequiredScopes(r); len(scopes) > 0 {
		return strings.Join(scopes, " ")
	}
	return strings.Join(h.DefaultChallengeScopes, " ")
}

// ==================== Client authentication ====================

// authenticateClient resolves and authenticates the client behind a token
// request, from Basic auth or form parameters.
func (h *Handler) authenticateClient(r *http.Request, clientID, clientIP string) (*storage.Client, error) {
	authClientID, authClientSecret, _ := r.BasicAuth()
	if authClientID != "" {
		clientID = authClientID
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.GetClient(r.Context(), clientID)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, "unknown_client", "unknown client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if client.Type == server.ClientTypeConfidential {
		secret := authClientSecret
		if secret == "" {
			secret = r.FormValue("client_secret")
		}
		if secret == "" {
			h.logAuthFailure(clientID, clientIP, "confidential_client_auth_required", "confidential client missing credentials")
			return nil, ErrInvalidClient("Client authentication required")
		}
		if err := h.server.ValidateClientCredentials(r.Context(), clientID, secret); err != nil {
			h.logAuthFailure(clientID, clientIP, "client_authentication_failed", "client authentication failed")
			return nil, ErrInvalidClient("Client authentication failed")
		}
	}

	return client, nil
}

// logAuthFailure logs and audits an authentication failure.
func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.AuthFailure("", clientID, clientIP, reason)
	}
}

// ==================== Response writers ====================

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token, scope string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	expiresIn := int64(time.Until(token.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = h.server.Config.AccessTokenTTL
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	response := TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(response)
}

// writeFlowError maps flow engine sentinels to OAuth error responses.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error, startTime time.Time, endpoint string) {
	var code string
	var status int
	switch {
	case errors.Is(err, server.ErrInvalidClient):
		code, status = ErrorCodeInvalidClient, http.StatusUnauthorized
	case errors.Is(err, server.ErrInvalidScope):
		code, status = ErrorCodeInvalidScope, http.StatusBadRequest
	case errors.Is(err, server.ErrInvalidRequest):
		code, status = ErrorCodeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, server.ErrInvalidGrant):
		code, status = ErrorCodeInvalidGrant, http.StatusBadRequest
	default:
		code, status = ErrorCodeServerError, http.StatusInternalServerError
	}

	h.recordHTTPMetrics(endpoint, http.MethodGet, status, startTime)
	description := "Authorization request failed"
	if status != http.StatusInternalServerError {
		description = err.Error()
	}
	h.writeError(w, code, description, status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		scope := strings.Join(h.DefaultChallengeScopes, " ")
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scope, code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 with a WWW-Authenticate challenge
// carrying endpoint-specific scope guidance (RFC 6750, RFC 9728).
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, r *http.Request, code, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(h.getChallengeScopes(r), code, description))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeInsufficientScopeError writes a 403 insufficient_scope response
// per RFC 6750 section 3.1, listing the scopes the resource requires.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	scope := strings.Join(requiredScopes, " ")
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scope, ErrorCodeInsufficientScope, description))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            ErrorCodeInsufficientScope,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds the WWW-Authenticate value per RFC 6750
// and RFC 9728. The resource_metadata parameter points clients at the
// discovery document.
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{
		fmt.Sprintf(`resource_metadata="%s"`, h.endpointURL(MetadataPathProtectedResource)),
	}

	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeQuotedString(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuotedString(errorDesc)))
	}

	return "Bearer " + strings.Join(params, ", ")
}

// escapeQuotedString escapes a value for use inside an HTTP quoted-string.
// Backslashes before quotes, per RFC 7230.
func escapeQuotedString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// isValidAuthMethod checks the token endpoint auth method against the
// supported set.
func isValidAuthMethod(method string) bool {
	for _, supported := range SupportedTokenAuthMethods {
		if method == supported {
			return true
		}
	}
	return false
}

// setCORSHeaders sets CORS headers when the request's origin is allowed.
// The specific origin is echoed back rather than "*".
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" || !h.isAllowedOrigin(origin) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// ==================== Custom scheme interstitial ====================

// isCustomURLScheme reports whether the redirect URI uses a non-HTTP
// scheme (cursor://, vscode://, ...) that needs interstitial handling.
func isCustomURLScheme(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return scheme != "" && scheme != "http" && scheme != "https"
}

// successInterstitialTmpl is served on callbacks redirecting to custom
// schemes, where a 302 may fail silently in the browser. The page
// confirms success, attempts the redirect from script, and leaves a
// manual link as fallback.
var successInterstitialTmpl = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>Authorization Successful</title>
<style>
body { font-family: system-ui, sans-serif; display: flex; align-items: center;
  justify-content: center; min-height: 100vh; margin: 0; background: #16213e; color: #fff; }
.container { text-align: center; padding: 2rem; max-width: 28rem; }
a.button { display: inline-block; padding: 0.75rem 2rem; background: #00a855;
  color: #fff; text-decoration: none; border-radius: 6px; }
p.hint { color: rgba(255,255,255,0.6); font-size: 0.875rem; }
</style>
</head>
<body>
<div class="container">
<h1>Authorization Successful</h1>
<p>You have been authenticated. Return to your application to continue.</p>
<a href="{{.RedirectURL}}" class="button" id="openApp">Open Application</a>
<p class="hint">You can close this window after the application opens.</p>
</div>
<script>(function(){var btn=document.getElementById("openApp");if(!btn)return;setTimeout(function(){window.location.href=btn.href;},500);})();</script>
</body>
</html>`))

func (h *Handler) serveSuccessInterstitial(w http.ResponseWriter, redirectURL string) {
	// template.URL bypasses html/template's scheme filter; the URI was
	// validated at registration and again when the flow started.
	data := struct{ RedirectURL template.URL }{RedirectURL: template.URL(redirectURL)} //nolint:gosec

	var buf bytes.Buffer
	if err := successInterstitialTmpl.Execute(&buf, data); err != nil {
		h.logger.Error("failed to render interstitial", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Authorization successful. Please return to your application."))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// ==================== Metric helpers ====================

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

func (h *Handler) recordAuthorizationStarted(ctx context.Context, clientID string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordAuthorizationStarted(ctx, clientID)
}

func (h *Handler) recordCallbackProcessed(ctx context.Context, clientID string, success bool) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordCallbackProcessed(ctx, clientID, success)
}

func (h *Handler) recordCodeExchanged(ctx context.Context, clientID, pkceMethod string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordCodeExchange(ctx, clientID, pkceMethod)
}

func (h *Handler) recordTokenRefreshed(ctx context.Context, clientID string, rotated bool) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordTokenRefresh(ctx, clientID, rotated)
}

func (h *Handler) recordTokenRevoked(ctx context.Context, clientID string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordTokenRevocation(ctx, clientID)
}

func (h *Handler) recordClientRegistered(ctx context.Context, clientType string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordClientRegistration(ctx, clientType)
}
