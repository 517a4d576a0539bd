package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/cobaltcove/toolgate/idp"
	"github.com/cobaltcove/toolgate/security"
	"github.com/cobaltcove/toolgate/storage"
)

// Sentinel errors for OAuth protocol failures. The HTTP layer maps these to
// RFC 6749 error codes; details stay in the logs, not in the response.
var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInvalidClient  = errors.New("invalid_client")
	ErrInvalidScope   = errors.New("invalid_scope")
	ErrInvalidGrant   = errors.New("invalid_grant")
)

// securityEventAllowed rate limits security event logging per key so reuse
// probing cannot flood the logs.
func (s *Server) securityEventAllowed(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}

// StartAuthorizationFlow validates an incoming authorization request and
// returns the IdP authorize URL to redirect the user to.
//
// clientState is the client's own CSRF token; it is never sent to the IdP.
// The provider leg gets a separate server-generated state and PKCE pair, so
// a leaked IdP callback URL reveals nothing about the client's flow.
func (s *Server) StartAuthorizationFlow(ctx context.Context, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, clientState string) (string, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.AuthFailure("", clientID, "", "unknown_client")
		}
		return "", fmt.Errorf("%w: unknown client", ErrInvalidClient)
	}

	if err := s.validateStateParameter(clientState); err != nil {
		if s.Auditor != nil {
			s.Auditor.AuthFailure("", clientID, "", "invalid_state_parameter")
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// Redirect URI failures must not redirect; the caller renders an error
	// page instead.
	if err := s.validateRedirectURI(client, redirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.Record(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: clientID,
				Details:  map[string]any{"redirect_uri": sanitizeURIForLogging(redirectURI)},
			})
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if s.Config.RequirePKCE || client.Type == ClientTypePublic {
		if codeChallenge == "" || codeChallengeMethod == "" {
			if s.Auditor != nil {
				s.Auditor.AuthFailure("", clientID, "", "missing_pkce_parameters")
			}
			return "", fmt.Errorf("%w: code_challenge and code_challenge_method are required", ErrInvalidRequest)
		}
	}
	if codeChallenge != "" {
		if codeChallengeMethod == "" {
			if s.Auditor != nil {
				s.Auditor.AuthFailure("", clientID, "", "missing_code_challenge_method")
			}
			return "", fmt.Errorf("%w: code_challenge_method is required when code_challenge is provided", ErrInvalidRequest)
		}
		switch codeChallengeMethod {
		case PKCEMethodS256:
		case PKCEMethodPlain:
			if !s.Config.AllowPKCEPlain {
				if s.Auditor != nil {
					s.Auditor.AuthFailure("", clientID, "", "plain_pkce_not_allowed")
				}
				return "", fmt.Errorf("%w: code_challenge_method plain is not allowed", ErrInvalidRequest)
			}
		default:
			if s.Auditor != nil {
				s.Auditor.AuthFailure("", clientID, "", fmt.Sprintf("invalid_pkce_method: %s", codeChallengeMethod))
			}
			return "", fmt.Errorf("%w: unsupported code_challenge_method %q", ErrInvalidRequest, codeChallengeMethod)
		}
	}

	if err := s.validateScopes(scope); err != nil {
		if s.Auditor != nil {
			s.Auditor.AuthFailure("", clientID, "", "invalid_scope")
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	if err := s.validateClientScopes(scope, client.Scopes); err != nil {
		if s.Auditor != nil {
			s.Auditor.Record(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				ClientID: clientID,
				Details:  map[string]any{"requested_scope": scope},
			})
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}

	// The provider leg gets its own state and PKCE verifier. The client's
	// challenge is verified later at this server's token endpoint.
	providerState := generateRandomToken()
	providerVerifier := oauth2.GenerateVerifier()
	providerChallenge := oauth2.S256ChallengeFromVerifier(providerVerifier)

	now := time.Now()
	flow := &storage.FlowState{
		ClientState:         clientState,
		ProviderState:       providerState,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		ProviderVerifier:    providerVerifier,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.FlowStateTTL) * time.Second),
	}
	if err := s.flowStore.SaveFlowState(ctx, flow); err != nil {
		return "", fmt.Errorf("saving flow state: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.Record(security.Event{
			Type:     security.EventFlowStarted,
			ClientID: clientID,
			Details: map[string]any{
				"redirect_uri":          redirectURI,
				"scope":                 scope,
				"code_challenge_method": codeChallengeMethod,
			},
		})
	}

	return s.provider.AuthorizationURL(providerState, providerChallenge, PKCEMethodS256), nil
}

// HandleProviderCallback processes the IdP redirect back to this server.
// It exchanges the IdP code, resolves the authenticated identity, and mints
// a single-use authorization code bound to the original request. Returns
// the code record and the client's original state for the final redirect.
func (s *Server) HandleProviderCallback(ctx context.Context, providerState, code string) (*storage.AuthorizationCode, string, error) {
	flow, err := s.flowStore.GetFlowStateByProviderState(ctx, providerState)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.Record(security.Event{
				Type:    security.EventCallbackRejected,
				Details: map[string]any{"reason": "state_not_found"},
			})
		}
		return nil, "", fmt.Errorf("%w: unknown state", ErrInvalidRequest)
	}

	// One-time use: the flow is gone before any network call so a replayed
	// callback cannot race the exchange.
	clientState := flow.ClientState
	if err := s.flowStore.DeleteFlowState(ctx, clientState); err != nil {
		s.Logger.Warn("failed to delete flow state", "error", err)
	}

	upstream, err := s.provider.ExchangeCode(ctx, code, flow.ProviderVerifier)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.Record(security.Event{
				Type:     security.EventExchangeFailed,
				ClientID: flow.ClientID,
				Details:  map[string]any{"provider": s.provider.Name()},
			})
		}
		return nil, "", fmt.Errorf("exchanging code with provider: %w", err)
	}

	identity, err := s.provider.Identity(ctx, upstream)
	if err != nil {
		return nil, "", fmt.Errorf("resolving identity: %w", err)
	}

	now := time.Now()
	record := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            flow.ClientID,
		RedirectURI:         flow.RedirectURI,
		Scope:               flow.Scope,
		CodeChallenge:       flow.CodeChallenge,
		CodeChallengeMethod: flow.CodeChallengeMethod,
		Subject:             identity.Subject,
		Identity:            identity,
		Upstream:            upstream,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, record); err != nil {
		return nil, "", fmt.Errorf("saving authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.Record(security.Event{
			Type:     security.EventCodeIssued,
			Subject:  identity.Subject,
			ClientID: flow.ClientID,
			Details:  map[string]any{"scope": flow.Scope},
		})
	}

	return record, clientState, nil
}

// ExchangeAuthorizationCode redeems an authorization code for an access and
// refresh token pair. Redemption is exactly-once: reuse of a consumed code
// revokes every token the first redemption minted.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*oauth2.Token, string, error) {
	record, err := s.flowStore.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) && record != nil {
			if s.securityEventAllowed(record.Subject + ":" + clientID) {
				s.Logger.Error("authorization code reuse detected, revoking all tokens",
					"subject_hash", security.HashForLogging(record.Subject),
					"client_id", clientID,
					"code_prefix", safeTruncate(code, 8))
			}
			if revErr := s.revokeAllTokens(ctx, record.Subject, record.ClientID, record.Upstream); revErr != nil {
				s.Logger.Error("failed to revoke tokens after code reuse", "error", revErr)
			}
			if s.Auditor != nil {
				s.Auditor.Record(security.Event{
					Type:     security.EventCodeReuseDetected,
					Subject:  record.Subject,
					ClientID: clientID,
					Details: map[string]any{
						"severity": "critical",
						"action":   "all_tokens_revoked",
					},
				})
				s.Auditor.AuthFailure(record.Subject, clientID, "", "authorization_code_reuse")
			}
			return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}

		// Unknown or expired code. Detail goes to the debug log; the client
		// sees a generic error.
		s.Logger.Debug("authorization code redemption failed",
			"reason", err.Error(),
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.AuthFailure("", clientID, "", "invalid_authorization_code")
		}
		return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if record.ClientID != clientID {
		s.Logger.Debug("authorization code redemption failed",
			"reason", "client_id_mismatch",
			"expected_client_id", record.ClientID,
			"provided_client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.AuthFailure("", clientID, "", "client_id_mismatch")
		}
		return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if record.RedirectURI != redirectURI {
		s.Logger.Debug("authorization code redemption failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.AuthFailure("", clientID, "", "redirect_uri_mismatch")
		}
		return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if record.CodeChallenge != "" {
		if err := s.validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, codeVerifier); err != nil {
			if s.Auditor != nil {
				s.Auditor.Record(security.Event{
					Type:     security.EventPKCEValidationFailed,
					Subject:  record.Subject,
					ClientID: clientID,
					Details:  map[string]any{"reason": err.Error()},
				})
				s.Auditor.AuthFailure(record.Subject, clientID, "", "pkce_validation_failed")
			}
			return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}
	}

	now := time.Now()
	accessToken := &storage.AccessToken{
		Value:     generateRandomToken(),
		Subject:   record.Subject,
		ClientID:  clientID,
		Scope:     record.Scope,
		Identity:  record.Identity,
		Upstream:  record.Upstream,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
	}
	if err := s.tokenStore.SaveAccessToken(ctx, accessToken); err != nil {
		return nil, "", fmt.Errorf("saving access token: %w", err)
	}

	familyID := uuid.NewString()
	refreshToken := &storage.RefreshToken{
		Value:      generateRandomToken(),
		Subject:    record.Subject,
		ClientID:   clientID,
		Scope:      record.Scope,
		FamilyID:   familyID,
		Generation: 0,
		Upstream:   record.Upstream,
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}
	if familyStore, ok := s.tokenStore.(storage.FamilyStore); ok {
		family := &storage.TokenFamily{
			FamilyID:   familyID,
			Subject:    record.Subject,
			ClientID:   clientID,
			Generation: 0,
			IssuedAt:   now,
		}
		if err := familyStore.SaveFamily(ctx, family); err != nil {
			s.Logger.Warn("failed to save token family", "error", err)
		} else {
			s.Logger.Debug("created refresh token family",
				"subject_hash", security.HashForLogging(record.Subject),
				"family_id", safeTruncate(familyID, 8))
		}
	}
	if err := s.tokenStore.SaveRefreshToken(ctx, refreshToken); err != nil {
		return nil, "", fmt.Errorf("saving refresh token: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.TokenIssued(record.Subject, clientID, "", record.Scope)
	}

	return &oauth2.Token{
		AccessToken:  accessToken.Value,
		RefreshToken: refreshToken.Value,
		TokenType:    "Bearer",
		Expiry:       accessToken.ExpiresAt,
	}, record.Scope, nil
}

// RefreshAccessToken rotates a refresh token and mints a new access token.
// Reuse of an already-rotated token revokes the whole family plus every
// token held by the (subject, client) pair.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*oauth2.Token, error) {
	familyStore, supportsFamilies := s.tokenStore.(storage.FamilyStore)

	record, err := s.tokenStore.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenRotated) && record != nil {
			if supportsFamilies && record.FamilyID != "" {
				if family, famErr := familyStore.GetFamily(ctx, record.FamilyID); famErr == nil && family.Revoked {
					// The family was already killed by a prior reuse event.
					if s.Auditor != nil {
						s.Auditor.Record(security.Event{
							Type:     security.EventRevokedFamilyReuse,
							Subject:  record.Subject,
							ClientID: clientID,
							Details: map[string]any{
								"severity":  "critical",
								"family_id": family.FamilyID,
							},
						})
					}
					s.Logger.Error("attempted use of revoked token family",
						"subject_hash", security.HashForLogging(record.Subject),
						"family_id", safeTruncate(record.FamilyID, 8))
					return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
				}
			}

			if s.securityEventAllowed(record.Subject + ":" + clientID) {
				s.Logger.Error("refresh token reuse detected, revoking family",
					"subject_hash", security.HashForLogging(record.Subject),
					"client_id", clientID,
					"family_id", safeTruncate(record.FamilyID, 8),
					"generation", record.Generation)
			}
			if supportsFamilies && record.FamilyID != "" {
				if revErr := familyStore.RevokeFamily(ctx, record.FamilyID); revErr != nil {
					s.Logger.Error("failed to revoke token family", "error", revErr)
				}
			}
			if revErr := s.revokeAllTokens(ctx, record.Subject, record.ClientID, record.Upstream); revErr != nil {
				s.Logger.Error("failed to revoke tokens after refresh reuse", "error", revErr)
			}
			if s.Auditor != nil {
				s.Auditor.Record(security.Event{
					Type:     security.EventRefreshReuseDetected,
					Subject:  record.Subject,
					ClientID: clientID,
					Details: map[string]any{
						"severity":   "critical",
						"family_id":  record.FamilyID,
						"generation": record.Generation,
						"action":     "family_and_tokens_revoked",
					},
				})
				s.Auditor.AuthFailure(record.Subject, clientID, "", "refresh_token_reuse")
			}
			return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}

		s.Logger.Debug("refresh token validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"token_prefix", safeTruncate(refreshToken, 8))
		if s.Auditor != nil {
			s.Auditor.AuthFailure("", clientID, "", "invalid_refresh_token")
		}
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if record.ClientID != clientID {
		s.Logger.Debug("refresh token validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", record.ClientID,
			"provided_client_id", clientID)
		if s.Auditor != nil {
			s.Auditor.AuthFailure(record.Subject, clientID, "", "client_id_mismatch")
		}
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if supportsFamilies && record.FamilyID != "" {
		if family, famErr := familyStore.GetFamily(ctx, record.FamilyID); famErr == nil && family.Revoked {
			if s.Auditor != nil {
				s.Auditor.Record(security.Event{
					Type:     security.EventRevokedFamilyReuse,
					Subject:  record.Subject,
					ClientID: clientID,
					Details:  map[string]any{"family_id": family.FamilyID},
				})
			}
			return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}
	}

	// Refresh the IdP token set when the upstream grant supports it, so the
	// access token carries live upstream credentials.
	upstream := record.Upstream
	var identity *idp.Identity
	if upstream != nil && upstream.RefreshToken != "" {
		refreshed, err := s.provider.RefreshToken(ctx, upstream.RefreshToken)
		if err != nil {
			if s.Auditor != nil {
				s.Auditor.AuthFailure(record.Subject, clientID, "", "provider_refresh_failed")
			}
			return nil, fmt.Errorf("refreshing token with provider: %w", err)
		}
		if refreshed.RefreshToken == "" {
			// Some IdPs omit the refresh token on rotation; keep the old one.
			refreshed.RefreshToken = upstream.RefreshToken
		}
		upstream = refreshed
	}
	if upstream != nil {
		if resolved, err := s.provider.Identity(ctx, upstream); err == nil {
			identity = resolved
		} else {
			s.Logger.Warn("failed to refresh identity from provider", "error", err)
		}
	}

	now := time.Now()
	accessToken := &storage.AccessToken{
		Value:     generateRandomToken(),
		Subject:   record.Subject,
		ClientID:  clientID,
		Scope:     record.Scope,
		Identity:  identity,
		Upstream:  upstream,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
	}
	if err := s.tokenStore.SaveAccessToken(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("saving access token: %w", err)
	}

	var newRefreshValue string
	rotated := s.Config.RotateRefreshTokens
	if rotated {
		generation := record.Generation + 1
		next := &storage.RefreshToken{
			Value:      generateRandomToken(),
			Subject:    record.Subject,
			ClientID:   clientID,
			Scope:      record.Scope,
			FamilyID:   record.FamilyID,
			Generation: generation,
			Upstream:   upstream,
			IssuedAt:   now,
			ExpiresAt:  now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
		}
		if supportsFamilies && record.FamilyID != "" {
			family := &storage.TokenFamily{
				FamilyID:   record.FamilyID,
				Subject:    record.Subject,
				ClientID:   clientID,
				Generation: generation,
				IssuedAt:   now,
			}
			if err := familyStore.SaveFamily(ctx, family); err != nil {
				s.Logger.Warn("failed to advance token family", "error", err)
			}
		}
		if err := s.tokenStore.SaveRefreshToken(ctx, next); err != nil {
			return nil, fmt.Errorf("saving rotated refresh token: %w", err)
		}
		newRefreshValue = next.Value
		s.Logger.Info("refresh token rotated",
			"subject_hash", security.HashForLogging(record.Subject),
			"generation", generation,
			"family_tracking", supportsFamilies)
	} else {
		// Rotation disabled: clear the tombstone so the token stays usable.
		record.Rotated = false
		record.Upstream = upstream
		if err := s.tokenStore.SaveRefreshToken(ctx, record); err != nil {
			return nil, fmt.Errorf("restoring refresh token: %w", err)
		}
		newRefreshValue = record.Value
		s.Logger.Warn("refresh token reused, rotation disabled",
			"subject_hash", security.HashForLogging(record.Subject))
	}

	if s.Auditor != nil {
		s.Auditor.TokenRefreshed(record.Subject, clientID, "", rotated)
	}

	return &oauth2.Token{
		AccessToken:  accessToken.Value,
		RefreshToken: newRefreshValue,
		TokenType:    "Bearer",
		Expiry:       accessToken.ExpiresAt,
	}, nil
}

// ValidateAccessToken resolves a bearer token to its record. Expired and
// unknown tokens fail with storage sentinels the HTTP layer maps to
// invalid_token challenges.
func (s *Server) ValidateAccessToken(ctx context.Context, value string) (*storage.AccessToken, error) {
	token, err := s.tokenStore.GetAccessToken(ctx, value)
	if err != nil {
		reason := "invalid_access_token"
		if errors.Is(err, storage.ErrTokenExpired) {
			reason = "expired_access_token"
		}
		s.Logger.Debug("access token validation failed",
			"reason", err.Error(),
			"token_prefix", safeTruncate(value, 8))
		if s.Auditor != nil {
			s.Auditor.AuthFailure("", "", "", reason)
		}
		return nil, err
	}

	if s.RevocationCheck != nil {
		if err := s.RevocationCheck(token); err != nil {
			if s.Auditor != nil {
				s.Auditor.AuthFailure(token.Subject, token.ClientID, "", "token_revoked")
			}
			return nil, fmt.Errorf("%w: %v", storage.ErrTokenRevoked, err)
		}
	}

	return token, nil
}

// RevokeToken revokes an access or refresh token per RFC 7009: unknown
// tokens succeed silently so callers cannot probe for live values.
// Revoking a refresh token kills its whole family.
func (s *Server) RevokeToken(ctx context.Context, tokenValue, clientID, clientIP string) error {
	if at, err := s.tokenStore.GetAccessToken(ctx, tokenValue); err == nil {
		if at.Upstream != nil && at.Upstream.AccessToken != "" {
			if err := s.provider.RevokeToken(ctx, at.Upstream.AccessToken); err != nil {
				s.Logger.Warn("failed to revoke token at provider", "error", err)
			}
		}
		if err := s.tokenStore.DeleteAccessToken(ctx, tokenValue); err != nil {
			s.Logger.Warn("failed to delete access token", "error", err)
		}
		if s.Auditor != nil {
			s.Auditor.TokenRevoked(at.Subject, clientID, clientIP, "access")
		}
		s.Logger.Info("access token revoked", "client_id", clientID, "ip", clientIP)
		return nil
	}

	// Consuming is the only atomic lookup for refresh tokens; a rotated
	// tombstone still identifies the family to revoke.
	rt, err := s.tokenStore.ConsumeRefreshToken(ctx, tokenValue)
	if rt == nil || (err != nil && !errors.Is(err, storage.ErrTokenRotated)) {
		// Unknown token: still report success per RFC 7009.
		return nil
	}
	if rt.Upstream != nil && rt.Upstream.RefreshToken != "" {
		if err := s.provider.RevokeToken(ctx, rt.Upstream.RefreshToken); err != nil {
			s.Logger.Warn("failed to revoke refresh token at provider", "error", err)
		}
	}
	if familyStore, ok := s.tokenStore.(storage.FamilyStore); ok && rt.FamilyID != "" {
		if err := familyStore.RevokeFamily(ctx, rt.FamilyID); err != nil && !errors.Is(err, storage.ErrFamilyNotFound) {
			s.Logger.Warn("failed to revoke token family", "error", err)
		}
	}
	if err := s.tokenStore.DeleteRefreshToken(ctx, tokenValue); err != nil {
		s.Logger.Warn("failed to delete refresh token", "error", err)
	}
	if s.Auditor != nil {
		s.Auditor.TokenRevoked(rt.Subject, clientID, clientIP, "refresh")
	}
	s.Logger.Info("refresh token revoked", "client_id", clientID, "ip", clientIP)
	return nil
}

// revokeAllTokens revokes every token held by the (subject, clientID) pair,
// both locally and at the IdP. Called on code or refresh token reuse.
//
// The triggering record's upstream token set is revoked at the provider
// with retry; local revocation always proceeds so stolen tokens die here
// even when the provider is unreachable.
func (s *Server) revokeAllTokens(ctx context.Context, subject, clientID string, upstream *oauth2.Token) error {
	revocationStore, ok := s.tokenStore.(storage.RevocationStore)
	if !ok {
		s.Logger.Error("token storage does not support bulk revocation",
			"subject_hash", security.HashForLogging(subject),
			"client_id", clientID)
		if s.Auditor != nil {
			s.Auditor.Record(security.Event{
				Type:     security.EventAuthFailure,
				Subject:  subject,
				ClientID: clientID,
				Details: map[string]any{
					"severity": "critical",
					"reason":   "bulk_revocation_unsupported",
				},
			})
		}
		return fmt.Errorf("token store must implement RevocationStore for reuse response")
	}

	revokedAtProvider := 0
	failedAtProvider := 0
	totalAtProvider := 0
	if upstream != nil {
		if upstream.AccessToken != "" {
			totalAtProvider++
			if err := s.revokeTokenWithRetry(ctx, upstream.AccessToken, "access", subject, clientID); err != nil {
				failedAtProvider++
			} else {
				revokedAtProvider++
			}
		}
		if upstream.RefreshToken != "" {
			totalAtProvider++
			if err := s.revokeTokenWithRetry(ctx, upstream.RefreshToken, "refresh", subject, clientID); err != nil {
				failedAtProvider++
			} else {
				revokedAtProvider++
			}
		}
	}

	revokedLocally, err := revocationStore.RevokeSubjectTokens(ctx, subject, clientID)
	if err != nil {
		s.Logger.Error("failed to revoke tokens locally",
			"subject_hash", security.HashForLogging(subject),
			"client_id", clientID,
			"error", err)
		return fmt.Errorf("revoking tokens locally: %w", err)
	}

	s.Logger.Warn("revoked all tokens for subject and client",
		"subject_hash", security.HashForLogging(subject),
		"client_id", clientID,
		"revoked_locally", revokedLocally,
		"revoked_at_provider", revokedAtProvider,
		"failed_at_provider", failedAtProvider,
		"reason", "reuse_detection")

	if s.Auditor != nil {
		s.Auditor.Record(security.Event{
			Type:     security.EventAllTokensRevoked,
			Subject:  subject,
			ClientID: clientID,
			Details: map[string]any{
				"severity":                "critical",
				"tokens_revoked_local":    revokedLocally,
				"tokens_revoked_provider": revokedAtProvider,
				"reason":                  "reuse_detection",
			},
		})
	}

	if totalAtProvider > 0 {
		failureRate := float64(failedAtProvider) / float64(totalAtProvider)
		if failureRate > s.Config.ProviderRevocationFailureThreshold {
			s.Logger.Error("provider revocation failure rate exceeds threshold",
				"subject_hash", security.HashForLogging(subject),
				"client_id", clientID,
				"failed", failedAtProvider,
				"total", totalAtProvider,
				"threshold", s.Config.ProviderRevocationFailureThreshold)
			return fmt.Errorf("provider revocation failed for %d/%d tokens, tokens may remain valid at provider",
				failedAtProvider, totalAtProvider)
		}
	}

	return nil
}

// revokeTokenWithRetry revokes a token at the provider with exponential
// backoff (100ms, 200ms, 400ms, ...) and a per-attempt timeout.
func (s *Server) revokeTokenWithRetry(ctx context.Context, token, tokenType, subject, clientID string) error {
	maxRetries := s.Config.ProviderRevocationMaxRetries
	timeout := time.Duration(s.Config.ProviderRevocationTimeout) * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.provider.RevokeToken(attemptCtx, token)
		cancel()

		if err == nil {
			if attempt > 0 {
				s.Logger.Info("provider token revocation succeeded after retry",
					"token_type", tokenType,
					"attempt", attempt+1,
					"subject_hash", security.HashForLogging(subject),
					"client_id", clientID)
			}
			return nil
		}
		lastErr = err

		if attempt < maxRetries {
			backoff := time.Duration(100*math.Pow(2, float64(attempt))) * time.Millisecond
			s.Logger.Debug("provider token revocation failed, retrying",
				"token_type", tokenType,
				"attempt", attempt+1,
				"backoff_ms", backoff.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return fmt.Errorf("revocation cancelled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	s.Logger.Warn("provider token revocation failed after all retries",
		"token_type", tokenType,
		"attempts", maxRetries+1,
		"subject_hash", security.HashForLogging(subject),
		"client_id", clientID,
		"final_error", lastErr)
	return fmt.Errorf("provider revocation failed after %d attempts: %w", maxRetries+1, lastErr)
}
