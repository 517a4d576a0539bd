package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cobaltcove/toolgate/security"
	"github.com/cobaltcove/toolgate/storage"
)

// Client type constants.
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591).
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// RegisterClient registers a new OAuth client with IP-based DoS protection.
// tokenEndpointAuthMethod determines how the client authenticates at the
// token endpoint:
//   - "none": public client (no secret, PKCE-only) for native/CLI apps
//   - "client_secret_basic": confidential client, Basic auth (default)
//   - "client_secret_post": confidential client, POST form
//
// The plaintext secret is returned exactly once; only the bcrypt hash is
// stored.
func (s *Server) RegisterClient(ctx context.Context, clientName, clientType, tokenEndpointAuthMethod string, redirectURIs, scopes []string, clientIP string) (*storage.Client, string, error) {
	if !s.Config.EnableClientRegistration {
		return nil, "", fmt.Errorf("dynamic client registration is disabled")
	}

	if err := s.clientStore.CheckIPLimit(ctx, clientIP, s.Config.MaxClientsPerIP); err != nil {
		if s.Auditor != nil {
			s.Auditor.Record(security.Event{
				Type:     security.EventClientRegistrationRejected,
				SourceIP: clientIP,
				Details:  map[string]any{"reason": "ip_registration_limit"},
			})
		}
		return nil, "", err
	}

	if err := s.validateRedirectURIsWithAudit(ctx, redirectURIs, clientIP); err != nil {
		return nil, "", err
	}

	if err := s.validateRegistrationScopes(scopes); err != nil {
		return nil, "", err
	}

	clientID := generateRandomToken()
	clientType, tokenEndpointAuthMethod = resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod)
	clientSecret, secretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", err
	}

	client := &storage.Client{
		ClientID:                clientID,
		SecretHash:              secretHash,
		Type:                    clientType,
		Name:                    clientName,
		RedirectURIs:            redirectURIs,
		Scopes:                  scopes,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: tokenEndpointAuthMethod,
		RegistrationIP:          clientIP,
		CreatedAt:               time.Now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.ClientRegistered(client.ClientID, client.Type, clientIP)
	}

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.Name,
		"client_type", client.Type,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// validateRedirectURIsWithAudit validates redirect URIs and records
// failures for auditing.
func (s *Server) validateRedirectURIsWithAudit(ctx context.Context, redirectURIs []string, clientIP string) error {
	if err := s.ValidateRedirectURIsForRegistration(ctx, redirectURIs); err != nil {
		if s.Auditor != nil {
			s.Auditor.Record(security.Event{
				Type:     security.EventClientRegistrationRejected,
				SourceIP: clientIP,
				Details: map[string]any{
					"reason":   "redirect_uri_validation_failed",
					"category": GetRedirectURIErrorCategory(err),
				},
			})
		}
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"error", err.Error(),
			"client_ip", clientIP)
		return fmt.Errorf("invalid_redirect_uri: %w", err)
	}
	return nil
}

// validateRegistrationScopes checks requested client scopes against the
// server's supported scope list.
func (s *Server) validateRegistrationScopes(scopes []string) error {
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	for _, scope := range scopes {
		found := false
		for _, supported := range s.Config.SupportedScopes {
			if scope == supported {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("invalid_scope: unsupported scope: %s", scope)
		}
	}
	return nil
}

// resolveClientTypeAndAuthMethod determines the client type and auth
// method per RFC 7591 Section 2: token_endpoint_auth_method wins.
func resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod string) (string, string) {
	if tokenEndpointAuthMethod == TokenEndpointAuthMethodNone {
		clientType = ClientTypePublic
	} else if clientType == "" {
		clientType = ClientTypeConfidential
	}

	if tokenEndpointAuthMethod == "" {
		if clientType == ClientTypePublic {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodNone
		} else {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
		}
	}

	return clientType, tokenEndpointAuthMethod
}

// HashClientSecret hashes a client secret for storage, for callers that
// seed clients with externally supplied secrets.
func HashClientSecret(clientSecret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// generateClientSecret generates a secret for confidential clients.
// Public clients get no secret.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// SeedClient stores a statically configured client, bypassing the
// registration capability gate. Used at startup for deployments with
// dynamic registration disabled.
func (s *Server) SeedClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("seeded client requires a client ID")
	}
	if len(client.RedirectURIs) == 0 {
		return fmt.Errorf("seeded client requires at least one redirect URI")
	}
	if client.Type == "" {
		client.Type, client.TokenEndpointAuthMethod = resolveClientTypeAndAuthMethod(client.Type, client.TokenEndpointAuthMethod)
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}
	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return fmt.Errorf("failed to seed client: %w", err)
	}
	s.Logger.Info("Seeded OAuth client", "client_id", client.ClientID, "client_type", client.Type)
	return nil
}

// ValidateClientCredentials validates client credentials for the token
// endpoint.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
}

// GetClient retrieves a client by ID.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}
