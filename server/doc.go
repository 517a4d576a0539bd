// Package server implements the core OAuth 2.1 authorization server logic.
//
// This package provides the flow engine behind the HTTP surface: the
// authorization code flow with mandatory PKCE, exactly-once code
// redemption, refresh token rotation with family reuse detection, and
// dynamic client registration. It coordinates between the identity
// provider gateway, storage backends, and security features while
// remaining provider-agnostic.
//
// The Server type delegates to specialized modules:
//   - Identity provider integration (idp package)
//   - Token, client, and flow storage (storage package)
//   - Security features (security package)
//
// Example usage:
//
//	provider, err := oidc.NewProvider(&oidc.Config{...})
//	store := memory.New()
//
//	config := &server.Config{
//	    Issuer: "https://auth.example.com",
//	}
//
//	srv, err := server.New(provider, store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
