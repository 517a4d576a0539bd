package storage

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/cobaltcove/toolgate/security"
)

// preservedExtraFields are the oauth2.Token extra fields carried through
// storage. Anything else the IdP attached is dropped; an allowlist keeps
// unknown provider data out of the store.
var preservedExtraFields = []string{
	"id_token",
	"scope",
	"expires_in",
}

// encryptedExtraFields are the subset of preserved fields encrypted at rest.
// The id_token is a signed JWT carrying user identity claims.
var encryptedExtraFields = map[string]bool{
	"id_token": true,
}

// ExtractUpstreamExtra pulls the preserved extra fields out of an IdP token.
// oauth2.Token keeps them in a private raw field only reachable via Extra.
// Returns nil when the token carries none of them.
func ExtractUpstreamExtra(token *oauth2.Token) map[string]any {
	if token == nil {
		return nil
	}
	extra := make(map[string]any, len(preservedExtraFields))
	for _, field := range preservedExtraFields {
		if v := token.Extra(field); v != nil {
			extra[field] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// EncryptUpstreamExtra returns a copy of extra with sensitive fields
// encrypted. A nil or disabled encryptor passes the map through unchanged.
func EncryptUpstreamExtra(extra map[string]any, enc *security.Encryptor) (map[string]any, error) {
	return mapExtraFields(extra, enc, func(e *security.Encryptor, s string) (string, error) {
		return e.Encrypt(s)
	})
}

// DecryptUpstreamExtra reverses EncryptUpstreamExtra.
func DecryptUpstreamExtra(extra map[string]any, enc *security.Encryptor) (map[string]any, error) {
	return mapExtraFields(extra, enc, func(e *security.Encryptor, s string) (string, error) {
		return e.Decrypt(s)
	})
}

func mapExtraFields(extra map[string]any, enc *security.Encryptor, apply func(*security.Encryptor, string) (string, error)) (map[string]any, error) {
	if extra == nil {
		return nil, nil
	}
	if enc == nil || !enc.IsEnabled() {
		return extra, nil
	}
	result := make(map[string]any, len(extra))
	for key, value := range extra {
		str, isString := value.(string)
		if !encryptedExtraFields[key] || !isString || str == "" {
			result[key] = value
			continue
		}
		mapped, err := apply(enc, str)
		if err != nil {
			return nil, fmt.Errorf("extra field %s: %w", key, err)
		}
		result[key] = mapped
	}
	return result, nil
}

// RestoreUpstreamToken rebuilds an oauth2.Token with its preserved extra
// fields attached, after decryption.
func RestoreUpstreamToken(token *oauth2.Token, extra map[string]any) *oauth2.Token {
	if token == nil || len(extra) == 0 {
		return token
	}
	return token.WithExtra(extra)
}
