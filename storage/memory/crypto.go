package memory

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/cobaltcove/toolgate/security"
	"github.com/cobaltcove/toolgate/storage"
)

// cryptUpstream encrypts or decrypts the sensitive fields of an IdP token
// in place: the access token, refresh token, and the preserved extra fields
// (id_token in particular). A nil token or disabled encryptor is a no-op.
func cryptUpstream(upstream **oauth2.Token, enc *security.Encryptor, encrypt bool) error {
	if upstream == nil || *upstream == nil || enc == nil || !enc.IsEnabled() {
		return nil
	}
	token := *upstream

	apply := enc.Decrypt
	mapExtra := storage.DecryptUpstreamExtra
	if encrypt {
		apply = enc.Encrypt
		mapExtra = storage.EncryptUpstreamExtra
	}

	access, err := apply(token.AccessToken)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	refresh := token.RefreshToken
	if refresh != "" {
		if refresh, err = apply(refresh); err != nil {
			return fmt.Errorf("refresh token: %w", err)
		}
	}
	extra, err := mapExtra(storage.ExtractUpstreamExtra(token), enc)
	if err != nil {
		return err
	}

	out := &oauth2.Token{
		AccessToken:  access,
		TokenType:    token.TokenType,
		RefreshToken: refresh,
		Expiry:       token.Expiry,
	}
	*upstream = storage.RestoreUpstreamToken(out, extra)
	return nil
}
