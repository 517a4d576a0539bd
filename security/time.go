package security

import "time"

// DefaultClockSkewGrace is the tolerance applied to expiry checks so that
// minor clock drift between this server, clients, and the IdP does not
// produce false expirations. Tokens remain usable at most this long past
// their recorded expiry.
const DefaultClockSkewGrace = 5 * time.Second

// IsExpired reports whether expiresAt has passed, with the default grace.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGrace(expiresAt, DefaultClockSkewGrace)
}

// IsExpiredWithGrace reports whether expiresAt has passed by more than grace.
// A zero expiresAt means no expiration.
func IsExpiredWithGrace(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(grace))
}

// ExpiresWithin reports whether expiresAt falls inside the next threshold.
func ExpiresWithin(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
