package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to expiry checks.
// It prevents false expiration errors from minor clock drift between the
// client, this server, and the identity provider; 5 seconds covers typical
// NTP drift while barely extending credential lifetimes.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks if a credential is expired with the default clock
// skew grace period. A zero expiry means no expiration.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiry with a custom grace period
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
