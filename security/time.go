package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to stored expiry
// timestamps (refresh tokens, authorization attempts) when several instances
// share one backend and their clocks drift slightly.
// Access token expiry is checked without grace.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpiredAt reports whether expiresAt lies more than the default grace
// period before now.
func IsExpiredAt(expiresAt, now time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, now, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks expiry with a custom clock skew grace period.
// A zero expiresAt never expires.
func IsExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
