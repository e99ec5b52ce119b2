package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashToken returns the hex encoded SHA-256 digest of a token.
// Refresh tokens are only ever stored and looked up by this digest.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashIdentifier returns a short, non-reversible form of an identifier
// (such as a subject) that is safe to put in audit logs.
func HashIdentifier(id string) string {
	if id == "" {
		return ""
	}
	return HashToken(id)[:16]
}

// ConstantTimeEqual compares two strings without leaking where they differ.
// Strings of different length compare unequal.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
