package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/security"
)

// Code verifier bounds (RFC 7636 section 4.1)
const (
	MinVerifierLength     = 43
	MaxVerifierLength     = 128
	DefaultVerifierLength = MaxVerifierLength

	// ChallengeLength is the length of an unpadded base64url SHA-256 digest.
	ChallengeLength = 43
)

// Supported and known challenge methods
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// GenerateVerifier returns a random code verifier of the given length.
// The alphabet is base64url, which is a subset of the unreserved characters
// RFC 7636 allows.
func GenerateVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", fmt.Errorf("%w: verifier length must be between %d and %d, got %d",
			oautherr.ErrInvalidParameter, MinVerifierLength, MaxVerifierLength, length)
	}

	// 3 bytes encode to 4 characters; round up and trim the surplus.
	buf := make([]byte, (length*3+3)/4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

// GenerateChallenge derives the S256 challenge for a verifier.
func GenerateChallenge(verifier string) (string, error) {
	if err := ValidateVerifier(verifier); err != nil {
		return "", err
	}
	return oauth2.S256ChallengeFromVerifier(verifier), nil
}

// VerifyChallenge reports whether verifier hashes to storedChallenge.
// Malformed input of either kind yields false.
func VerifyChallenge(verifier, storedChallenge string) bool {
	if ValidateVerifier(verifier) != nil || ValidateChallenge(storedChallenge) != nil {
		return false
	}
	return security.ConstantTimeEqual(oauth2.S256ChallengeFromVerifier(verifier), storedChallenge)
}

// ValidateVerifier checks length and alphabet of a code verifier.
// RFC 7636: [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("%w: code_verifier must be at least %d characters", oautherr.ErrInvalidInput, MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: code_verifier must be at most %d characters", oautherr.ErrInvalidInput, MaxVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("%w: code_verifier contains invalid characters (must be [A-Za-z0-9-._~])", oautherr.ErrInvalidInput)
		}
	}
	return nil
}

// ValidateChallenge checks that a stored or submitted challenge has the shape
// of an S256 digest.
func ValidateChallenge(challenge string) error {
	if len(challenge) != ChallengeLength {
		return fmt.Errorf("%w: code_challenge must be %d characters", oautherr.ErrInvalidInput, ChallengeLength)
	}
	for i := 0; i < len(challenge); i++ {
		c := challenge[i]
		if !isAlphaNum(c) && c != '-' && c != '_' {
			return fmt.Errorf("%w: code_challenge is not base64url", oautherr.ErrInvalidInput)
		}
	}
	return nil
}

// ValidateMethod accepts S256 only. An empty method is rejected rather than
// defaulting to plain as RFC 7636 would.
func ValidateMethod(method string) error {
	switch method {
	case MethodS256:
		return nil
	case MethodPlain:
		return fmt.Errorf("%w: code_challenge_method %q is not allowed, use %s", oautherr.ErrInvalidParameter, MethodPlain, MethodS256)
	default:
		return fmt.Errorf("%w: unsupported code_challenge_method %q (supported: %s)", oautherr.ErrInvalidParameter, method, MethodS256)
	}
}

func isUnreserved(c byte) bool {
	return isAlphaNum(c) || c == '-' || c == '.' || c == '_' || c == '~'
}

func isAlphaNum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
