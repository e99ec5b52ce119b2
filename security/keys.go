package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key derivation labels. Each purpose gets its own label so that the
// signing key and the storage encryption key never coincide.
const (
	KeyInfoAccessTokenSigning = "oauth-tokens/access-token-signing/v1"
	KeyInfoStorageEncryption  = "oauth-tokens/storage-encryption/v1"
)

// MinSecretLength is the minimum length of the configured token secret.
const MinSecretLength = 32

// DeriveKey derives a key of the given size from secret using HKDF-SHA256.
// The info label binds the key to one purpose.
func DeriveKey(secret []byte, info string, size int) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	if size <= 0 {
		return nil, fmt.Errorf("derived key size must be positive, got %d", size)
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
