package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/security"
)

// MinHMACKeyLength is the minimum HS256 key size.
const MinHMACKeyLength = 32

// Signer signs access token claims and supplies the key to verify them.
type Signer interface {
	// Sign creates a signed JWT from claims
	Sign(claims jwt.MapClaims) (string, error)

	// VerificationKey is a jwt.Keyfunc. It rejects tokens signed with any
	// other method than Method.
	VerificationKey(token *jwt.Token) (any, error)

	// Method returns the JWT signing method used
	Method() jwt.SigningMethod
}

// HMACSigner implements Signer using symmetric HMAC-SHA256
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates an HS256 signer. The key must be at least
// MinHMACKeyLength bytes.
func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) < MinHMACKeyLength {
		return nil, fmt.Errorf("%w: HMAC key must be at least %d bytes", oautherr.ErrInvalidParameter, MinHMACKeyLength)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{key: k}, nil
}

// NewHMACSignerFromSecret derives the signing key from secret with HKDF.
func NewHMACSignerFromSecret(secret []byte) (*HMACSigner, error) {
	key, err := security.DeriveKey(secret, security.KeyInfoAccessTokenSigning, MinHMACKeyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return NewHMACSigner(key)
}

func (h *HMACSigner) Sign(claims jwt.MapClaims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with HMAC: %w", err)
	}
	return signed, nil
}

func (h *HMACSigner) VerificationKey(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return h.key, nil
}

func (h *HMACSigner) Method() jwt.SigningMethod {
	return jwt.SigningMethodHS256
}

// ECDSASigner implements Signer using ES256 and stamps a kid header.
type ECDSASigner struct {
	privateKey *ecdsa.PrivateKey
	keyID      string
}

// NewECDSASigner creates an ES256 signer from a P-256 private key.
func NewECDSASigner(privateKey *ecdsa.PrivateKey, keyID string) (*ECDSASigner, error) {
	if privateKey == nil {
		return nil, errors.New("private key is required")
	}
	if privateKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: ES256 requires a P-256 key", oautherr.ErrInvalidParameter)
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id is required", oautherr.ErrInvalidParameter)
	}
	return &ECDSASigner{privateKey: privateKey, keyID: keyID}, nil
}

// GenerateECDSASigner creates a signer with a fresh P-256 key and a random kid.
func GenerateECDSASigner() (*ECDSASigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	return NewECDSASigner(key, uuid.NewString())
}

func (e *ECDSASigner) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = e.keyID

	signed, err := token.SignedString(e.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with ECDSA: %w", err)
	}
	return signed, nil
}

func (e *ECDSASigner) VerificationKey(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodES256 {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	if kid, _ := token.Header["kid"].(string); kid != e.keyID {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return &e.privateKey.PublicKey, nil
}

func (e *ECDSASigner) Method() jwt.SigningMethod {
	return jwt.SigningMethodES256
}

// KeyID returns the kid written into token headers.
func (e *ECDSASigner) KeyID() string {
	return e.keyID
}

// PublicKey returns the verification key, e.g. for publishing in a JWKS.
func (e *ECDSASigner) PublicKey() *ecdsa.PublicKey {
	return &e.privateKey.PublicKey
}
