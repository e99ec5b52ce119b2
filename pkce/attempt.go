package pkce

import (
	"fmt"
	"time"

	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/security"
)

// DefaultAttemptTTL is how long an authorization attempt may stay pending.
const DefaultAttemptTTL = 10 * time.Minute

// attemptIDBytes gives state ids 256 bits of entropy.
const attemptIDBytes = 32

// Attempt is a pending authorization: the challenge a client committed to and
// the redirect URI the result will be delivered to. It is redeemed at most once.
type Attempt struct {
	ID              string    `json:"id"`
	CodeChallenge   string    `json:"code_challenge"`
	ChallengeMethod string    `json:"challenge_method"`
	RedirectURI     string    `json:"redirect_uri"`
	Subject         string    `json:"subject,omitempty"` // set once the user has authenticated
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// NewAttempt validates the challenge and method and returns a fresh attempt
// with a random state id. ttl <= 0 uses DefaultAttemptTTL.
func NewAttempt(challenge, method, redirectURI string, now time.Time, ttl time.Duration) (*Attempt, error) {
	if err := ValidateMethod(method); err != nil {
		return nil, err
	}
	if err := ValidateChallenge(challenge); err != nil {
		return nil, err
	}
	if redirectURI == "" {
		return nil, fmt.Errorf("%w: redirect_uri is required", oautherr.ErrInvalidParameter)
	}
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}

	id, err := security.RandomToken(attemptIDBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate attempt id: %w", err)
	}

	return &Attempt{
		ID:              id,
		CodeChallenge:   challenge,
		ChallengeMethod: method,
		RedirectURI:     redirectURI,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}, nil
}

// Expired reports whether the attempt must be treated as absent.
func (a *Attempt) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Authorized reports whether a subject has been bound to the attempt.
func (a *Attempt) Authorized() bool {
	return a.Subject != ""
}
