// Package storage defines the persistence capabilities used by the token
// lifecycle: live refresh tokens, the revocation registry and pending
// authorization attempts.
package storage

import (
	"context"
	"time"

	"github.com/giantswarm/oauth-tokens/pkce"
)

// RefreshTokenState is the lifecycle state of a stored refresh token.
type RefreshTokenState string

const (
	// StateLive marks a token that may still be exchanged.
	StateLive RefreshTokenState = "live"
	// StateConsumed marks a token that was rotated. Presenting it again is reuse.
	StateConsumed RefreshTokenState = "consumed"
	// StateRevoked marks a token revoked directly or through its family.
	StateRevoked RefreshTokenState = "revoked"
)

// RefreshTokenRecord is what the live store knows about a refresh token.
// The token itself is never stored, only its SHA-256 hash.
type RefreshTokenRecord struct {
	Hash       string
	Subject    string
	FamilyID   string
	Generation int
	IssuedAt   time.Time
	ExpiresAt  time.Time
	State      RefreshTokenState
	ConsumedAt time.Time
	RevokedAt  time.Time
}

// Live reports whether the record can still be exchanged at now.
func (r *RefreshTokenRecord) Live(now time.Time) bool {
	return r != nil && r.State == StateLive && now.Before(r.ExpiresAt)
}

// Clone returns a copy so callers never share store memory.
func (r *RefreshTokenRecord) Clone() *RefreshTokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// RefreshTokenStore persists refresh tokens by hash.
//
// Consumed and revoked records stay in the store as tombstones until their
// expiry so a replay can be told apart from an unknown token.
// All methods accept context.Context for tracing and cancellation.
type RefreshTokenStore interface {
	// SaveRefreshToken stores a new live token. It returns ErrFamilyRevoked
	// when the token's family has been revoked, and ErrFamilyConflict when the
	// family still has a live member or any member owned by another subject.
	// A family therefore has at most one live token and one owner.
	// SECURITY: the family checks and the write MUST be atomic.
	SaveRefreshToken(ctx context.Context, rec *RefreshTokenRecord) error

	// GetRefreshToken returns the record for hash in whatever state it is.
	GetRefreshToken(ctx context.Context, hash string) (*RefreshTokenRecord, error)

	// ConsumeRefreshToken atomically checks that the token is live, unexpired
	// and owned by subject, then marks it consumed.
	// Returns:
	// - ErrNotFound when the hash is unknown
	// - ErrSubjectMismatch when another subject owns it (the token is left live)
	// - ErrExpired when it is past its expiry
	// - ErrAlreadyConsumed together with the record when it is no longer live
	// SECURITY: This operation MUST be atomic; at most one caller may succeed
	// for a given hash.
	ConsumeRefreshToken(ctx context.Context, hash, subject string, now time.Time) (*RefreshTokenRecord, error)

	// RevokeRefreshToken marks a single token revoked. Unknown hashes return
	// ErrNotFound; revoking twice is not an error.
	RevokeRefreshToken(ctx context.Context, hash string, now time.Time) (*RefreshTokenRecord, error)

	// RevokeFamily records a family tombstone kept until retainUntil and marks
	// every live member revoked. It returns the records it changed.
	RevokeFamily(ctx context.Context, familyID string, retainUntil, now time.Time) ([]*RefreshTokenRecord, error)

	// IsFamilyRevoked reports whether a family tombstone exists.
	IsFamilyRevoked(ctx context.Context, familyID string) (bool, error)

	// DeleteExpiredRefreshTokens removes records past their expiry.
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error)
}

// RevocationEntry is a revocation registry record. Key is the jti of an
// access token or the hash of a refresh token.
type RevocationEntry struct {
	Key         string    `json:"key"`
	TokenType   string    `json:"token_type"`
	FamilyID    string    `json:"family_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RevokedAt   time.Time `json:"revoked_at"`
	RetainUntil time.Time `json:"retain_until"`
}

// RevocationStore persists revocation registry entries.
type RevocationStore interface {
	// AddRevocation stores or replaces an entry. An existing entry keeps the
	// later RetainUntil.
	AddRevocation(ctx context.Context, entry *RevocationEntry) error

	// GetRevocation returns ErrNotFound for unknown keys. Entries whose
	// RetainUntil passed are still returned until removed.
	GetRevocation(ctx context.Context, key string) (*RevocationEntry, error)

	// DeleteRevocationsBefore removes entries revoked before revokedBefore
	// whose RetainUntil is not after now.
	DeleteRevocationsBefore(ctx context.Context, revokedBefore, now time.Time) (int, error)
}

// AttemptStore persists pending authorization attempts.
type AttemptStore interface {
	// SaveAttempt stores or replaces an attempt.
	SaveAttempt(ctx context.Context, attempt *pkce.Attempt) error

	// GetAttempt returns ErrNotFound for unknown ids and ErrExpired past the
	// attempt's TTL.
	GetAttempt(ctx context.Context, id string, now time.Time) (*pkce.Attempt, error)

	// AuthorizeAttempt atomically binds subject to a pending attempt and
	// returns the updated attempt. It returns ErrNotFound, ErrExpired, or
	// ErrAlreadyAuthorized when a subject is already bound.
	AuthorizeAttempt(ctx context.Context, id, subject string, now time.Time) (*pkce.Attempt, error)

	// ConsumeAttempt atomically returns and deletes an attempt.
	// SECURITY: at most one caller may obtain a given attempt.
	ConsumeAttempt(ctx context.Context, id string, now time.Time) (*pkce.Attempt, error)

	// DeleteExpiredAttempts removes attempts past their TTL.
	DeleteExpiredAttempts(ctx context.Context, now time.Time) (int, error)
}

// Store groups every capability a backend provides.
type Store interface {
	RefreshTokenStore
	RevocationStore
	AttemptStore
}
