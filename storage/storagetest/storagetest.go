// Package storagetest holds the behavioral tests every storage backend must
// pass. Backends call Run from their own _test.go files.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-tokens/pkce"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) storage.Store

const (
	testSubject = "user-123"
	// testChallenge is the RFC 7636 appendix B challenge.
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

// Run executes the shared storage behavior tests against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveAndGetRefreshToken", func(t *testing.T) { testSaveAndGet(t, newStore(t)) })
	t.Run("ConsumeOnce", func(t *testing.T) { testConsumeOnce(t, newStore(t)) })
	t.Run("ConsumeSubjectMismatch", func(t *testing.T) { testConsumeSubjectMismatch(t, newStore(t)) })
	t.Run("ConsumeExpired", func(t *testing.T) { testConsumeExpired(t, newStore(t)) })
	t.Run("ConsumeUnknown", func(t *testing.T) { testConsumeUnknown(t, newStore(t)) })
	t.Run("ConcurrentConsume", func(t *testing.T) { testConcurrentConsume(t, newStore(t)) })
	t.Run("RevokeRefreshToken", func(t *testing.T) { testRevokeRefreshToken(t, newStore(t)) })
	t.Run("RevokeFamily", func(t *testing.T) { testRevokeFamily(t, newStore(t)) })
	t.Run("RevokeFamilyIsolation", func(t *testing.T) { testRevokeFamilyIsolation(t, newStore(t)) })
	t.Run("FamilySingleLiveMember", func(t *testing.T) { testFamilySingleLiveMember(t, newStore(t)) })
	t.Run("FamilySingleOwner", func(t *testing.T) { testFamilySingleOwner(t, newStore(t)) })
	t.Run("Revocations", func(t *testing.T) { testRevocations(t, newStore(t)) })
	t.Run("RevocationsCleanup", func(t *testing.T) { testRevocationsCleanup(t, newStore(t)) })
	t.Run("Attempts", func(t *testing.T) { testAttempts(t, newStore(t)) })
	t.Run("AttemptConsumeOnce", func(t *testing.T) { testAttemptConsumeOnce(t, newStore(t)) })
	t.Run("AuthorizeAttempt", func(t *testing.T) { testAuthorizeAttempt(t, newStore(t)) })
	t.Run("ConcurrentAuthorizeAttempt", func(t *testing.T) { testConcurrentAuthorizeAttempt(t, newStore(t)) })
}

// NewRecord returns a live record for subject in familyID issued at now.
func NewRecord(t *testing.T, subject, familyID string, generation int, now time.Time, ttl time.Duration) *storage.RefreshTokenRecord {
	t.Helper()
	raw, err := security.RandomToken(security.RefreshTokenBytes)
	require.NoError(t, err)
	return &storage.RefreshTokenRecord{
		Hash:       security.HashToken(raw),
		Subject:    subject,
		FamilyID:   familyID,
		Generation: generation,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
}

func testSaveAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	rec := NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)

	require.NoError(t, s.SaveRefreshToken(ctx, rec))

	got, err := s.GetRefreshToken(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, got.Hash)
	assert.Equal(t, testSubject, got.Subject)
	assert.Equal(t, rec.FamilyID, got.FamilyID)
	assert.Equal(t, 1, got.Generation)
	assert.Equal(t, storage.StateLive, got.State)
	assert.WithinDuration(t, rec.ExpiresAt, got.ExpiresAt, time.Millisecond)
	assert.True(t, got.Live(now))

	_, err = s.GetRefreshToken(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConsumeOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	rec := NewRecord(t, testSubject, uuid.NewString(), 3, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, rec))

	consumed, err := s.ConsumeRefreshToken(ctx, rec.Hash, testSubject, now)
	require.NoError(t, err)
	assert.Equal(t, rec.FamilyID, consumed.FamilyID)
	assert.Equal(t, 3, consumed.Generation)
	assert.Equal(t, storage.StateConsumed, consumed.State)

	again, err := s.ConsumeRefreshToken(ctx, rec.Hash, testSubject, now)
	require.ErrorIs(t, err, storage.ErrAlreadyConsumed)
	require.NotNil(t, again, "a replay must report the family it belongs to")
	assert.Equal(t, rec.FamilyID, again.FamilyID)
}

func testConsumeSubjectMismatch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	rec := NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, rec))

	_, err := s.ConsumeRefreshToken(ctx, rec.Hash, "someone-else", now)
	require.ErrorIs(t, err, storage.ErrSubjectMismatch)

	got, err := s.GetRefreshToken(ctx, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, storage.StateLive, got.State, "a mismatched presentation must not burn the token")

	_, err = s.ConsumeRefreshToken(ctx, rec.Hash, testSubject, now)
	assert.NoError(t, err)
}

func testConsumeExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	rec := NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Minute)
	require.NoError(t, s.SaveRefreshToken(ctx, rec))

	_, err := s.ConsumeRefreshToken(ctx, rec.Hash, testSubject, now.Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrExpired)
}

func testConsumeUnknown(t *testing.T, s storage.Store) {
	_, err := s.ConsumeRefreshToken(context.Background(), security.HashToken("never-issued"), testSubject, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	rec := NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, rec))

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		replays   int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeRefreshToken(ctx, rec.Hash, testSubject, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrAlreadyConsumed):
				replays++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, replays)
}

func testRevokeRefreshToken(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	rec := NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, rec))

	revoked, err := s.RevokeRefreshToken(ctx, rec.Hash, now)
	require.NoError(t, err)
	assert.Equal(t, storage.StateRevoked, revoked.State)

	_, err = s.RevokeRefreshToken(ctx, rec.Hash, now)
	require.NoError(t, err, "revoking twice is not an error")

	_, err = s.ConsumeRefreshToken(ctx, rec.Hash, testSubject, now)
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)

	_, err = s.RevokeRefreshToken(ctx, "unknown", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRevokeFamily(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	family := uuid.NewString()

	first := NewRecord(t, testSubject, family, 1, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, first))
	_, err := s.ConsumeRefreshToken(ctx, first.Hash, testSubject, now)
	require.NoError(t, err)

	second := NewRecord(t, testSubject, family, 2, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, second))

	revoked, err := s.RevokeFamily(ctx, family, now.Add(time.Hour), now)
	require.NoError(t, err)
	require.Len(t, revoked, 1, "only the live member changes state")
	assert.Equal(t, second.Hash, revoked[0].Hash)

	isRevoked, err := s.IsFamilyRevoked(ctx, family)
	require.NoError(t, err)
	assert.True(t, isRevoked)

	got, err := s.GetRefreshToken(ctx, second.Hash)
	require.NoError(t, err)
	assert.Equal(t, storage.StateRevoked, got.State)

	third := NewRecord(t, testSubject, family, 3, now, time.Hour)
	assert.ErrorIs(t, s.SaveRefreshToken(ctx, third), storage.ErrFamilyRevoked)

	again, err := s.RevokeFamily(ctx, family, now.Add(time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func testRevokeFamilyIsolation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()

	victim := NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)
	bystander := NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, victim))
	require.NoError(t, s.SaveRefreshToken(ctx, bystander))

	_, err := s.RevokeFamily(ctx, victim.FamilyID, now.Add(time.Hour), now)
	require.NoError(t, err)

	got, err := s.GetRefreshToken(ctx, bystander.Hash)
	require.NoError(t, err)
	assert.Equal(t, storage.StateLive, got.State)

	revoked, err := s.IsFamilyRevoked(ctx, bystander.FamilyID)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func testFamilySingleLiveMember(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	family := uuid.NewString()

	first := NewRecord(t, testSubject, family, 1, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, first))

	second := NewRecord(t, testSubject, family, 1, now, time.Hour)
	assert.ErrorIs(t, s.SaveRefreshToken(ctx, second), storage.ErrFamilyConflict)

	_, err := s.GetRefreshToken(ctx, second.Hash)
	assert.ErrorIs(t, err, storage.ErrNotFound, "a refused token must not be stored")

	_, err = s.ConsumeRefreshToken(ctx, first.Hash, testSubject, now)
	require.NoError(t, err)

	next := NewRecord(t, testSubject, family, 2, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, next), "successor of a consumed token")

	// A live member past its expiry no longer blocks the family.
	later := now.Add(2 * time.Hour)
	fresh := NewRecord(t, testSubject, family, 1, later, time.Hour)
	assert.NoError(t, s.SaveRefreshToken(ctx, fresh))
}

func testFamilySingleOwner(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	family := uuid.NewString()

	owned := NewRecord(t, testSubject, family, 1, now, time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, owned))
	_, err := s.ConsumeRefreshToken(ctx, owned.Hash, testSubject, now)
	require.NoError(t, err)

	intruder := NewRecord(t, "other-subject", family, 1, now, time.Hour)
	assert.ErrorIs(t, s.SaveRefreshToken(ctx, intruder), storage.ErrFamilyConflict)

	_, err = s.GetRefreshToken(ctx, intruder.Hash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRevocations(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	entry := &storage.RevocationEntry{
		Key:         "jti-1",
		TokenType:   "access",
		Reason:      "logout",
		RevokedAt:   now,
		RetainUntil: now.Add(time.Hour),
	}
	require.NoError(t, s.AddRevocation(ctx, entry))

	got, err := s.GetRevocation(ctx, "jti-1")
	require.NoError(t, err)
	assert.Equal(t, "access", got.TokenType)
	assert.Equal(t, "logout", got.Reason)
	assert.WithinDuration(t, now.Add(time.Hour), got.RetainUntil, time.Millisecond)

	// A shorter retention never shrinks an existing entry.
	shorter := *entry
	shorter.RetainUntil = now.Add(time.Minute)
	shorter.FamilyID = "family-1"
	require.NoError(t, s.AddRevocation(ctx, &shorter))

	got, err = s.GetRevocation(ctx, "jti-1")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), got.RetainUntil, time.Millisecond)
	assert.Equal(t, "family-1", got.FamilyID)

	_, err = s.GetRevocation(ctx, "jti-unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRevocationsCleanup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	old := &storage.RevocationEntry{Key: "old", TokenType: "refresh", RevokedAt: now.Add(-48 * time.Hour), RetainUntil: now.Add(-time.Hour)}
	retained := &storage.RevocationEntry{Key: "retained", TokenType: "refresh", RevokedAt: now.Add(-48 * time.Hour), RetainUntil: now.Add(time.Hour)}
	recent := &storage.RevocationEntry{Key: "recent", TokenType: "access", RevokedAt: now.Add(-time.Minute), RetainUntil: now.Add(-time.Second)}
	for _, e := range []*storage.RevocationEntry{old, retained, recent} {
		require.NoError(t, s.AddRevocation(ctx, e))
	}

	removed, err := s.DeleteRevocationsBefore(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetRevocation(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRevocation(ctx, "retained")
	assert.NoError(t, err, "an entry inside its retention window survives")
	_, err = s.GetRevocation(ctx, "recent")
	assert.NoError(t, err, "an entry younger than maxAge survives")
}

func testAuthorizeAttempt(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	a := newAttempt(t, now, 10*time.Minute)
	require.NoError(t, s.SaveAttempt(ctx, a))

	got, err := s.AuthorizeAttempt(ctx, a.ID, testSubject, now)
	require.NoError(t, err)
	assert.Equal(t, testSubject, got.Subject)
	assert.Equal(t, testChallenge, got.CodeChallenge)

	stored, err := s.GetAttempt(ctx, a.ID, now)
	require.NoError(t, err)
	assert.Equal(t, testSubject, stored.Subject)

	_, err = s.AuthorizeAttempt(ctx, a.ID, "other-subject", now)
	assert.ErrorIs(t, err, storage.ErrAlreadyAuthorized)

	_, err = s.AuthorizeAttempt(ctx, "missing", testSubject, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	expired := newAttempt(t, now, time.Minute)
	require.NoError(t, s.SaveAttempt(ctx, expired))
	_, err = s.AuthorizeAttempt(ctx, expired.ID, testSubject, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, storage.ErrExpired)

	// A consumed attempt stays gone.
	pending := newAttempt(t, now, 10*time.Minute)
	require.NoError(t, s.SaveAttempt(ctx, pending))
	_, err = s.ConsumeAttempt(ctx, pending.ID, now)
	require.NoError(t, err)
	_, err = s.AuthorizeAttempt(ctx, pending.ID, testSubject, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetAttempt(ctx, pending.ID, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentAuthorizeAttempt(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	a := newAttempt(t, now, 10*time.Minute)
	require.NoError(t, s.SaveAttempt(ctx, a))

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		otherErrs []error
	)
	for i := range workers {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			_, err := s.AuthorizeAttempt(ctx, a.ID, subject, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, subject)
			case !errors.Is(err, storage.ErrAlreadyAuthorized):
				otherErrs = append(otherErrs, err)
			}
		}(fmt.Sprintf("subject-%d", i))
	}
	wg.Wait()

	require.Empty(t, otherErrs)
	require.Len(t, winners, 1, "exactly one completion may bind a subject")

	stored, err := s.GetAttempt(ctx, a.ID, now)
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.Subject)
}

func newAttempt(t *testing.T, now time.Time, ttl time.Duration) *pkce.Attempt {
	t.Helper()
	a, err := pkce.NewAttempt(testChallenge, pkce.MethodS256, "https://app.example.com/cb", now, ttl)
	require.NoError(t, err)
	return a
}

func testAttempts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	a := newAttempt(t, now, 10*time.Minute)

	require.NoError(t, s.SaveAttempt(ctx, a))

	got, err := s.GetAttempt(ctx, a.ID, now)
	require.NoError(t, err)
	assert.Equal(t, testChallenge, got.CodeChallenge)
	assert.Equal(t, "https://app.example.com/cb", got.RedirectURI)

	_, err = s.GetAttempt(ctx, a.ID, now.Add(10*time.Minute))
	assert.ErrorIs(t, err, storage.ErrExpired)

	_, err = s.GetAttempt(ctx, "missing", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got.Subject = testSubject
	require.NoError(t, s.SaveAttempt(ctx, got))
	updated, err := s.GetAttempt(ctx, a.ID, now)
	require.NoError(t, err)
	assert.Equal(t, testSubject, updated.Subject)
}

func testAttemptConsumeOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	a := newAttempt(t, now, 10*time.Minute)
	require.NoError(t, s.SaveAttempt(ctx, a))

	got, err := s.ConsumeAttempt(ctx, a.ID, now)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.ConsumeAttempt(ctx, a.ID, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	expired := newAttempt(t, now, time.Minute)
	require.NoError(t, s.SaveAttempt(ctx, expired))
	_, err = s.ConsumeAttempt(ctx, expired.ID, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, storage.ErrExpired)
}
