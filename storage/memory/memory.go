package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/pkce"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging hashes and ids
	tokenIDLogLength = 8

	// maxFamilyTombstones is the threshold for warning about excessive family tombstones.
	// A steady climb usually means a client is replaying tokens in a loop.
	maxFamilyTombstones = 10000

	storageType = "memory"
)

// familyTombstone records that every member of a family is rejected.
type familyTombstone struct {
	revokedAt   time.Time
	retainUntil time.Time
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	// Refresh tokens by hash, including consumed and revoked tombstones
	refreshTokens map[string]*storage.RefreshTokenRecord
	families      map[string]map[string]struct{} // family id -> member hashes
	revokedFams   map[string]familyTombstone

	revocations map[string]*storage.RevocationEntry
	attempts    map[string]*pkce.Attempt

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	refreshTokensCountAtomic atomic.Int64
	revocationsCountAtomic   atomic.Int64
	attemptsCountAtomic      atomic.Int64

	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.RevocationStore   = (*Store)(nil)
	_ storage.AttemptStore      = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		refreshTokens: make(map[string]*storage.RefreshTokenRecord),
		families:      make(map[string]map[string]struct{}),
		revokedFams:   make(map[string]familyTombstone),
		revocations:   make(map[string]*storage.RevocationEntry),
		attempts:      make(map[string]*pkce.Attempt),
		logger:        slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.revocationsCountAtomic.Store(int64(len(s.revocations)))
	s.attemptsCountAtomic.Store(int64(len(s.attempts)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.refreshTokensCountAtomic.Load() },
			func() int64 { return s.revocationsCountAtomic.Load() },
			func() int64 { return s.attemptsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a new live refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, rec *storage.RefreshTokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if rec == nil {
		err = fmt.Errorf("refresh token record cannot be nil")
		return err
	}
	if rec.Hash == "" || rec.FamilyID == "" {
		err = fmt.Errorf("refresh token record requires hash and family id")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, revoked := s.revokedFams[rec.FamilyID]; revoked {
		err = storage.ErrFamilyRevoked
		return err
	}
	for hash := range s.families[rec.FamilyID] {
		member, ok := s.refreshTokens[hash]
		if !ok || hash == rec.Hash {
			continue
		}
		if member.Subject != rec.Subject || member.Live(rec.IssuedAt) {
			err = storage.ErrFamilyConflict
			return err
		}
	}

	stored := rec.Clone()
	stored.State = storage.StateLive
	stored.ConsumedAt = time.Time{}
	stored.RevokedAt = time.Time{}

	if _, existed := s.refreshTokens[stored.Hash]; !existed {
		s.refreshTokensCountAtomic.Add(1)
	}
	s.refreshTokens[stored.Hash] = stored

	members, ok := s.families[stored.FamilyID]
	if !ok {
		members = make(map[string]struct{})
		s.families[stored.FamilyID] = members
	}
	members[stored.Hash] = struct{}{}

	s.logger.Debug("Saved refresh token",
		"token_hash", util.SafeTruncate(stored.Hash, tokenIDLogLength),
		"family_id", util.SafeTruncate(stored.FamilyID, tokenIDLogLength),
		"generation", stored.Generation)

	return nil
}

// GetRefreshToken returns a copy of the record for hash
func (s *Store) GetRefreshToken(ctx context.Context, hash string) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime)
	}()

	s.mu.RLock()
	rec, ok := s.refreshTokens[hash]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}
	return rec.Clone(), nil
}

// ConsumeRefreshToken atomically marks a live token consumed.
// The whole check runs under the write lock, so two callers can never both
// observe the token as live.
func (s *Store) ConsumeRefreshToken(ctx context.Context, hash, subject string, now time.Time) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[hash]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}

	if !security.ConstantTimeEqual(rec.Subject, subject) {
		err = storage.ErrSubjectMismatch
		return nil, err
	}

	if rec.State != storage.StateLive {
		// Not an operation failure: the caller needs the record to revoke the family.
		return rec.Clone(), storage.ErrAlreadyConsumed
	}

	if !now.Before(rec.ExpiresAt) {
		err = storage.ErrExpired
		return nil, err
	}

	rec.State = storage.StateConsumed
	rec.ConsumedAt = now

	return rec.Clone(), nil
}

// RevokeRefreshToken marks a single token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string, now time.Time) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[hash]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}

	if rec.State != storage.StateRevoked {
		rec.State = storage.StateRevoked
		rec.RevokedAt = now
	}
	return rec.Clone(), nil
}

// RevokeFamily writes the family tombstone and revokes every member that is
// still live. Consumed members are left as they are.
func (s *Store) RevokeFamily(ctx context.Context, familyID string, retainUntil, now time.Time) ([]*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_family")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_family", err, startTime)
	}()

	if familyID == "" {
		err = fmt.Errorf("family id cannot be empty")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tomb, exists := s.revokedFams[familyID]
	if !exists {
		tomb.revokedAt = now
	}
	if retainUntil.After(tomb.retainUntil) {
		tomb.retainUntil = retainUntil
	}
	s.revokedFams[familyID] = tomb

	var revoked []*storage.RefreshTokenRecord
	for hash := range s.families[familyID] {
		rec, ok := s.refreshTokens[hash]
		if !ok || rec.State != storage.StateLive {
			continue
		}
		rec.State = storage.StateRevoked
		rec.RevokedAt = now
		revoked = append(revoked, rec.Clone())
	}

	if len(s.revokedFams) > maxFamilyTombstones {
		s.logger.Warn("Revoked family tombstones approaching limit - possible token replay loop",
			"current_count", len(s.revokedFams),
			"max_threshold", maxFamilyTombstones)
	}

	return revoked, nil
}

// IsFamilyRevoked reports whether a family tombstone exists
func (s *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, revoked := s.revokedFams[familyID]
	return revoked, nil
}

// DeleteExpiredRefreshTokens removes records past their expiry (with the
// clock skew grace period) and family tombstones past their retention.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_expired_refresh_tokens")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_expired_refresh_tokens", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for hash, rec := range s.refreshTokens {
		if !security.IsExpiredAt(rec.ExpiresAt, now) {
			continue
		}
		delete(s.refreshTokens, hash)
		if members, ok := s.families[rec.FamilyID]; ok {
			delete(members, hash)
			if len(members) == 0 {
				delete(s.families, rec.FamilyID)
			}
		}
		removed++
	}
	s.refreshTokensCountAtomic.Add(int64(-removed))

	for familyID, tomb := range s.revokedFams {
		if !now.Before(tomb.retainUntil) {
			delete(s.revokedFams, familyID)
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired refresh tokens", "count", removed)
	}
	return removed, nil
}

// ============================================================
// RevocationStore Implementation
// ============================================================

// AddRevocation stores a registry entry, keeping the later retention
func (s *Store) AddRevocation(ctx context.Context, entry *storage.RevocationEntry) error {
	ctx, span := s.startStorageSpan(ctx, "add_revocation")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "add_revocation", err, startTime)
	}()

	if entry == nil || entry.Key == "" {
		err = fmt.Errorf("revocation entry requires a key")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	if existing, ok := s.revocations[entry.Key]; ok {
		if existing.RetainUntil.After(stored.RetainUntil) {
			stored.RetainUntil = existing.RetainUntil
		}
		if stored.FamilyID == "" {
			stored.FamilyID = existing.FamilyID
		}
	} else {
		s.revocationsCountAtomic.Add(1)
	}
	s.revocations[entry.Key] = &stored

	return nil
}

// GetRevocation returns a copy of the entry for key
func (s *Store) GetRevocation(ctx context.Context, key string) (*storage.RevocationEntry, error) {
	s.mu.RLock()
	entry, ok := s.revocations[key]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *entry
	return &c, nil
}

// DeleteRevocationsBefore removes entries revoked before revokedBefore whose
// retention has passed
func (s *Store) DeleteRevocationsBefore(ctx context.Context, revokedBefore, now time.Time) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_revocations")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_revocations", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.revocations {
		if entry.RevokedAt.Before(revokedBefore) && !entry.RetainUntil.After(now) {
			delete(s.revocations, key)
			removed++
		}
	}
	s.revocationsCountAtomic.Add(int64(-removed))

	return removed, nil
}

// ============================================================
// AttemptStore Implementation
// ============================================================

// SaveAttempt stores an authorization attempt
func (s *Store) SaveAttempt(ctx context.Context, attempt *pkce.Attempt) error {
	ctx, span := s.startStorageSpan(ctx, "save_attempt")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_attempt", err, startTime)
	}()

	if attempt == nil || attempt.ID == "" {
		err = fmt.Errorf("attempt requires an id")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.attempts[attempt.ID]; !existed {
		s.attemptsCountAtomic.Add(1)
	}
	stored := *attempt
	s.attempts[attempt.ID] = &stored

	return nil
}

// GetAttempt returns a copy of a pending attempt
func (s *Store) GetAttempt(ctx context.Context, id string, now time.Time) (*pkce.Attempt, error) {
	s.mu.RLock()
	attempt, ok := s.attempts[id]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if attempt.Expired(now) {
		return nil, storage.ErrExpired
	}
	c := *attempt
	return &c, nil
}

// AuthorizeAttempt binds subject to a pending attempt under the write lock
func (s *Store) AuthorizeAttempt(ctx context.Context, id, subject string, now time.Time) (*pkce.Attempt, error) {
	ctx, span := s.startStorageSpan(ctx, "authorize_attempt")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "authorize_attempt", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[id]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}
	if attempt.Expired(now) {
		err = storage.ErrExpired
		return nil, err
	}
	if attempt.Authorized() {
		err = storage.ErrAlreadyAuthorized
		return nil, err
	}

	attempt.Subject = subject
	c := *attempt
	return &c, nil
}

// ConsumeAttempt atomically returns and deletes an attempt. An expired
// attempt is deleted as well.
func (s *Store) ConsumeAttempt(ctx context.Context, id string, now time.Time) (*pkce.Attempt, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_attempt")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_attempt", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[id]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}
	delete(s.attempts, id)
	s.attemptsCountAtomic.Add(-1)

	if attempt.Expired(now) {
		err = storage.ErrExpired
		return nil, err
	}
	return attempt, nil
}

// DeleteExpiredAttempts removes attempts past their TTL
func (s *Store) DeleteExpiredAttempts(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, attempt := range s.attempts {
		if attempt.Expired(now) {
			delete(s.attempts, id)
			removed++
		}
	}
	s.attemptsCountAtomic.Add(int64(-removed))

	return removed, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return instrumentation.NoopTracer().Start(ctx, operation)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation))
	instrumentation.AddStorageAttributes(span, operation, storageType)

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := instrumentation.ResultSuccess
	if err != nil {
		result = instrumentation.ResultError
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
