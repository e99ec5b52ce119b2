package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/storage"
)

// Token types recorded on registry entries.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Revocation reasons.
const (
	ReasonRevoked       = "revoked"
	ReasonRotated       = "rotated"
	ReasonReuseDetected = "reuse_detected"
	ReasonFamilyRevoked = "family_revoked"
)

const idLogLength = 8

// Config sets the minimum retention per token type. Each must be at least the
// longest lifetime a token of that type can be issued with.
type Config struct {
	AccessRetention  time.Duration
	RefreshRetention time.Duration
}

// Metadata describes a revocation.
type Metadata struct {
	TokenType string
	FamilyID  string
	Reason    string
	// RevokedAt defaults to the registry clock.
	RevokedAt time.Time
	// ExpiresAt is the natural expiry of the revoked token, if known.
	ExpiresAt time.Time
}

// Registry records revoked tokens and families.
type Registry struct {
	entries  storage.RevocationStore
	families storage.RefreshTokenStore
	config   Config

	now     func() time.Time
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewRegistry creates a registry over the given stores.
func NewRegistry(entries storage.RevocationStore, families storage.RefreshTokenStore, cfg Config) (*Registry, error) {
	if entries == nil {
		return nil, errors.New("revocation store is required")
	}
	if families == nil {
		return nil, errors.New("refresh token store is required")
	}
	if cfg.AccessRetention <= 0 || cfg.RefreshRetention <= 0 {
		return nil, fmt.Errorf("%w: retention periods must be positive", oautherr.ErrInvalidParameter)
	}
	return &Registry{
		entries:  entries,
		families: families,
		config:   cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}, nil
}

// SetLogger sets a custom logger
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the registry
func (r *Registry) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.metrics = inst.Metrics()
}

// LongestRetention is the smallest maxAge Cleanup accepts.
func (r *Registry) LongestRetention() time.Duration {
	return max(r.config.AccessRetention, r.config.RefreshRetention)
}

func (r *Registry) retentionFor(tokenType string) time.Duration {
	if tokenType == TokenTypeAccess {
		return r.config.AccessRetention
	}
	return r.config.RefreshRetention
}

// IsRevoked reports whether key is in the registry. An entry past its
// retention still counts until Cleanup removes it. A storage failure is
// reported as revoked.
func (r *Registry) IsRevoked(ctx context.Context, key string) bool {
	_, revoked := r.Lookup(ctx, key)
	return revoked
}

// Lookup returns the entry for key. The entry is nil when the store failed,
// in which case revoked is still true.
func (r *Registry) Lookup(ctx context.Context, key string) (*storage.RevocationEntry, bool) {
	if key == "" {
		return nil, false
	}
	entry, err := r.entries.GetRevocation(ctx, key)
	if err == nil {
		return entry, true
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	r.logger.Error("Revocation lookup failed, treating token as revoked",
		"key", util.SafeTruncate(key, idLogLength),
		"error", err)
	return nil, true
}

// Add records key as revoked. The entry is retained until the later of the
// token's own expiry and now plus the minimum retention for its type.
// Adding an existing key never shortens its retention.
func (r *Registry) Add(ctx context.Context, key string, meta Metadata) error {
	if key == "" {
		return fmt.Errorf("%w: revocation key cannot be empty", oautherr.ErrInvalidParameter)
	}

	now := r.now()
	revokedAt := meta.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = now
	}
	retainUntil := now.Add(r.retentionFor(meta.TokenType))
	if meta.ExpiresAt.After(retainUntil) {
		retainUntil = meta.ExpiresAt
	}

	entry := &storage.RevocationEntry{
		Key:         key,
		TokenType:   meta.TokenType,
		FamilyID:    meta.FamilyID,
		Reason:      meta.Reason,
		RevokedAt:   revokedAt,
		RetainUntil: retainUntil,
	}
	if err := r.entries.AddRevocation(ctx, entry); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}

	r.logger.Debug("Recorded revocation",
		"key", util.SafeTruncate(key, idLogLength),
		"token_type", meta.TokenType,
		"reason", meta.Reason,
		"retain_until", retainUntil)
	return nil
}

// RevokeFamily writes a family tombstone, revokes the family's live refresh
// token and adds every revoked token to the registry. It is idempotent and
// returns how many tokens changed state.
func (r *Registry) RevokeFamily(ctx context.Context, familyID, reason string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("%w: family id cannot be empty", oautherr.ErrInvalidParameter)
	}

	now := r.now()
	revoked, err := r.families.RevokeFamily(ctx, familyID, now.Add(r.config.RefreshRetention), now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}

	for _, rec := range revoked {
		if err := r.Add(ctx, rec.Hash, Metadata{
			TokenType: TokenTypeRefresh,
			FamilyID:  familyID,
			Reason:    reason,
			RevokedAt: now,
			ExpiresAt: rec.ExpiresAt,
		}); err != nil {
			return len(revoked), err
		}
	}

	if len(revoked) > 0 {
		r.metrics.RecordRevocation(ctx, "family", len(revoked))
	}
	r.logger.Info("Revoked token family",
		"family_id", util.SafeTruncate(familyID, idLogLength),
		"reason", reason,
		"tokens_revoked", len(revoked))
	return len(revoked), nil
}

// IsFamilyRevoked reports whether familyID carries a tombstone. A storage
// failure is reported as revoked.
func (r *Registry) IsFamilyRevoked(ctx context.Context, familyID string) bool {
	if familyID == "" {
		return false
	}
	revoked, err := r.families.IsFamilyRevoked(ctx, familyID)
	if err != nil {
		r.logger.Error("Family tombstone lookup failed, treating family as revoked",
			"family_id", util.SafeTruncate(familyID, idLogLength),
			"error", err)
		return true
	}
	return revoked
}

// Cleanup removes entries revoked more than maxAge ago whose retention has
// passed. maxAge below LongestRetention is rejected with
// oautherr.ErrInvalidParameter.
func (r *Registry) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge < r.LongestRetention() {
		return 0, fmt.Errorf("%w: cleanup max age %s is shorter than the longest token lifetime %s",
			oautherr.ErrInvalidParameter, maxAge, r.LongestRetention())
	}

	now := r.now()
	removed, err := r.entries.DeleteRevocationsBefore(ctx, now.Add(-maxAge), now)
	if err != nil {
		return removed, fmt.Errorf("failed to clean up revocations: %w", err)
	}

	r.metrics.RecordCleanup(ctx, "revocations", removed)
	if removed > 0 {
		r.logger.Debug("Cleaned up revocation entries", "count", removed)
	}
	return removed, nil
}
