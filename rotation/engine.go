package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/revocation"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
	"github.com/giantswarm/oauth-tokens/token"
)

const idLogLength = 8

// Result is the token pair produced by a rotation.
type Result struct {
	AccessToken  string
	AccessClaims *token.Claims
	RefreshToken *token.RefreshToken
}

// Engine rotates refresh tokens and revokes tokens and families.
type Engine struct {
	issuer   *token.Issuer
	registry *revocation.Registry
	store    storage.RefreshTokenStore
	locks    familyLocks

	now     func() time.Time
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// NewEngine creates a rotation engine. A nil logger uses slog.Default().
func NewEngine(issuer *token.Issuer, registry *revocation.Registry, store storage.RefreshTokenStore, logger *slog.Logger) (*Engine, error) {
	if issuer == nil {
		return nil, errors.New("token issuer is required")
	}
	if registry == nil {
		return nil, errors.New("revocation registry is required")
	}
	if store == nil {
		return nil, errors.New("refresh token store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		issuer:   issuer,
		registry: registry,
		store:    store,
		now:      time.Now,
		logger:   logger,
		tracer:   instrumentation.NoopTracer(),
	}, nil
}

// SetAuditor sets the security auditor. Without one no audit events are
// written.
func (e *Engine) SetAuditor(auditor *security.Auditor) {
	e.auditor = auditor
}

// SetInstrumentation sets OpenTelemetry instrumentation for the engine
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.metrics = inst.Metrics()
	e.tracer = inst.Tracer("rotation")
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Rotate consumes oldToken and returns a new access token and the next
// refresh token of the same family.
//
// Every failure is reported as oautherr.ErrInvalidGrant. A token that was
// already consumed revokes its whole family before the error is returned.
func (e *Engine) Rotate(ctx context.Context, oldToken, subject string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "rotation.rotate")
	defer span.End()

	res, result, err := e.rotate(ctx, oldToken, subject)
	instrumentation.AddResultAttribute(span, result)
	e.metrics.RecordRotation(ctx, result)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddTokenFamilyAttributes(span, res.RefreshToken.FamilyID, res.RefreshToken.Generation)
	instrumentation.SetSpanSuccess(span)
	return res, nil
}

func (e *Engine) rotate(ctx context.Context, oldToken, subject string) (*Result, string, error) {
	if oldToken == "" || subject == "" {
		return nil, instrumentation.ResultMalformed, invalidGrant("missing refresh token or subject")
	}

	hash := token.HashRefreshToken(oldToken)

	// The family is needed to take the lock; the record is re-checked
	// atomically by ConsumeRefreshToken below.
	rec, err := e.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Error("Refresh token lookup failed", "error", err)
			return nil, instrumentation.ResultError, fmt.Errorf("%w: %w", oautherr.ErrInvalidGrant, err)
		}
		if entry, revoked := e.registry.Lookup(ctx, hash); revoked && entry != nil && entry.FamilyID != "" {
			return nil, e.rejectSwept(ctx, hash, entry, subject), invalidGrant("refresh token already used")
		}
		e.logger.Debug("Unknown refresh token presented")
		return nil, instrumentation.ResultInvalidGrant, invalidGrant("unknown refresh token")
	}

	unlock := e.locks.lock(rec.FamilyID)
	defer unlock()

	if e.registry.IsRevoked(ctx, hash) {
		return nil, e.rejectReplay(ctx, rec, subject), invalidGrant("refresh token revoked")
	}

	now := e.now()
	consumed, err := e.store.ConsumeRefreshToken(ctx, hash, subject, now)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyConsumed):
		return nil, e.rejectReplay(ctx, consumed, subject), invalidGrant("refresh token already used")
	case errors.Is(err, storage.ErrSubjectMismatch):
		e.logger.Warn("Refresh token presented for another subject",
			"family_id", util.SafeTruncate(rec.FamilyID, idLogLength))
		e.auditor.LogEvent(security.Event{
			Type:     security.EventSubjectMismatch,
			Subject:  subject,
			FamilyID: rec.FamilyID,
		})
		return nil, instrumentation.ResultMismatch, invalidGrant("subject mismatch")
	case errors.Is(err, storage.ErrExpired):
		e.logger.Debug("Expired refresh token presented",
			"family_id", util.SafeTruncate(rec.FamilyID, idLogLength))
		return nil, instrumentation.ResultExpired, invalidGrant("refresh token expired")
	case errors.Is(err, storage.ErrNotFound):
		return nil, instrumentation.ResultInvalidGrant, invalidGrant("unknown refresh token")
	default:
		e.logger.Error("Failed to consume refresh token", "error", err)
		return nil, instrumentation.ResultError, fmt.Errorf("%w: %w", oautherr.ErrInvalidGrant, err)
	}

	// The consumed record in the store already detects a replay. The registry
	// entry outlives it and lets rotate find the family once the record is gone.
	if err := e.registry.Add(ctx, hash, revocation.Metadata{
		TokenType: revocation.TokenTypeRefresh,
		FamilyID:  consumed.FamilyID,
		Reason:    revocation.ReasonRotated,
		RevokedAt: now,
		ExpiresAt: consumed.ExpiresAt,
	}); err != nil {
		e.logger.Error("Failed to record rotated refresh token",
			"family_id", util.SafeTruncate(consumed.FamilyID, idLogLength),
			"error", err)
	}

	next, err := e.issuer.IssueNextRefreshToken(ctx, consumed)
	if err != nil {
		if errors.Is(err, oautherr.ErrInvalidGrant) {
			return nil, instrumentation.ResultRevoked, err
		}
		return nil, instrumentation.ResultError, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	access, claims, err := e.issuer.IssueAccessToken(ctx, consumed.Subject, nil, 0)
	if err != nil {
		return nil, instrumentation.ResultError, fmt.Errorf("failed to issue access token: %w", err)
	}

	e.auditor.LogTokenRotated(consumed.Subject, next.FamilyID, next.Generation)
	e.logger.Debug("Rotated refresh token",
		"family_id", util.SafeTruncate(next.FamilyID, idLogLength),
		"generation", next.Generation)

	return &Result{
		AccessToken:  access,
		AccessClaims: claims,
		RefreshToken: next,
	}, instrumentation.ResultSuccess, nil
}

// rejectReplay handles a token that is no longer live. A consumed token
// revokes its family; a token of an already revoked family is only logged.
// The family lock must be held. It returns the metric result.
func (e *Engine) rejectReplay(ctx context.Context, rec *storage.RefreshTokenRecord, subject string) string {
	if rec == nil {
		return instrumentation.ResultRevoked
	}

	familyID := rec.FamilyID
	if rec.State == storage.StateRevoked || e.registry.IsFamilyRevoked(ctx, familyID) {
		e.logger.Warn("Refresh token from revoked family presented",
			"family_id", util.SafeTruncate(familyID, idLogLength),
			"generation", rec.Generation)
		e.auditor.LogEvent(security.Event{
			Type:     security.EventRevokedTokenFamilyReuseAttempt,
			Subject:  subject,
			FamilyID: familyID,
			Details:  map[string]any{"generation": rec.Generation},
		})
		return instrumentation.ResultRevoked
	}

	if rec.State == storage.StateLive {
		// Registry and store disagree, e.g. the registry lookup failed.
		// Reject without treating it as evidence of theft.
		return instrumentation.ResultRevoked
	}

	revoked, err := e.registry.RevokeFamily(ctx, familyID, revocation.ReasonReuseDetected)
	if err != nil {
		e.logger.Error("Failed to revoke token family after reuse",
			"family_id", util.SafeTruncate(familyID, idLogLength),
			"error", err)
	}

	e.metrics.RecordTokenReuseDetected(ctx)
	if e.auditor == nil || e.auditor.LogRefreshTokenReuse(rec.Subject, familyID, rec.Generation) {
		e.logger.Warn("Refresh token reuse detected, token family revoked",
			"family_id", util.SafeTruncate(familyID, idLogLength),
			"generation", rec.Generation,
			"tokens_revoked", revoked)
	}
	return instrumentation.ResultReuseDetected
}

// rejectSwept handles a token whose store record is gone but whose registry
// entry remains. A rotated entry stands for a consumed token, anything else
// for a revoked one.
func (e *Engine) rejectSwept(ctx context.Context, hash string, entry *storage.RevocationEntry, subject string) string {
	unlock := e.locks.lock(entry.FamilyID)
	defer unlock()

	state := storage.StateRevoked
	if entry.Reason == revocation.ReasonRotated {
		state = storage.StateConsumed
	}
	return e.rejectReplay(ctx, &storage.RefreshTokenRecord{
		Hash:     hash,
		Subject:  subject,
		FamilyID: entry.FamilyID,
		State:    state,
	}, subject)
}

// RevokeFamily revokes every token of familyID. Later presentation of any
// member fails with oautherr.ErrInvalidGrant. Revoking a family twice, or an
// unknown family, is not an error.
func (e *Engine) RevokeFamily(ctx context.Context, familyID string) error {
	ctx, span := e.tracer.Start(ctx, "rotation.revoke_family")
	defer span.End()

	if familyID == "" {
		err := fmt.Errorf("%w: family id cannot be empty", oautherr.ErrInvalidParameter)
		instrumentation.RecordError(span, err)
		return err
	}

	unlock := e.locks.lock(familyID)
	defer unlock()

	revoked, err := e.registry.RevokeFamily(ctx, familyID, revocation.ReasonFamilyRevoked)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	e.auditor.LogFamilyRevoked(familyID, revocation.ReasonFamilyRevoked, revoked)
	instrumentation.AddTokenFamilyAttributes(span, familyID, 0)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// Revoke revokes a single access token (by jti) or refresh token (by hash).
// Unknown, malformed or already revoked tokens are not an error.
func (e *Engine) Revoke(ctx context.Context, raw string) error {
	ctx, span := e.tracer.Start(ctx, "rotation.revoke")
	defer span.End()

	if raw == "" {
		err := fmt.Errorf("%w: token cannot be empty", oautherr.ErrInvalidParameter)
		instrumentation.RecordError(span, err)
		return err
	}

	var err error
	if token.LooksLikeJWT(raw) {
		err = e.revokeAccessToken(ctx, raw)
	} else {
		err = e.revokeRefreshToken(ctx, raw)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (e *Engine) revokeAccessToken(ctx context.Context, raw string) error {
	jti, expiresAt, ok := e.issuer.AccessTokenID(raw)
	if !ok {
		e.logger.Debug("Ignoring revocation of unrecognized access token")
		return nil
	}

	if err := e.registry.Add(ctx, jti, revocation.Metadata{
		TokenType: revocation.TokenTypeAccess,
		Reason:    revocation.ReasonRevoked,
		ExpiresAt: expiresAt,
	}); err != nil {
		return err
	}

	e.metrics.RecordRevocation(ctx, revocation.TokenTypeAccess, 1)
	e.auditor.LogTokenRevoked("", revocation.TokenTypeAccess, revocation.ReasonRevoked)
	return nil
}

func (e *Engine) revokeRefreshToken(ctx context.Context, raw string) error {
	hash := token.HashRefreshToken(raw)

	rec, err := e.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Debug("Ignoring revocation of unknown refresh token")
			return nil
		}
		return fmt.Errorf("failed to look up refresh token: %w", err)
	}

	unlock := e.locks.lock(rec.FamilyID)
	defer unlock()

	// Re-read under the lock. A consumed token keeps its state so that a
	// replay still revokes the family.
	rec, err = e.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if rec.State != storage.StateLive {
		return nil
	}

	revoked, err := e.store.RevokeRefreshToken(ctx, hash, e.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	if err := e.registry.Add(ctx, hash, revocation.Metadata{
		TokenType: revocation.TokenTypeRefresh,
		FamilyID:  revoked.FamilyID,
		Reason:    revocation.ReasonRevoked,
		ExpiresAt: revoked.ExpiresAt,
	}); err != nil {
		return err
	}

	e.metrics.RecordRevocation(ctx, revocation.TokenTypeRefresh, 1)
	e.auditor.LogTokenRevoked(revoked.Subject, revocation.TokenTypeRefresh, revocation.ReasonRevoked)
	e.logger.Debug("Revoked refresh token",
		"family_id", util.SafeTruncate(revoked.FamilyID, idLogLength))
	return nil
}

func invalidGrant(reason string) error {
	return fmt.Errorf("%w: %s", oautherr.ErrInvalidGrant, reason)
}
