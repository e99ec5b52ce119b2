package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/revocation"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

// RefreshToken is a freshly minted refresh token. Token is the only copy of
// the secret value; the store keeps Hash.
type RefreshToken struct {
	Token      string
	Hash       string
	Subject    string
	FamilyID   string
	Generation int
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// HashRefreshToken returns the storage key for a raw refresh token.
func HashRefreshToken(raw string) string {
	return security.HashToken(raw)
}

// IssueRefreshToken mints a refresh token for subject. An empty familyID
// starts a new family. A given family must not be revoked, must belong to
// subject and must have no live member, otherwise oautherr.ErrInvalidGrant is
// returned. Either way the token is generation 1: rotations go through
// IssueNextRefreshToken.
func (i *Issuer) IssueRefreshToken(ctx context.Context, subject, familyID string) (*RefreshToken, error) {
	return i.issueRefreshToken(ctx, subject, familyID, 1)
}

// IssueNextRefreshToken mints the successor of prev in the same family.
func (i *Issuer) IssueNextRefreshToken(ctx context.Context, prev *storage.RefreshTokenRecord) (*RefreshToken, error) {
	if prev == nil {
		return nil, fmt.Errorf("%w: previous token is required", oautherr.ErrInvalidParameter)
	}
	return i.issueRefreshToken(ctx, prev.Subject, prev.FamilyID, prev.Generation+1)
}

func (i *Issuer) issueRefreshToken(ctx context.Context, subject, familyID string, generation int) (*RefreshToken, error) {
	ctx, span := i.tracer.Start(ctx, "token.issue_refresh")
	defer span.End()

	if subject == "" {
		err := fmt.Errorf("%w: subject cannot be empty", oautherr.ErrInvalidSubject)
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if familyID == "" {
		familyID = uuid.NewString()
	}

	raw, err := security.RandomToken(security.RefreshTokenBytes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := i.now()
	rt := &RefreshToken{
		Token:      raw,
		Hash:       HashRefreshToken(raw),
		Subject:    subject,
		FamilyID:   familyID,
		Generation: generation,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.config.RefreshTTL),
	}

	err = i.store.SaveRefreshToken(ctx, &storage.RefreshTokenRecord{
		Hash:       rt.Hash,
		Subject:    rt.Subject,
		FamilyID:   rt.FamilyID,
		Generation: rt.Generation,
		IssuedAt:   rt.IssuedAt,
		ExpiresAt:  rt.ExpiresAt,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrFamilyRevoked) {
			return nil, fmt.Errorf("%w: token family revoked", oautherr.ErrInvalidGrant)
		}
		if errors.Is(err, storage.ErrFamilyConflict) {
			return nil, fmt.Errorf("%w: token family not available", oautherr.ErrInvalidGrant)
		}
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	i.metrics.RecordTokenIssued(ctx, revocation.TokenTypeRefresh)
	instrumentation.AddTokenFamilyAttributes(span, familyID, generation)
	instrumentation.SetSpanSuccess(span)
	i.logger.Debug("Issued refresh token",
		"family_id", util.SafeTruncate(familyID, idLogLength),
		"generation", generation)

	return rt, nil
}

// VerifyRefreshToken reports whether raw is a live refresh token owned by
// subject that is neither expired, revoked, nor part of a revoked family.
// It does not consume the token.
func (i *Issuer) VerifyRefreshToken(ctx context.Context, raw, subject string) bool {
	result := i.verifyRefreshToken(ctx, raw, subject)
	i.metrics.RecordTokenVerification(ctx, revocation.TokenTypeRefresh, result)
	return result == instrumentation.ResultSuccess
}

func (i *Issuer) verifyRefreshToken(ctx context.Context, raw, subject string) string {
	if raw == "" || subject == "" {
		return ReasonMalformed
	}

	hash := HashRefreshToken(raw)
	rec, err := i.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			i.logger.Error("Refresh token lookup failed", "error", err)
		}
		return instrumentation.ResultInvalidGrant
	}

	if !security.ConstantTimeEqual(rec.Subject, subject) {
		return ReasonMismatch
	}
	if !rec.Live(i.now()) {
		if rec.State == storage.StateLive {
			return ReasonExpired
		}
		return ReasonRevoked
	}
	if i.registry.IsRevoked(ctx, hash) || i.registry.IsFamilyRevoked(ctx, rec.FamilyID) {
		return ReasonRevoked
	}
	return instrumentation.ResultSuccess
}
