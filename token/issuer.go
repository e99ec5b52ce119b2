package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/revocation"
	"github.com/giantswarm/oauth-tokens/storage"
)

const idLogLength = 8

// Issuer mints and verifies tokens.
type Issuer struct {
	config   Config
	signer   Signer
	registry *revocation.Registry
	store    storage.RefreshTokenStore

	parser *jwt.Parser

	now     func() time.Time
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// NewIssuer creates an issuer. Every dependency is required.
func NewIssuer(cfg Config, signer Signer, registry *revocation.Registry, store storage.RefreshTokenStore) (*Issuer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if registry == nil {
		return nil, errors.New("revocation registry is required")
	}
	if store == nil {
		return nil, errors.New("refresh token store is required")
	}

	i := &Issuer{
		config:   cfg,
		signer:   signer,
		registry: registry,
		store:    store,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   instrumentation.NoopTracer(),
	}
	// No leeway: an access token is dead the moment exp passes.
	i.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{signer.Method().Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return i.now() }),
	)
	return i, nil
}

// SetLogger sets a custom logger
func (i *Issuer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		i.logger = logger
	}
}

// SetClock replaces the time source. Intended for tests.
func (i *Issuer) SetClock(now func() time.Time) {
	if now != nil {
		i.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the issuer
func (i *Issuer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	i.metrics = inst.Metrics()
	i.tracer = inst.Tracer("token")
}

// AccessTTL returns the default access token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.config.AccessTTL
}

// RefreshTTL returns the refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration {
	return i.config.RefreshTTL
}

// IssueAccessToken signs an access token for subject. ttl 0 uses the
// configured default. Extra claims are copied except registered names,
// which the issuer always sets itself.
func (i *Issuer) IssueAccessToken(ctx context.Context, subject string, extra map[string]any, ttl time.Duration) (string, *Claims, error) {
	_, span := i.tracer.Start(ctx, "token.issue_access")
	defer span.End()

	if subject == "" {
		err := fmt.Errorf("%w: subject cannot be empty", oautherr.ErrInvalidSubject)
		instrumentation.RecordError(span, err)
		return "", nil, err
	}
	if ttl < 0 {
		err := fmt.Errorf("%w: ttl cannot be negative", oautherr.ErrInvalidParameter)
		instrumentation.RecordError(span, err)
		return "", nil, err
	}
	if ttl == 0 {
		ttl = i.config.AccessTTL
	}

	now := i.now()
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(now.Add(ttl))
	jti := uuid.NewString()

	mc := jwt.MapClaims{}
	claims := &Claims{
		Subject:   subject,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		ID:        jti,
		IssuedAt:  issuedAt.Time,
		NotBefore: issuedAt.Time,
		ExpiresAt: expiresAt.Time,
		Extra:     make(map[string]any, len(extra)),
	}
	for k, v := range extra {
		if IsReservedClaim(k) {
			i.logger.Debug("Ignoring reserved claim supplied by caller", "claim", k)
			continue
		}
		mc[k] = v
		claims.Extra[k] = v
	}
	mc[claimSubject] = subject
	mc[claimIssuer] = i.config.Issuer
	mc[claimAudience] = i.config.Audience
	mc[claimType] = TypeAccess
	mc[claimIssuedAt] = issuedAt
	mc[claimNotBefore] = issuedAt
	mc[claimExpiresAt] = expiresAt
	mc[claimID] = jti

	raw, err := i.signer.Sign(mc)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	i.metrics.RecordTokenIssued(ctx, revocation.TokenTypeAccess)
	instrumentation.SetSpanSuccess(span)
	i.logger.Debug("Issued access token",
		"jti", util.SafeTruncate(jti, idLogLength),
		"expires_at", claims.ExpiresAt)

	return raw, claims, nil
}

// VerifyAccessToken returns the token's claims, or nil if it is malformed,
// forged, expired, revoked, or meant for another issuer or audience.
func (i *Issuer) VerifyAccessToken(ctx context.Context, raw string) *Claims {
	claims, err := i.VerifyAccessTokenResult(ctx, raw)
	if err != nil {
		var verr *VerifyError
		if errors.As(err, &verr) {
			i.logger.Debug("Access token rejected", "reason", verr.Reason)
		}
		return nil
	}
	return claims
}

// VerifyAccessTokenResult is VerifyAccessToken with the reason for a
// rejection. The error is always a *VerifyError matching
// oautherr.ErrUnauthorized.
func (i *Issuer) VerifyAccessTokenResult(ctx context.Context, raw string) (claims *Claims, err error) {
	ctx, span := i.tracer.Start(ctx, "token.verify_access")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			claims = nil
			err = verifyError(ReasonMalformed, fmt.Errorf("panic during verification: %v", r))
		}

		result := instrumentation.ResultSuccess
		var verr *VerifyError
		if errors.As(err, &verr) {
			result = verr.Reason
		}
		instrumentation.AddResultAttribute(span, result)
		i.metrics.RecordTokenVerification(ctx, revocation.TokenTypeAccess, result)
	}()

	if raw == "" || strings.Count(raw, ".") != 2 {
		return nil, verifyError(ReasonMalformed, nil)
	}

	// The jti is needed before the signature is checked so a revoked token is
	// rejected without further work. Nothing else from this parse is trusted.
	unverified, _, parseErr := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if parseErr != nil {
		return nil, verifyError(ReasonMalformed, parseErr)
	}
	umc, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, verifyError(ReasonMalformed, nil)
	}
	jti, _ := umc[claimID].(string)
	if jti == "" {
		return nil, verifyError(ReasonMalformed, errors.New("missing jti"))
	}
	if i.registry.IsRevoked(ctx, jti) {
		return nil, verifyError(ReasonRevoked, nil)
	}

	mc := jwt.MapClaims{}
	if _, err := i.parser.ParseWithClaims(raw, mc, i.signer.VerificationKey); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, verifyError(ReasonExpired, err)
		case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, verifyError(ReasonMismatch, err)
		default:
			return nil, verifyError(ReasonMalformed, err)
		}
	}

	if typ, _ := mc[claimType].(string); typ != TypeAccess {
		return nil, verifyError(ReasonMismatch, fmt.Errorf("unexpected token type %q", typ))
	}
	if sub, _ := mc.GetSubject(); sub == "" {
		return nil, verifyError(ReasonMalformed, errors.New("missing subject"))
	}

	instrumentation.SetSpanSuccess(span)
	return claimsFromMap(mc), nil
}

// AccessTokenID returns the jti and expiry of an access token signed by this
// issuer, ignoring expiry. Used to revoke tokens that may already be expired.
func (i *Issuer) AccessTokenID(raw string) (jti string, expiresAt time.Time, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			jti, expiresAt, ok = "", time.Time{}, false
		}
	}()

	mc := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{i.signer.Method().Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(raw, mc, i.signer.VerificationKey); err != nil {
		return "", time.Time{}, false
	}
	if typ, _ := mc[claimType].(string); typ != TypeAccess {
		return "", time.Time{}, false
	}
	jti, _ = mc[claimID].(string)
	if jti == "" {
		return "", time.Time{}, false
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	return jti, expiresAt, true
}

// LooksLikeJWT reports whether raw has the three-segment JWT shape. Refresh
// tokens are base64url without dots and never match.
func LooksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}
