package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/pkce"
	"github.com/giantswarm/oauth-tokens/redirect"
	"github.com/giantswarm/oauth-tokens/revocation"
	"github.com/giantswarm/oauth-tokens/rotation"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
	"github.com/giantswarm/oauth-tokens/storage/memory"
	"github.com/giantswarm/oauth-tokens/storage/redis"
	"github.com/giantswarm/oauth-tokens/token"
)

const (
	// idLogLength is the number of characters of an id to include in logs
	idLogLength = 8

	// reuseAuditInterval allows one reuse alarm per family per interval.
	reuseAuditInterval = time.Minute

	// throttleIdleTime is how long an idle family stays in the audit throttle.
	throttleIdleTime = time.Hour
)

// Service is the token lifecycle facade: PKCE, redirect validation, token
// issuance and verification, rotation and revocation over one store.
type Service struct {
	config *Config

	store      storage.Store
	closeStore func() error

	issuer    *token.Issuer
	registry  *revocation.Registry
	engine    *rotation.Engine
	redirects *redirect.Validator
	auditor   *security.Auditor

	now     func() time.Time
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer

	stopCleanup chan struct{}
	cleanupWG   sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
}

type options struct {
	store  storage.Store
	signer token.Signer
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	now    func() time.Time
}

// Option customizes NewService.
type Option func(*options)

// WithStore uses store instead of the configured backend. The caller owns
// the store and closes it.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithSigner replaces the HS256 signer derived from the token secret,
// e.g. with a token.ECDSASigner.
func WithSigner(signer token.Signer) Option {
	return func(o *options) { o.signer = signer }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithInstrumentation enables OpenTelemetry metrics and tracing.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(o *options) { o.inst = inst }
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewService builds a service from cfg. Defaults are applied to a copy of
// cfg, which is then validated.
func NewService(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}

	config := applySecureDefaults(&cfg, o.logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Service{
		config:      config,
		now:         o.now,
		logger:      o.logger,
		metrics:     o.inst.Metrics(),
		tracer:      o.inst.Tracer("oauth"),
		stopCleanup: make(chan struct{}),
	}

	s.auditor = security.NewAuditor(o.logger, config.Security.EnableAuditLogging)
	s.auditor.SetThrottle(rate.Every(reuseAuditInterval), 1)

	store, closeStore, err := openStore(ctx, config, o)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.closeStore = closeStore

	s.registry, err = revocation.NewRegistry(store, store, revocation.Config{
		AccessRetention:  config.Token.AccessTokenTTL,
		RefreshRetention: config.Token.RefreshTokenTTL,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.registry.SetLogger(o.logger)
	s.registry.SetClock(o.now)
	s.registry.SetInstrumentation(o.inst)

	signer := o.signer
	if signer == nil {
		signer, err = token.NewHMACSignerFromSecret([]byte(config.Token.Secret))
		if err != nil {
			s.close()
			return nil, err
		}
	}

	s.issuer, err = token.NewIssuer(token.Config{
		Issuer:     config.Token.Issuer,
		Audience:   config.Token.Audience,
		AccessTTL:  config.Token.AccessTokenTTL,
		RefreshTTL: config.Token.RefreshTokenTTL,
	}, signer, s.registry, store)
	if err != nil {
		s.close()
		return nil, err
	}
	s.issuer.SetLogger(o.logger)
	s.issuer.SetClock(o.now)
	s.issuer.SetInstrumentation(o.inst)

	s.engine, err = rotation.NewEngine(s.issuer, s.registry, store, o.logger)
	if err != nil {
		s.close()
		return nil, err
	}
	s.engine.SetClock(o.now)
	s.engine.SetAuditor(s.auditor)
	s.engine.SetInstrumentation(o.inst)

	s.redirects, err = redirect.NewValidator(
		redirect.NewWhitelist(config.Security.RedirectWhitelist...),
		config.Security.Production,
		o.logger,
	)
	if err != nil {
		s.close()
		return nil, err
	}
	s.redirects.SetAuditor(s.auditor)
	s.redirects.SetInstrumentation(o.inst)

	return s, nil
}

// openStore returns the injected store or builds the configured backend.
func openStore(ctx context.Context, config *Config, o *options) (storage.Store, func() error, error) {
	if o.store != nil {
		return o.store, nil, nil
	}

	switch config.Storage.Backend {
	case StorageBackendRedis:
		rs, err := redis.New(ctx, redis.Config{
			Addr:      config.Storage.RedisAddr,
			Password:  config.Storage.RedisPassword,
			DB:        config.Storage.RedisDB,
			KeyPrefix: config.Storage.RedisKeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		rs.SetLogger(o.logger)
		rs.SetInstrumentation(o.inst)

		encryptor, err := newEncryptor(config)
		if err != nil {
			_ = rs.Close()
			return nil, nil, err
		}
		rs.SetEncryptor(encryptor)
		return rs, rs.Close, nil

	default:
		ms := memory.New()
		ms.SetLogger(o.logger)
		ms.SetInstrumentation(o.inst)
		return ms, nil, nil
	}
}

func newEncryptor(config *Config) (*security.Encryptor, error) {
	if config.Security.EncryptionKey != "" {
		key, err := security.KeyFromBase64(config.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		return security.NewEncryptor(key)
	}
	return security.NewEncryptorFromSecret([]byte(config.Token.Secret))
}

// GenerateVerifier returns a random PKCE code verifier of length characters.
func (s *Service) GenerateVerifier(length int) (string, error) {
	return pkce.GenerateVerifier(length)
}

// GenerateChallenge returns the S256 challenge for verifier.
func (s *Service) GenerateChallenge(verifier string) (string, error) {
	return pkce.GenerateChallenge(verifier)
}

// VerifyChallenge reports whether verifier matches storedChallenge.
func (s *Service) VerifyChallenge(verifier, storedChallenge string) bool {
	ok := pkce.VerifyChallenge(verifier, storedChallenge)
	s.metrics.RecordPKCEValidation(context.Background(), ok)
	return ok
}

// ValidateRedirectURI reports whether candidate is whitelisted and uses an
// acceptable scheme for the configured mode.
func (s *Service) ValidateRedirectURI(candidate string) bool {
	return s.redirects.IsAllowed(context.Background(), candidate)
}

// IssueAccessToken signs an access token for subject. ttl 0 uses the
// configured lifetime.
func (s *Service) IssueAccessToken(ctx context.Context, subject string, claims map[string]any, ttl time.Duration) (string, *token.Claims, error) {
	raw, issued, err := s.issuer.IssueAccessToken(ctx, subject, claims, ttl)
	if err != nil {
		return "", nil, err
	}
	s.auditor.LogTokenIssued(subject, revocation.TokenTypeAccess, "")
	return raw, issued, nil
}

// VerifyAccessToken returns the claims of a valid access token, or nil.
func (s *Service) VerifyAccessToken(ctx context.Context, raw string) *token.Claims {
	return s.issuer.VerifyAccessToken(ctx, raw)
}

// IssueRefreshToken mints a refresh token. An empty familyID starts a new
// family.
func (s *Service) IssueRefreshToken(ctx context.Context, subject, familyID string) (*token.RefreshToken, error) {
	rt, err := s.issuer.IssueRefreshToken(ctx, subject, familyID)
	if err != nil {
		return nil, err
	}
	s.auditor.LogTokenIssued(subject, revocation.TokenTypeRefresh, rt.FamilyID)
	return rt, nil
}

// VerifyRefreshToken reports whether raw is a usable refresh token of subject.
func (s *Service) VerifyRefreshToken(ctx context.Context, raw, subject string) bool {
	return s.issuer.VerifyRefreshToken(ctx, raw, subject)
}

// RotateRefreshToken exchanges oldToken for a new token pair. Reuse of a
// consumed token revokes its family; the error is oautherr.ErrInvalidGrant
// either way.
func (s *Service) RotateRefreshToken(ctx context.Context, oldToken, subject string) (*rotation.Result, error) {
	return s.engine.Rotate(ctx, oldToken, subject)
}

// RevokeToken revokes an access or refresh token. Unknown tokens are
// accepted silently.
func (s *Service) RevokeToken(ctx context.Context, raw string) error {
	return s.engine.Revoke(ctx, raw)
}

// RevokeFamily revokes every refresh token of familyID. It is idempotent.
func (s *Service) RevokeFamily(ctx context.Context, familyID string) error {
	return s.engine.RevokeFamily(ctx, familyID)
}

// StartAuthorization records a pending authorization for a client that
// committed to codeChallenge and wants the result at redirectURI.
func (s *Service) StartAuthorization(ctx context.Context, redirectURI, codeChallenge, challengeMethod string) (*pkce.Attempt, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.start_authorization")
	defer span.End()

	if err := s.redirects.Validate(ctx, redirectURI); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	attempt, err := pkce.NewAttempt(codeChallenge, challengeMethod, redirectURI, s.now(), s.config.Token.AttemptTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if err := s.store.SaveAttempt(ctx, attempt); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save authorization attempt: %w", err)
	}

	s.auditor.LogEvent(security.Event{Type: security.EventAuthorizationStarted})
	s.logger.Debug("Started authorization",
		"attempt_id", util.SafeTruncate(attempt.ID, idLogLength),
		"expires_at", attempt.ExpiresAt)
	instrumentation.SetSpanSuccess(span)
	return attempt, nil
}

// CompleteAuthorization binds the authenticated subject to a pending
// attempt. Unknown, expired or already completed attempts fail with
// oautherr.ErrInvalidGrant.
func (s *Service) CompleteAuthorization(ctx context.Context, attemptID, subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: subject cannot be empty", oautherr.ErrInvalidSubject)
	}

	if _, err := s.store.AuthorizeAttempt(ctx, attemptID, subject, s.now()); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			return fmt.Errorf("%w: unknown or expired authorization attempt", oautherr.ErrInvalidGrant)
		case errors.Is(err, storage.ErrAlreadyAuthorized):
			return fmt.Errorf("%w: authorization attempt already completed", oautherr.ErrInvalidGrant)
		}
		return fmt.Errorf("failed to authorize attempt: %w", err)
	}
	return nil
}

// ExchangeAuthorization redeems a completed attempt. The attempt is
// consumed before anything else is checked, so it can be tried only once.
// On success a new token family is started.
func (s *Service) ExchangeAuthorization(ctx context.Context, attemptID, codeVerifier, redirectURI string, claims map[string]any) (*oauth2.Token, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.exchange_authorization")
	defer span.End()

	tok, err := s.exchangeAuthorization(ctx, attemptID, codeVerifier, redirectURI, claims)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

func (s *Service) exchangeAuthorization(ctx context.Context, attemptID, codeVerifier, redirectURI string, claims map[string]any) (*oauth2.Token, error) {
	attempt, err := s.store.ConsumeAttempt(ctx, attemptID, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, fmt.Errorf("%w: unknown or expired authorization attempt", oautherr.ErrInvalidGrant)
		}
		return nil, fmt.Errorf("failed to consume authorization attempt: %w", err)
	}

	if !attempt.Authorized() {
		return nil, fmt.Errorf("%w: authorization attempt not completed", oautherr.ErrInvalidGrant)
	}
	if !security.ConstantTimeEqual(attempt.RedirectURI, redirectURI) {
		s.auditor.LogAuthFailure(security.EventInvalidRedirect, attempt.Subject, "redirect_uri_mismatch")
		return nil, fmt.Errorf("%w: redirect_uri does not match the authorization request", oautherr.ErrInvalidGrant)
	}
	if !s.VerifyChallenge(codeVerifier, attempt.CodeChallenge) {
		s.auditor.LogAuthFailure(security.EventPKCEValidationFailed, attempt.Subject, "code_verifier_mismatch")
		return nil, fmt.Errorf("%w: code verifier does not match challenge", oautherr.ErrInvalidGrant)
	}

	refresh, err := s.issuer.IssueRefreshToken(ctx, attempt.Subject, "")
	if err != nil {
		return nil, err
	}
	access, accessClaims, err := s.issuer.IssueAccessToken(ctx, attempt.Subject, claims, 0)
	if err != nil {
		return nil, err
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationExchanged,
		Subject:  attempt.Subject,
		FamilyID: refresh.FamilyID,
	})

	return TokenPair(access, accessClaims, refresh), nil
}

// TokenPair converts an issued pair to an *oauth2.Token. The family id is
// carried as the "family_id" extra.
func TokenPair(accessToken string, claims *token.Claims, refresh *token.RefreshToken) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: refresh.Token,
		Expiry:       claims.ExpiresAt,
		ExpiresIn:    int64(claims.ExpiresAt.Sub(claims.IssuedAt).Seconds()),
	}
	return tok.WithExtra(map[string]any{
		"family_id": refresh.FamilyID,
	})
}

// CleanupResult counts the entries removed by one cleanup pass.
type CleanupResult struct {
	Revocations   int
	RefreshTokens int
	Attempts      int
}

// Cleanup removes expired refresh token records, expired attempts and
// revocation entries older than maxAge whose retention has passed. maxAge 0
// uses the longest token lifetime, the smallest value the registry accepts.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	if maxAge == 0 {
		maxAge = s.registry.LongestRetention()
	}

	var (
		result CleanupResult
		errs   []error
		err    error
	)
	now := s.now()

	result.Revocations, err = s.registry.Cleanup(ctx, maxAge)
	if err != nil {
		errs = append(errs, err)
	}
	result.RefreshTokens, err = s.store.DeleteExpiredRefreshTokens(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to delete expired refresh tokens: %w", err))
	}
	s.metrics.RecordCleanup(ctx, "refresh_tokens", result.RefreshTokens)
	result.Attempts, err = s.store.DeleteExpiredAttempts(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to delete expired attempts: %w", err))
	}
	s.metrics.RecordCleanup(ctx, "attempts", result.Attempts)

	if throttle := s.auditor.Throttle(); throttle != nil {
		throttle.Cleanup(throttleIdleTime)
	}

	return result, errors.Join(errs...)
}

// StartCleanup runs Cleanup every configured interval until Stop is called.
// Calling it more than once has no effect.
func (s *Service) StartCleanup() {
	s.startOnce.Do(func() {
		s.cleanupWG.Add(1)
		go s.cleanupLoop(s.config.CleanupInterval)
	})
}

func (s *Service) cleanupLoop(interval time.Duration) {
	defer s.cleanupWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			result, err := s.Cleanup(context.Background(), 0)
			if err != nil {
				s.logger.Error("Cleanup failed", "error", err)
				continue
			}
			if result.Revocations+result.RefreshTokens+result.Attempts > 0 {
				s.logger.Debug("Cleaned up expired entries",
					"revocations", result.Revocations,
					"refresh_tokens", result.RefreshTokens,
					"attempts", result.Attempts)
			}
		}
	}
}

// Stop ends the cleanup loop and closes a store the service opened itself.
// It is safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
		s.cleanupWG.Wait()
		s.close()
	})
}

func (s *Service) close() {
	if s.closeStore == nil {
		return
	}
	if err := s.closeStore(); err != nil {
		s.logger.Warn("Failed to close storage", "error", err)
	}
}

// Issuer exposes the token issuer, e.g. to read its lifetimes.
func (s *Service) Issuer() *token.Issuer {
	return s.issuer
}

// Registry exposes the revocation registry.
func (s *Service) Registry() *revocation.Registry {
	return s.registry
}
