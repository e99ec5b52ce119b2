package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/testutil"
	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/revocation"
	"github.com/giantswarm/oauth-tokens/storage/memory"
)

const (
	testIssuer   = "https://auth.example.com"
	testAudience = "https://api.example.com"
	testSubject  = "user-123"
)

type fixture struct {
	issuer   *Issuer
	registry *revocation.Registry
	store    *memory.Store
	clock    *testutil.MockClock
	signer   Signer
}

func newFixture(t *testing.T, signer Signer) *fixture {
	t.Helper()

	if signer == nil {
		var err error
		signer, err = NewHMACSignerFromSecret([]byte(testutil.TestSecret))
		if err != nil {
			t.Fatalf("NewHMACSignerFromSecret() error = %v", err)
		}
	}

	store := memory.New()
	registry, err := revocation.NewRegistry(store, store, revocation.Config{
		AccessRetention:  DefaultAccessTTL,
		RefreshRetention: DefaultRefreshTTL,
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	issuer, err := NewIssuer(Config{Issuer: testIssuer, Audience: testAudience}, signer, registry, store)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	clock := testutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	issuer.SetClock(clock.Now)
	registry.SetClock(clock.Now)

	return &fixture{issuer: issuer, registry: registry, store: store, clock: clock, signer: signer}
}

func verifyReason(t *testing.T, f *fixture, raw string) string {
	t.Helper()
	claims, err := f.issuer.VerifyAccessTokenResult(context.Background(), raw)
	if err == nil {
		return ""
	}
	if claims != nil {
		t.Error("claims must be nil on failure")
	}
	if !errors.Is(err, oautherr.ErrUnauthorized) {
		t.Errorf("error %v does not match ErrUnauthorized", err)
	}
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("error is %T, want *VerifyError", err)
	}
	return verr.Reason
}

func TestNewIssuer_Validation(t *testing.T) {
	store := memory.New()
	registry, _ := revocation.NewRegistry(store, store, revocation.Config{AccessRetention: time.Minute, RefreshRetention: time.Hour})
	signer, _ := NewHMACSignerFromSecret([]byte(testutil.TestSecret))

	tests := []struct {
		name string
		cfg  Config
		sig  Signer
		reg  *revocation.Registry
	}{
		{name: "missing issuer", cfg: Config{Audience: testAudience}, sig: signer, reg: registry},
		{name: "missing audience", cfg: Config{Issuer: testIssuer}, sig: signer, reg: registry},
		{name: "missing signer", cfg: Config{Issuer: testIssuer, Audience: testAudience}, reg: registry},
		{name: "missing registry", cfg: Config{Issuer: testIssuer, Audience: testAudience}, sig: signer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewIssuer(tt.cfg, tt.sig, tt.reg, store); err == nil {
				t.Error("NewIssuer() should fail")
			}
		})
	}

	issuer, err := NewIssuer(Config{Issuer: testIssuer, Audience: testAudience}, signer, registry, store)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	if issuer.AccessTTL() != DefaultAccessTTL || issuer.RefreshTTL() != DefaultRefreshTTL {
		t.Errorf("defaults not applied: access=%s refresh=%s", issuer.AccessTTL(), issuer.RefreshTTL())
	}
}

func TestIssueAccessToken_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	raw, issued, err := f.issuer.IssueAccessToken(ctx, testSubject, map[string]any{
		"scope": "read write",
		"sub":   "attacker",
		"exp":   9999999999,
		"typ":   "refresh",
	}, 0)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	if !issued.ExpiresAt.Equal(f.clock.Now().Add(DefaultAccessTTL)) {
		t.Errorf("ExpiresAt = %v, want now + default ttl", issued.ExpiresAt)
	}

	claims := f.issuer.VerifyAccessToken(ctx, raw)
	if claims == nil {
		t.Fatal("VerifyAccessToken() = nil for a fresh token")
	}
	if claims.Subject != testSubject {
		t.Errorf("Subject = %q, reserved claims must not be overridable", claims.Subject)
	}
	if claims.Issuer != testIssuer {
		t.Errorf("Issuer = %q", claims.Issuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != testAudience {
		t.Errorf("Audience = %v", claims.Audience)
	}
	if claims.ID != issued.ID || claims.ID == "" {
		t.Errorf("ID = %q, want %q", claims.ID, issued.ID)
	}
	if !claims.ExpiresAt.Equal(issued.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt, issued.ExpiresAt)
	}
	if claims.Extra["scope"] != "read write" {
		t.Errorf("Extra[scope] = %v", claims.Extra["scope"])
	}
	if _, ok := claims.Extra["sub"]; ok {
		t.Error("registered claims must not appear in Extra")
	}
}

func TestIssueAccessToken_UniqueIDs(t *testing.T) {
	f := newFixture(t, nil)
	seen := make(map[string]bool)
	for range 50 {
		_, claims, err := f.issuer.IssueAccessToken(context.Background(), testSubject, nil, 0)
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		if seen[claims.ID] {
			t.Fatalf("duplicate jti %q", claims.ID)
		}
		seen[claims.ID] = true
	}
}

func TestIssueAccessToken_InvalidArguments(t *testing.T) {
	f := newFixture(t, nil)

	_, _, err := f.issuer.IssueAccessToken(context.Background(), "", nil, 0)
	if !errors.Is(err, oautherr.ErrInvalidSubject) || !errors.Is(err, oautherr.ErrInvalidParameter) {
		t.Errorf("empty subject error = %v, want ErrInvalidSubject", err)
	}

	_, _, err = f.issuer.IssueAccessToken(context.Background(), testSubject, nil, -time.Second)
	if !errors.Is(err, oautherr.ErrInvalidParameter) {
		t.Errorf("negative ttl error = %v, want ErrInvalidParameter", err)
	}
}

func TestVerifyAccessToken_ExpiresWithOneMillisecondTTL(t *testing.T) {
	f := newFixture(t, nil)

	raw, _, err := f.issuer.IssueAccessToken(context.Background(), testSubject, nil, time.Millisecond)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	f.clock.Advance(2 * time.Millisecond)

	if got := verifyReason(t, f, raw); got != ReasonExpired {
		t.Errorf("reason = %q, want %q", got, ReasonExpired)
	}
	if f.issuer.VerifyAccessToken(context.Background(), raw) != nil {
		t.Error("expired token must not verify")
	}
}

func TestVerifyAccessToken_ExpiresAfterTTL(t *testing.T) {
	f := newFixture(t, nil)

	raw, _, err := f.issuer.IssueAccessToken(context.Background(), testSubject, nil, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	f.clock.Advance(59 * time.Second)
	if f.issuer.VerifyAccessToken(context.Background(), raw) == nil {
		t.Fatal("token should still be valid")
	}

	f.clock.Advance(2 * time.Second)
	if got := verifyReason(t, f, raw); got != ReasonExpired {
		t.Errorf("reason = %q, want %q", got, ReasonExpired)
	}
}

func TestVerifyAccessToken_Revoked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	raw, claims, err := f.issuer.IssueAccessToken(ctx, testSubject, nil, 0)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	if err := f.registry.Add(ctx, claims.ID, revocation.Metadata{
		TokenType: revocation.TokenTypeAccess,
		ExpiresAt: claims.ExpiresAt,
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if got := verifyReason(t, f, raw); got != ReasonRevoked {
		t.Errorf("reason = %q, want %q", got, ReasonRevoked)
	}
}

func TestVerifyAccessToken_WrongIssuerOrAudience(t *testing.T) {
	f := newFixture(t, nil)

	other, err := NewIssuer(Config{Issuer: testIssuer, Audience: "https://other.example.com"}, f.signer, f.registry, f.store)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	other.SetClock(f.clock.Now)

	raw, _, err := other.IssueAccessToken(context.Background(), testSubject, nil, 0)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if got := verifyReason(t, f, raw); got != ReasonMismatch {
		t.Errorf("reason = %q, want %q", got, ReasonMismatch)
	}
}

func TestVerifyAccessToken_WrongType(t *testing.T) {
	f := newFixture(t, nil)
	now := f.clock.Now()

	raw, err := f.signer.Sign(jwt.MapClaims{
		"sub": testSubject,
		"iss": testIssuer,
		"aud": testAudience,
		"typ": "refresh",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"jti": "some-id",
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if got := verifyReason(t, f, raw); got != ReasonMismatch {
		t.Errorf("reason = %q, want %q", got, ReasonMismatch)
	}
}

func TestVerifyAccessToken_AlgorithmPinned(t *testing.T) {
	f := newFixture(t, nil)
	now := f.clock.Now()
	claims := jwt.MapClaims{
		"sub": testSubject,
		"iss": testIssuer,
		"aud": testAudience,
		"typ": TypeAccess,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"jti": "forged",
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString(none) error = %v", err)
	}
	if got := verifyReason(t, f, none); got != ReasonMalformed {
		t.Errorf("alg=none reason = %q, want %q", got, ReasonMalformed)
	}

	ecdsaSigner, err := GenerateECDSASigner()
	if err != nil {
		t.Fatalf("GenerateECDSASigner() error = %v", err)
	}
	es256, err := ecdsaSigner.Sign(claims)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if got := verifyReason(t, f, es256); got != ReasonMalformed {
		t.Errorf("ES256 on HS256 issuer reason = %q, want %q", got, ReasonMalformed)
	}

	otherKey, _ := NewHMACSigner([]byte(strings.Repeat("k", 32)))
	forged, _ := otherKey.Sign(claims)
	if got := verifyReason(t, f, forged); got != ReasonMalformed {
		t.Errorf("wrong key reason = %q, want %q", got, ReasonMalformed)
	}
}

func TestVerifyAccessToken_ArbitraryInput(t *testing.T) {
	f := newFixture(t, nil)
	inputs := []string{
		"",
		"not-a-jwt",
		"a.b.c",
		"..",
		"eyJhbGciOiJIUzI1NiJ9..",
		"eyJhbGciOiJIUzI1NiJ9.eyJqdGkiOjF9.sig",
		strings.Repeat("A", 10000),
		strings.Repeat(".", 3),
		"\x00\xff.\x00.\x00",
	}
	for _, in := range inputs {
		if f.issuer.VerifyAccessToken(context.Background(), in) != nil {
			t.Errorf("VerifyAccessToken(%q) returned claims", in)
		}
	}
}

func TestVerifyAccessToken_ECDSA(t *testing.T) {
	signer, err := GenerateECDSASigner()
	if err != nil {
		t.Fatalf("GenerateECDSASigner() error = %v", err)
	}
	f := newFixture(t, signer)

	raw, _, err := f.issuer.IssueAccessToken(context.Background(), testSubject, nil, 0)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if f.issuer.VerifyAccessToken(context.Background(), raw) == nil {
		t.Fatal("ES256 token should verify")
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified() error = %v", err)
	}
	if parsed.Header["kid"] != signer.KeyID() {
		t.Errorf("kid = %v, want %q", parsed.Header["kid"], signer.KeyID())
	}

	rotated, _ := NewECDSASigner(signer.privateKey, "another-kid")
	f2 := newFixture(t, rotated)
	if got := verifyReason(t, f2, raw); got != ReasonMalformed {
		t.Errorf("unknown kid reason = %q, want %q", got, ReasonMalformed)
	}
}

func TestAccessTokenID(t *testing.T) {
	f := newFixture(t, nil)

	raw, claims, err := f.issuer.IssueAccessToken(context.Background(), testSubject, nil, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	f.clock.Advance(time.Hour)

	jti, exp, ok := f.issuer.AccessTokenID(raw)
	if !ok {
		t.Fatal("AccessTokenID() should accept an expired token")
	}
	if jti != claims.ID || !exp.Equal(claims.ExpiresAt) {
		t.Errorf("AccessTokenID() = %q, %v", jti, exp)
	}

	if _, _, ok := f.issuer.AccessTokenID("garbage"); ok {
		t.Error("AccessTokenID() accepted garbage")
	}
}

func TestVerifyAccessToken_Metrics(t *testing.T) {
	f := newFixture(t, nil)
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()
	f.issuer.SetInstrumentation(inst)

	raw, _, _ := f.issuer.IssueAccessToken(context.Background(), testSubject, nil, 0)
	f.issuer.VerifyAccessToken(context.Background(), raw)
	f.issuer.VerifyAccessToken(context.Background(), "garbage")

	if got := testutil.CounterValue(t, reader, "oauth.token.issued", attribute.String("token_type", "access")); got != 1 {
		t.Errorf("token.issued = %d, want 1", got)
	}
	if got := testutil.CounterValue(t, reader, "oauth.token.verifications", attribute.String("result", "success")); got != 1 {
		t.Errorf("verifications{success} = %d, want 1", got)
	}
	if got := testutil.CounterValue(t, reader, "oauth.token.verifications", attribute.String("result", ReasonMalformed)); got != 1 {
		t.Errorf("verifications{malformed} = %d, want 1", got)
	}
}

func TestSigners(t *testing.T) {
	if _, err := NewHMACSigner([]byte("short")); !errors.Is(err, oautherr.ErrInvalidParameter) {
		t.Errorf("NewHMACSigner(short) error = %v", err)
	}
	if _, err := NewHMACSignerFromSecret([]byte("short")); err == nil {
		t.Error("NewHMACSignerFromSecret(short) should fail")
	}
	if _, err := NewECDSASigner(nil, "kid"); err == nil {
		t.Error("NewECDSASigner(nil) should fail")
	}

	a, _ := NewHMACSignerFromSecret([]byte(testutil.TestSecret))
	b, _ := NewHMACSignerFromSecret([]byte(testutil.TestSecret))
	if string(a.key) != string(b.key) {
		t.Error("key derivation must be deterministic")
	}
	if string(a.key) == testutil.TestSecret[:MinHMACKeyLength] {
		t.Error("signing key must be derived, not the raw secret")
	}
}
