package revocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/testutil"
	"github.com/giantswarm/oauth-tokens/oautherr"
	"github.com/giantswarm/oauth-tokens/storage"
	"github.com/giantswarm/oauth-tokens/storage/memory"
	"github.com/giantswarm/oauth-tokens/storage/storagetest"
)

var testConfig = Config{
	AccessRetention:  15 * time.Minute,
	RefreshRetention: 24 * time.Hour,
}

func newTestRegistry(t *testing.T) (*Registry, *memory.Store, *testutil.MockClock) {
	t.Helper()
	store := memory.New()
	reg, err := NewRegistry(store, store, testConfig)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	clock := testutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	reg.SetClock(clock.Now)
	return reg, store, clock
}

func TestNewRegistry_Validation(t *testing.T) {
	store := memory.New()

	if _, err := NewRegistry(nil, store, testConfig); err == nil {
		t.Error("expected error for nil revocation store")
	}
	if _, err := NewRegistry(store, nil, testConfig); err == nil {
		t.Error("expected error for nil refresh token store")
	}
	if _, err := NewRegistry(store, store, Config{AccessRetention: time.Minute}); !errors.Is(err, oautherr.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestRegistry_AddAndIsRevoked(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if reg.IsRevoked(ctx, "jti-1") {
		t.Error("unknown key must not be revoked")
	}
	if reg.IsRevoked(ctx, "") {
		t.Error("empty key must not be revoked")
	}

	if err := reg.Add(ctx, "jti-1", Metadata{TokenType: TokenTypeAccess, Reason: ReasonRevoked}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !reg.IsRevoked(ctx, "jti-1") {
		t.Error("added key must be revoked")
	}

	if err := reg.Add(ctx, "", Metadata{}); !errors.Is(err, oautherr.ErrInvalidParameter) {
		t.Errorf("Add(\"\") error = %v, want ErrInvalidParameter", err)
	}
}

func TestRegistry_RetainUntil(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()
	now := clock.Now()

	tests := []struct {
		name      string
		meta      Metadata
		wantUntil time.Time
	}{
		{
			name:      "access token without expiry uses minimum retention",
			meta:      Metadata{TokenType: TokenTypeAccess},
			wantUntil: now.Add(testConfig.AccessRetention),
		},
		{
			name:      "refresh token expiring before minimum retention",
			meta:      Metadata{TokenType: TokenTypeRefresh, ExpiresAt: now.Add(time.Hour)},
			wantUntil: now.Add(testConfig.RefreshRetention),
		},
		{
			name:      "token expiring after minimum retention",
			meta:      Metadata{TokenType: TokenTypeRefresh, ExpiresAt: now.Add(30 * 24 * time.Hour)},
			wantUntil: now.Add(30 * 24 * time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := uuid.NewString()
			if err := reg.Add(ctx, key, tt.meta); err != nil {
				t.Fatalf("Add() error = %v", err)
			}
			entry, ok := reg.Lookup(ctx, key)
			if !ok || entry == nil {
				t.Fatal("Lookup() found nothing")
			}
			if !entry.RetainUntil.Equal(tt.wantUntil) {
				t.Errorf("RetainUntil = %v, want %v", entry.RetainUntil, tt.wantUntil)
			}
			if !entry.RevokedAt.Equal(now) {
				t.Errorf("RevokedAt = %v, want %v", entry.RevokedAt, now)
			}
		})
	}
}

func TestRegistry_ExpiredEntryStillRevokedUntilSwept(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Add(ctx, "jti", Metadata{TokenType: TokenTypeAccess}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	clock.Advance(48 * time.Hour)
	if !reg.IsRevoked(ctx, "jti") {
		t.Error("entry past retention must stay revoked until cleanup")
	}

	removed, err := reg.Cleanup(ctx, reg.LongestRetention())
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() removed = %d, want 1", removed)
	}
	if reg.IsRevoked(ctx, "jti") {
		t.Error("entry should be gone after cleanup")
	}
}

func TestRegistry_CleanupRejectsShortMaxAge(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Cleanup(context.Background(), time.Hour)
	if !errors.Is(err, oautherr.ErrInvalidParameter) {
		t.Errorf("Cleanup(1h) error = %v, want ErrInvalidParameter", err)
	}
}

func TestRegistry_CleanupKeepsRetainedEntries(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()

	// Revoked long ago but the token itself lives for 30 days.
	if err := reg.Add(ctx, "long-lived", Metadata{
		TokenType: TokenTypeRefresh,
		ExpiresAt: clock.Now().Add(30 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	clock.Advance(2 * 24 * time.Hour)
	removed, err := reg.Cleanup(ctx, reg.LongestRetention())
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("Cleanup() removed = %d, want 0", removed)
	}
	if !reg.IsRevoked(ctx, "long-lived") {
		t.Error("entry inside its retention must survive cleanup")
	}
}

func TestRegistry_RevokeFamily(t *testing.T) {
	reg, store, clock := newTestRegistry(t)
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(ctx) }()
	reg.SetInstrumentation(inst)

	family := uuid.NewString()
	rec := storagetest.NewRecord(t, "user", family, 1, clock.Now(), 24*time.Hour)
	if err := store.SaveRefreshToken(ctx, rec); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	other := storagetest.NewRecord(t, "user", uuid.NewString(), 1, clock.Now(), 24*time.Hour)
	if err := store.SaveRefreshToken(ctx, other); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	n, err := reg.RevokeFamily(ctx, family, ReasonReuseDetected)
	if err != nil {
		t.Fatalf("RevokeFamily() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RevokeFamily() revoked = %d, want 1", n)
	}
	if !reg.IsFamilyRevoked(ctx, family) {
		t.Error("family should carry a tombstone")
	}
	if reg.IsFamilyRevoked(ctx, other.FamilyID) {
		t.Error("unrelated family must not be revoked")
	}

	entry, ok := reg.Lookup(ctx, rec.Hash)
	if !ok || entry == nil {
		t.Fatal("revoked member should be in the registry")
	}
	if entry.FamilyID != family || entry.Reason != ReasonReuseDetected {
		t.Errorf("entry = %+v", entry)
	}
	if reg.IsRevoked(ctx, other.Hash) {
		t.Error("unrelated token must not be revoked")
	}

	// Idempotent.
	n, err = reg.RevokeFamily(ctx, family, ReasonFamilyRevoked)
	if err != nil || n != 0 {
		t.Errorf("second RevokeFamily() = %d, %v", n, err)
	}

	if got := testutil.CounterValue(t, reader, "oauth.token.revoked", attribute.String("kind", "family")); got != 1 {
		t.Errorf("token.revoked{kind=family} = %d, want 1", got)
	}

	if _, err := reg.RevokeFamily(ctx, "", ReasonRevoked); !errors.Is(err, oautherr.ErrInvalidParameter) {
		t.Errorf("RevokeFamily(\"\") error = %v", err)
	}
}

type failingStore struct {
	storage.Store
}

func (failingStore) GetRevocation(context.Context, string) (*storage.RevocationEntry, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) IsFamilyRevoked(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRegistry_FailsClosed(t *testing.T) {
	store := failingStore{Store: memory.New()}
	reg, err := NewRegistry(store, store, testConfig)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if !reg.IsRevoked(context.Background(), "jti") {
		t.Error("a failing store must report tokens as revoked")
	}
	if !reg.IsFamilyRevoked(context.Background(), "family") {
		t.Error("a failing store must report families as revoked")
	}
}
