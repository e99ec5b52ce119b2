package memory

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/testutil"
	"github.com/giantswarm/oauth-tokens/pkce"
	"github.com/giantswarm/oauth-tokens/storage"
	"github.com/giantswarm/oauth-tokens/storage/storagetest"
)

const testSubject = "test-user"

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestStore_SaveRefreshToken_Invalid(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.SaveRefreshToken(ctx, nil); err == nil {
		t.Error("SaveRefreshToken(nil) should return error")
	}
	if err := store.SaveRefreshToken(ctx, &storage.RefreshTokenRecord{Hash: "h"}); err == nil {
		t.Error("SaveRefreshToken() without family id should return error")
	}
}

func TestStore_GetRefreshToken_ReturnsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()
	rec := storagetest.NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)

	if err := store.SaveRefreshToken(ctx, rec); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	got, err := store.GetRefreshToken(ctx, rec.Hash)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	got.State = storage.StateRevoked

	again, _ := store.GetRefreshToken(ctx, rec.Hash)
	if again.State != storage.StateLive {
		t.Errorf("mutating a returned record changed the store: state = %q", again.State)
	}
}

func TestStore_DeleteExpiredRefreshTokens(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

	family := uuid.NewString()
	expired := storagetest.NewRecord(t, testSubject, family, 1, now.Add(-2*time.Hour), time.Hour)
	live := storagetest.NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)
	for _, rec := range []*storage.RefreshTokenRecord{expired, live} {
		if err := store.SaveRefreshToken(ctx, rec); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
	}

	removed, err := store.DeleteExpiredRefreshTokens(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredRefreshTokens() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.GetRefreshToken(ctx, expired.Hash); err != storage.ErrNotFound {
		t.Errorf("expired token still present: %v", err)
	}
	if _, err := store.GetRefreshToken(ctx, live.Hash); err != nil {
		t.Errorf("live token removed: %v", err)
	}
	if _, ok := store.families[family]; ok {
		t.Error("empty family index should be dropped")
	}
}

func TestStore_DeleteExpiredRefreshTokens_GracePeriod(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

	// Expired one second ago, still inside the clock skew grace period.
	rec := storagetest.NewRecord(t, testSubject, uuid.NewString(), 1, now.Add(-time.Hour-time.Second), time.Hour)
	if err := store.SaveRefreshToken(ctx, rec); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	removed, _ := store.DeleteExpiredRefreshTokens(ctx, now)
	if removed != 0 {
		t.Errorf("removed = %d, want 0 inside grace period", removed)
	}
}

func TestStore_FamilyTombstoneExpires(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()
	family := uuid.NewString()

	if _, err := store.RevokeFamily(ctx, family, now.Add(time.Hour), now); err != nil {
		t.Fatalf("RevokeFamily() error = %v", err)
	}

	if _, err := store.DeleteExpiredRefreshTokens(ctx, now.Add(30*time.Minute)); err != nil {
		t.Fatalf("DeleteExpiredRefreshTokens() error = %v", err)
	}
	if revoked, _ := store.IsFamilyRevoked(ctx, family); !revoked {
		t.Error("tombstone removed before its retention")
	}

	if _, err := store.DeleteExpiredRefreshTokens(ctx, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("DeleteExpiredRefreshTokens() error = %v", err)
	}
	if revoked, _ := store.IsFamilyRevoked(ctx, family); revoked {
		t.Error("tombstone kept past its retention")
	}
}

func TestStore_RevokeFamily_EmptyID(t *testing.T) {
	store := New()
	if _, err := store.RevokeFamily(context.Background(), "", time.Now(), time.Now()); err == nil {
		t.Error("RevokeFamily() with empty id should return error")
	}
}

func TestStore_DeleteExpiredAttempts(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

	for _, ttl := range []time.Duration{time.Minute, time.Hour} {
		a, err := pkce.NewAttempt("E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", pkce.MethodS256, "https://app.example.com/cb", now, ttl)
		if err != nil {
			t.Fatalf("NewAttempt() error = %v", err)
		}
		if err := store.SaveAttempt(ctx, a); err != nil {
			t.Fatalf("SaveAttempt() error = %v", err)
		}
	}

	removed, err := store.DeleteExpiredAttempts(ctx, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpiredAttempts() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestStore_SizeGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := New()
	ctx := context.Background()
	now := time.Now()

	if err := store.SaveRefreshToken(ctx, storagetest.NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	store.SetInstrumentation(inst)

	if err := store.SaveRefreshToken(ctx, storagetest.NewRecord(t, testSubject, uuid.NewString(), 1, now, time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if err := store.AddRevocation(ctx, &storage.RevocationEntry{Key: "jti", RevokedAt: now, RetainUntil: now.Add(time.Hour)}); err != nil {
		t.Fatalf("AddRevocation() error = %v", err)
	}

	if got, ok := testutil.GaugeValue(t, reader, "oauth.storage.refresh_tokens.count"); !ok || got != 2 {
		t.Errorf("refresh_tokens.count = %d (found=%v), want 2", got, ok)
	}
	if got, ok := testutil.GaugeValue(t, reader, "oauth.storage.revocations.count"); !ok || got != 1 {
		t.Errorf("revocations.count = %d (found=%v), want 1", got, ok)
	}
	if got := testutil.CounterValue(t, reader, "oauth.storage.operations.total"); got < 2 {
		t.Errorf("storage.operations.total = %d, want at least 2", got)
	}
}

func TestStore_SetLogger(t *testing.T) {
	var buf bytes.Buffer
	store := New()
	store.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	store.SetLogger(nil)

	rec := storagetest.NewRecord(t, testSubject, uuid.NewString(), 1, time.Now(), time.Hour)
	if err := store.SaveRefreshToken(context.Background(), rec); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	if !strings.Contains(buf.String(), "Saved refresh token") {
		t.Errorf("expected debug log, got %q", buf.String())
	}
	if strings.Contains(buf.String(), rec.Hash) {
		t.Error("log must not contain the full token hash")
	}
}

func TestStore_WithoutInstrumentationLeavesCallerSpanOpen(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, parent := tp.Tracer("test").Start(context.Background(), "token.issue_refresh")

	store := New()
	rec := storagetest.NewRecord(t, testSubject, uuid.NewString(), 1, time.Now(), time.Hour)
	if err := store.SaveRefreshToken(ctx, rec); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if _, err := store.GetRefreshToken(ctx, rec.Hash); err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}

	if ended := recorder.Ended(); len(ended) != 0 {
		t.Fatalf("store ended %d caller span(s)", len(ended))
	}
	parent.End()
	if ended := recorder.Ended(); len(ended) != 1 {
		t.Errorf("ended spans = %d, want 1", len(ended))
	}
}
