package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Verification and rotation results used as the "result" attribute
const (
	ResultSuccess       = "success"
	ResultInvalidGrant  = "invalid_grant"
	ResultReuseDetected = "reuse_detected"
	ResultExpired       = "expired"
	ResultRevoked       = "revoked"
	ResultMalformed     = "malformed"
	ResultMismatch      = "mismatch"
	ResultError         = "error"
)

// Metrics holds all metric instruments for the token lifecycle.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// Token metrics
	TokensIssued       metric.Int64Counter
	TokenVerifications metric.Int64Counter
	TokenRotations     metric.Int64Counter
	TokenReuseDetected metric.Int64Counter
	TokensRevoked      metric.Int64Counter

	// Authorization metrics
	PKCEValidations  metric.Int64Counter
	RedirectRejected metric.Int64Counter

	// Storage metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageRevocationsCount   metric.Int64ObservableGauge
	StorageAttemptsCount      metric.Int64ObservableGauge
	CleanupRemoved            metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	tokenMeter := inst.Meter("token")
	authMeter := inst.Meter("authorization")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	counters := []struct {
		target *metric.Int64Counter
		meter  metric.Meter
		name   string
		desc   string
		unit   string
	}{
		{&m.TokensIssued, tokenMeter, "oauth.token.issued", "Number of tokens issued", "{token}"},
		{&m.TokenVerifications, tokenMeter, "oauth.token.verifications", "Number of token verifications by result", "{verification}"},
		{&m.TokenRotations, tokenMeter, "oauth.token.rotations", "Number of refresh token rotations by result", "{rotation}"},
		{&m.TokenReuseDetected, tokenMeter, "oauth.token.reuse_detected", "Number of refresh token reuse detections", "{event}"},
		{&m.TokensRevoked, tokenMeter, "oauth.token.revoked", "Number of revocations by kind", "{revocation}"},
		{&m.PKCEValidations, authMeter, "oauth.pkce.validations", "Number of PKCE verifier checks by result", "{validation}"},
		{&m.RedirectRejected, authMeter, "oauth.redirect.rejected", "Number of rejected redirect URIs by category", "{rejection}"},
		{&m.StorageOperationTotal, storageMeter, "oauth.storage.operations.total", "Total number of storage operations", "{operation}"},
		{&m.CleanupRemoved, storageMeter, "oauth.storage.cleanup.removed", "Number of entries removed by cleanup", "{entry}"},
	}
	for _, c := range counters {
		*c.target, err = c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		target *metric.Int64ObservableGauge
		name   string
		desc   string
	}{
		{&m.StorageRefreshTokensCount, "oauth.storage.refresh_tokens.count", "Number of refresh token records held"},
		{&m.StorageRevocationsCount, "oauth.storage.revocations.count", "Number of revocation registry entries held"},
		{&m.StorageAttemptsCount, "oauth.storage.attempts.count", "Number of pending authorization attempts"},
	}
	for _, g := range gauges {
		*g.target, err = storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

// RecordTokenIssued records a minted access or refresh token
func (m *Metrics) RecordTokenIssued(ctx context.Context, tokenType string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordTokenVerification records the outcome of a verification
func (m *Metrics) RecordTokenVerification(ctx context.Context, tokenType, result string) {
	if m == nil {
		return
	}
	m.TokenVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
		attribute.String("result", result),
	))
}

// RecordRotation records the outcome of a refresh token rotation
func (m *Metrics) RecordRotation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.TokenRotations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordTokenReuseDetected records a replayed refresh token
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordRevocation records a revocation of the given kind (access, refresh, family)
func (m *Metrics) RecordRevocation(ctx context.Context, kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.TokensRevoked.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordPKCEValidation records a verifier check
func (m *Metrics) RecordPKCEValidation(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if !success {
		result = ResultMismatch
	}
	m.PKCEValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordRedirectRejected records a rejected redirect URI
func (m *Metrics) RecordRedirectRejected(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.RedirectRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordCleanup records entries removed by a cleanup pass
func (m *Metrics) RecordCleanup(ctx context.Context, target string, removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.CleanupRemoved.Add(ctx, int64(removed), metric.WithAttributes(
		attribute.String("target", target),
	))
}
