package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// Never put token values, verifiers or secrets in span attributes. Family ids
// and generations are identifiers, not credentials.
const (
	AttrTokenType       = "oauth.token_type"       //nolint:gosec // token kind, not a token
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // family identifier for rotation tracking
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // generation counter
	AttrTokenReuse      = "oauth.token.reuse"      //nolint:gosec // whether reuse was detected
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrRedirectResult  = "oauth.redirect.category"
	AttrResult          = "oauth.result"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddTokenFamilyAttributes adds token family tracking attributes to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddResultAttribute records the outcome of an operation on a span (nil-safe)
func AddResultAttribute(span trace.Span, result string) {
	if result != "" {
		SetSpanAttributes(span, attribute.String(AttrResult, result))
	}
}
