package redirect

import (
	"context"
	"errors"
	"log/slog"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/security"
)

// Validator binds a whitelist to a deployment mode and reports rejections
// to the log, the audit trail and metrics.
type Validator struct {
	whitelist    Whitelist
	isProduction bool
	logger       *slog.Logger
	auditor      *security.Auditor
	metrics      *instrumentation.Metrics
}

// NewValidator creates a validator. The whitelist is checked with
// ValidateWhitelist so a misconfiguration fails at startup.
func NewValidator(whitelist Whitelist, isProduction bool, logger *slog.Logger) (*Validator, error) {
	if err := ValidateWhitelist(whitelist, isProduction); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if whitelist.Len() == 0 {
		logger.Warn("Redirect URI whitelist is empty, every redirect will be rejected")
	}
	return &Validator{
		whitelist:    whitelist,
		isProduction: isProduction,
		logger:       logger,
	}, nil
}

// SetAuditor sets the security auditor
func (v *Validator) SetAuditor(a *security.Auditor) {
	v.auditor = a
}

// SetInstrumentation sets OpenTelemetry instrumentation for the validator
func (v *Validator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.metrics = inst.Metrics()
}

// Validate checks candidate and records why it was rejected.
func (v *Validator) Validate(ctx context.Context, candidate string) error {
	err := Validate(candidate, v.whitelist, v.isProduction)
	if err == nil {
		return nil
	}

	var redirectErr *Error
	if errors.As(err, &redirectErr) {
		v.logger.Warn("Rejected redirect URI",
			"category", redirectErr.Category,
			"uri", redirectErr.URI,
			"reason", redirectErr.Reason)
		v.metrics.RecordRedirectRejected(ctx, redirectErr.Category)
		v.auditor.LogAuthFailure(security.EventInvalidRedirect, "", redirectErr.Category)
	}
	return err
}

// IsAllowed is Validate reduced to a boolean.
func (v *Validator) IsAllowed(ctx context.Context, candidate string) bool {
	return v.Validate(ctx, candidate) == nil
}

// IsProduction reports the mode the validator enforces.
func (v *Validator) IsProduction() bool {
	return v.isProduction
}
