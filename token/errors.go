package token

import (
	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/oautherr"
)

// Verification failure reasons, shared with the verification metric.
const (
	ReasonExpired   = instrumentation.ResultExpired
	ReasonMalformed = instrumentation.ResultMalformed
	ReasonRevoked   = instrumentation.ResultRevoked
	ReasonMismatch  = instrumentation.ResultMismatch
)

// VerifyError carries the internal reason an access token was rejected.
// It always matches oautherr.ErrUnauthorized; the reason is for logs only.
type VerifyError struct {
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return "unauthorized: " + e.Reason + ": " + e.Err.Error()
	}
	return "unauthorized: " + e.Reason
}

// Unwrap lets errors.Is match oautherr.ErrUnauthorized.
func (e *VerifyError) Unwrap() error {
	return oautherr.ErrUnauthorized
}

func verifyError(reason string, err error) *VerifyError {
	return &VerifyError{Reason: reason, Err: err}
}
