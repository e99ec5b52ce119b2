// Package oautherr defines the error kinds returned by the token lifecycle
// packages and their mapping onto OAuth 2.0 error responses.
//
// Callers should match kinds with errors.Is. Every refresh-token failure,
// reuse detection included, surfaces as ErrInvalidGrant so that a client
// cannot tell a stolen-token alarm from an ordinary expired grant.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds
var (
	// ErrInvalidParameter indicates a caller supplied an out-of-range argument
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidInput indicates malformed input such as a bad code verifier
	ErrInvalidInput = fmt.Errorf("invalid input: %w", ErrInvalidParameter)

	// ErrInvalidSubject indicates an empty or unusable subject identifier
	ErrInvalidSubject = fmt.Errorf("invalid subject: %w", ErrInvalidParameter)

	// ErrInvalidGrant indicates a refresh token or authorization attempt that
	// is unknown, expired, consumed, revoked or owned by someone else
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrInvalidRedirect indicates a redirect URI rejected by the whitelist or protocol policy
	ErrInvalidRedirect = errors.New("invalid redirect uri")

	// ErrUnauthorized indicates an access token that failed verification
	ErrUnauthorized = errors.New("unauthorized")
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeInvalidToken   = "invalid_token"
	ErrorCodeServerError    = "server_error"
)

// Descriptions are deliberately generic; details go to the logs.
const (
	descInvalidRequest  = "The request is missing a parameter or a parameter is malformed"
	descInvalidGrant    = "The provided grant is invalid, expired or revoked"
	descInvalidRedirect = "The redirect_uri is not registered or uses a disallowed scheme"
	descInvalidToken    = "The access token is invalid"
	descServerError     = "The server encountered an unexpected condition"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// FromError maps an error returned by this module onto the OAuth error
// response a transport layer should send. A nil error maps to nil.
// Anything that is not a known kind becomes server_error.
func FromError(err error) *OAuthError {
	if err == nil {
		return nil
	}

	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	switch {
	case errors.Is(err, ErrInvalidGrant):
		return NewOAuthError(ErrorCodeInvalidGrant, descInvalidGrant, http.StatusBadRequest)
	case errors.Is(err, ErrInvalidRedirect):
		return NewOAuthError(ErrorCodeInvalidRequest, descInvalidRedirect, http.StatusBadRequest)
	case errors.Is(err, ErrInvalidParameter):
		return NewOAuthError(ErrorCodeInvalidRequest, descInvalidRequest, http.StatusBadRequest)
	case errors.Is(err, ErrUnauthorized):
		return NewOAuthError(ErrorCodeInvalidToken, descInvalidToken, http.StatusUnauthorized)
	default:
		return NewOAuthError(ErrorCodeServerError, descServerError, http.StatusInternalServerError)
	}
}
