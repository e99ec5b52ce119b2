package redirect

import (
	"net/url"

	"github.com/giantswarm/oauth-tokens/oautherr"
)

// Error describes a rejected redirect URI with detail for operators while
// keeping the message returned to clients generic.
type Error struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
}

func (e *Error) Error() string {
	return "redirect_uri: not allowed"
}

// Unwrap lets errors.Is match oautherr.ErrInvalidRedirect.
func (e *Error) Unwrap() error {
	return oautherr.ErrInvalidRedirect
}

func newError(category, uri, reason string) *Error {
	return &Error{
		Category: category,
		URI:      sanitizeURIForLogging(uri),
		Reason:   reason,
	}
}

// sanitizeURIForLogging strips query, fragment and userinfo, which may carry
// codes or credentials.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.User = nil

	return parsed.String()
}
