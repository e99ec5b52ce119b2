// Package redirect validates redirect URIs against a whitelist of exact
// strings and a transport security policy.
//
// No normalization is applied: a trailing slash, a different case in the path
// or an extra query parameter makes a URI a different URI.
package redirect

import (
	"fmt"
	"net/url"
)

// URI schemes accepted by the protocol policy
const (
	SchemeHTTPS = "https"
	SchemeHTTP  = "http"
)

// Redirect URI error categories for metrics and logging.
const (
	ErrorCategoryNotWhitelisted = "not_whitelisted"
	ErrorCategoryInsecureScheme = "insecure_scheme"
	ErrorCategoryInvalidFormat  = "invalid_format"
	ErrorCategoryFragment       = "fragment_not_allowed"
)

// loopbackHosts may use plain http outside production.
var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
}

// Whitelist is an immutable set of literal redirect URIs.
type Whitelist struct {
	uris map[string]struct{}
}

// NewWhitelist builds a whitelist from literal URIs. Duplicates collapse.
func NewWhitelist(uris ...string) Whitelist {
	w := Whitelist{uris: make(map[string]struct{}, len(uris))}
	for _, u := range uris {
		w.uris[u] = struct{}{}
	}
	return w
}

// Contains reports exact membership.
func (w Whitelist) Contains(uri string) bool {
	_, ok := w.uris[uri]
	return ok
}

// Len returns the number of entries.
func (w Whitelist) Len() int {
	return len(w.uris)
}

// Entries returns the whitelisted URIs in no particular order.
func (w Whitelist) Entries() []string {
	out := make([]string, 0, len(w.uris))
	for u := range w.uris {
		out = append(out, u)
	}
	return out
}

// IsAllowed reports whether candidate is literally present in whitelist.
func IsAllowed(candidate string, whitelist Whitelist) bool {
	return whitelist.Contains(candidate)
}

// HasSecureProtocol applies the transport policy. In production only https
// is accepted. Outside production https is accepted for any host and http
// only for localhost and 127.0.0.1. Every other scheme is rejected, and so is
// anything that does not parse as an absolute URI with a host.
func HasSecureProtocol(candidate string, isProduction bool) bool {
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Host == "" {
		return false
	}

	switch parsed.Scheme {
	case SchemeHTTPS:
		return true
	case SchemeHTTP:
		if isProduction {
			return false
		}
		_, ok := loopbackHosts[parsed.Hostname()]
		return ok
	default:
		return false
	}
}

// Validate applies both the protocol policy and the whitelist. The returned
// error is an *Error wrapping oautherr.ErrInvalidRedirect.
func Validate(candidate string, whitelist Whitelist, isProduction bool) error {
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return newError(ErrorCategoryInvalidFormat, candidate, "redirect URI is not an absolute URI")
	}
	if parsed.Fragment != "" || parsed.RawFragment != "" {
		return newError(ErrorCategoryFragment, candidate, "redirect URI contains a fragment")
	}
	if !HasSecureProtocol(candidate, isProduction) {
		return newError(ErrorCategoryInsecureScheme, candidate,
			fmt.Sprintf("scheme %q is not allowed for host %q (production=%t)", parsed.Scheme, parsed.Hostname(), isProduction))
	}
	if !IsAllowed(candidate, whitelist) {
		return newError(ErrorCategoryNotWhitelisted, candidate, "redirect URI is not whitelisted")
	}
	return nil
}

// ValidateWhitelist checks configured entries at startup: each must be an
// absolute URI without a fragment that passes the protocol policy.
func ValidateWhitelist(whitelist Whitelist, isProduction bool) error {
	for _, uri := range whitelist.Entries() {
		parsed, err := url.Parse(uri)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("whitelisted redirect URI %q is not an absolute URI", sanitizeURIForLogging(uri))
		}
		if parsed.Fragment != "" {
			return fmt.Errorf("whitelisted redirect URI %q contains a fragment", sanitizeURIForLogging(uri))
		}
		if !HasSecureProtocol(uri, isProduction) {
			return fmt.Errorf("whitelisted redirect URI %q violates the protocol policy (production=%t)", sanitizeURIForLogging(uri), isProduction)
		}
	}
	return nil
}
