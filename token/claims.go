package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TypeAccess is the typ claim carried by access tokens.
const TypeAccess = "access"

// Registered claim names. Caller-supplied claims cannot override them.
const (
	claimSubject   = "sub"
	claimIssuer    = "iss"
	claimAudience  = "aud"
	claimExpiresAt = "exp"
	claimNotBefore = "nbf"
	claimIssuedAt  = "iat"
	claimID        = "jti"
	claimType      = "typ"
)

var reservedClaims = map[string]struct{}{
	claimSubject:   {},
	claimIssuer:    {},
	claimAudience:  {},
	claimExpiresAt: {},
	claimNotBefore: {},
	claimIssuedAt:  {},
	claimID:        {},
	claimType:      {},
}

// IsReservedClaim reports whether name is set by the issuer and ignored when
// supplied as an extra claim.
func IsReservedClaim(name string) bool {
	_, ok := reservedClaims[name]
	return ok
}

// Claims is the verified content of an access token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ID        string // jti
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
	// Extra holds every non-registered claim.
	Extra map[string]any
}

// claimsFromMap converts parsed map claims. Registered claims have already
// been validated by the parser.
func claimsFromMap(mc jwt.MapClaims) *Claims {
	c := &Claims{Extra: make(map[string]any)}

	c.Subject, _ = mc.GetSubject()
	c.Issuer, _ = mc.GetIssuer()
	if aud, err := mc.GetAudience(); err == nil {
		c.Audience = []string(aud)
	}
	c.ID, _ = mc[claimID].(string)
	if t, err := mc.GetIssuedAt(); err == nil && t != nil {
		c.IssuedAt = t.Time
	}
	if t, err := mc.GetNotBefore(); err == nil && t != nil {
		c.NotBefore = t.Time
	}
	if t, err := mc.GetExpirationTime(); err == nil && t != nil {
		c.ExpiresAt = t.Time
	}

	for k, v := range mc {
		if !IsReservedClaim(k) {
			c.Extra[k] = v
		}
	}
	return c
}
