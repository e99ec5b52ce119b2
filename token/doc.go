// Package token issues and verifies access and refresh tokens.
//
// Access tokens are JWTs signed by a Signer (HS256 with a key derived from
// the configured secret, or ES256). Verification pins the signing algorithm,
// checks issuer, audience, expiry and token type, and consults the
// revocation registry by jti before trusting anything in the token.
//
// Refresh tokens are opaque: 256 random bits, base64url encoded. Only their
// SHA-256 hash is stored, together with the owning subject, the token family
// and the generation within that family.
//
// Verification never returns errors to callers. VerifyAccessToken returns
// nil and VerifyRefreshToken false on any failure; VerifyAccessTokenResult
// exposes the internal reason for server-side logging.
package token
