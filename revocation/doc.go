// Package revocation implements the revocation registry: the set of access
// token ids and refresh token hashes that must be rejected even though they
// may still be unexpired, plus family tombstones for rotated refresh tokens.
//
// An entry is retained at least until the token it names would have expired
// on its own, so a revoked token can never become valid again by aging out of
// the registry first.
package revocation
