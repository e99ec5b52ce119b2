// Package rotation exchanges refresh tokens for new token pairs and revokes
// token families.
//
// Every refresh token belongs to a family that descends from one grant. A
// successful rotation consumes the presented token and mints its successor
// in the same family. Presenting a token that was already consumed means the
// token was copied: the whole family is revoked and the caller gets a plain
// invalid_grant, indistinguishable from any other rejected grant.
//
// Rotations and revocations of one family are serialized in-process on top
// of the store's atomic consume, which is what guarantees a single winner
// across processes.
package rotation
