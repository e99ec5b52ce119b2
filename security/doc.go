// Package security provides the cryptographic primitives and audit trail
// shared by the token lifecycle packages.
//
// # Primitives
//
//   - RandomBytes / RandomToken: CSPRNG output, base64url for tokens
//   - HashToken: SHA-256 digest under which refresh tokens are stored
//   - ConstantTimeEqual: comparison for secrets and PKCE challenges
//   - DeriveKey: HKDF-SHA256 derivation of purpose-bound keys from the token secret
//   - Encryptor: AES-256-GCM sealing of records at rest
//
// # Audit
//
// The Auditor writes security_audit log records with hashed subjects.
// Refresh token reuse alarms are throttled per family with a RateLimiter so
// that a replay loop cannot flood the log:
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.SetThrottle(rate.Every(time.Minute), 5)
//
// # Clock skew
//
// Stored expiry timestamps are compared with DefaultClockSkewGracePeriod of
// slack; access token expiry is exact.
package security
