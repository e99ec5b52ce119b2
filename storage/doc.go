// Package storage provides the storage interfaces for the token lifecycle.
//
// The storage package defines three capabilities:
//   - RefreshTokenStore: live refresh tokens keyed by hash, with an atomic
//     consume used by rotation and family tombstones used by reuse detection
//   - RevocationStore: the revocation registry keyed by jti or token hash
//   - AttemptStore: pending PKCE authorization attempts with a TTL
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing and single-instance deployments
//   - storage/redis: Redis-backed storage for deployments with several replicas
//
// Both implementations must pass the same behavioral tests; the atomicity
// guarantees documented on each method are part of the contract.
package storage
