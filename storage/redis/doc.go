// Package redis provides a Redis-backed implementation of the storage
// interfaces using github.com/redis/go-redis/v9.
//
// Every state transition that must be atomic (consume, revoke, family
// revocation, save into a possibly revoked family) runs as a Lua script, so
// several service replicas can share one Redis safely. Records carry key TTLs
// derived from their expiry, which makes Redis itself the sweeper.
//
// Family revocation touches keys that are not declared to the script, so the
// backend targets a single Redis node or a Sentinel-managed primary, not
// Redis Cluster.
//
// Refresh token subjects can be encrypted at rest with SetEncryptor. Scripts
// compare a SHA-256 digest of the subject instead of the subject itself.
//
// Example usage:
//
//	store, err := redis.New(ctx, redis.Config{
//		Addr:      "localhost:6379",
//		KeyPrefix: "oauth:",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package redis
