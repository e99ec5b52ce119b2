// Package memory provides an in-memory implementation of the storage interfaces.
//
// All state lives in maps guarded by a single sync.RWMutex, so verification
// reads run concurrently while consume, revoke and save serialize. It is
// suitable for development, testing and single-instance deployments; state is
// lost on restart.
//
// Expired records are not removed on a timer. Call the DeleteExpired* methods
// (the oauth.Service cleanup loop does) to reclaim memory.
//
// Example usage:
//
//	store := memory.New()
//	store.SetLogger(logger)
//
//	svc, err := oauth.NewService(cfg, oauth.WithStore(store))
package memory
