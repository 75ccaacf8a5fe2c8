package store

import "context"

// Store is the durable key-value collaborator peers share. Each peer writes
// only its own keys (heartbeat record, active-owner claim), so no locking
// discipline is required of implementations beyond per-op atomicity.
// Readers must tolerate stale or just-deleted values.
type Store interface {
	Set(ctx context.Context, key, value string) error
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}
