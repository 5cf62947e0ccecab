// Package kv provides the TTL-aware key/value store the cache layers sit on.
// The production backend is Redis; a bbolt backend supports single-node
// deployments without an external store, and an in-memory backend supports
// tests and local development.
package kv

import (
	"context"
	"time"
)

// Store is a TTL-aware key/value store. Implementations must not return
// entries whose TTL has elapsed.
type Store interface {
	// Get retrieves a value. The second return is false on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetEx stores a value with a time-to-live. A zero TTL stores the value
	// without expiry.
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists keys with the given prefix, excluding expired entries.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
