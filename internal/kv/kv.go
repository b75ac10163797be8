// Package kv defines the key-value store used for rate-limit buckets,
// consent-gated scan metadata, and metrics snapshots.
package kv

import (
	"context"
	"time"
)

// Store is the narrow key-value contract shared by the sqlite-backed and
// in-memory implementations. A zero ttl means the entry does not expire.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put stores value under key with an optional expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
