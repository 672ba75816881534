// Package cache defines the key-value cache contract backing execution and
// workflow state, plus an in-memory implementation. Values are stored as raw
// JSON so the store stays type-agnostic.
package cache

import (
	"context"
	"errors"
	"time"
)

// NoExpiry marks an entry that lives until explicitly deleted.
const NoExpiry time.Duration = -1

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("cache: key not found")

// Store is the cache contract. Implementations must be safe for concurrent
// use; the engine keys all shared state on execution/workflow ids so entries
// are only ever contended by design (read-and-renew vs rebuild-on-miss),
// resolved last-write-wins.
type Store interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key with the given TTL. NoExpiry disables
	// expiration. Overwrites reset the TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of key, NoExpiry for non-expiring
	// entries, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
