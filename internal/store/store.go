// Package store provides the shared state store backing tokens, rate limits,
// circuit breakers and the response cache. Implementations must provide
// per-key TTL and atomic increments.
package store

import (
	"context"
	"errors"
	"time"
)

// Store defines the interface for shared admission state storage.
type Store interface {
	// Get retrieves the value for the given key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set sets the value for the given key with an expiration.
	// An expiration of 0 means the key never expires.
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// Exists checks whether the key is present and not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically increments the numeric value for the given key by delta.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// IncrementWithExpiry increments the value and sets expiration if the key is new.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// Scan returns all keys with the given prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Close closes the store and releases resources.
	Close() error
}

// ErrStoreUnavailable is returned when the backing store cannot be reached.
// Callers on admission paths treat it as a signal to fail open.
var ErrStoreUnavailable = errors.New("state store unavailable")

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	var notFound *ErrKeyNotFound
	return errors.As(err, &notFound)
}
