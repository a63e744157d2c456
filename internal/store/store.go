package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a key with no live value in the store.
var ErrNotFound = errors.New("store: key not found")

// Store is the distributed key/value contract shared by the rate limiter,
// the credential validator, and the schema mapper. Backends must provide
// atomic increments; everything else is plain get/set with TTL.
type Store interface {
	// Get returns the raw value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value under key. A non-positive ttl stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Increment atomically adds one to the integer at key, creating it at 1,
	// and refreshes the TTL when one is supplied.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// CompareAndSwap writes value only if the current value equals expected;
	// an empty expected requires the key to be absent. It reports whether the
	// swap happened. Readers doing read-modify-write cycles use this to detect
	// a concurrent writer instead of overwriting it.
	CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close(ctx context.Context) error
}
