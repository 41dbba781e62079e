// Package kvstore is the shared key-value store behind rate-limit counters
// and idempotency records.
//
// Redis is the production backend. Memory serves tests and acts as the
// secondary of Failover when Redis cannot be reached.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Count for absent or expired keys.
var ErrNotFound = errors.New("kvstore: key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value with ttl, replacing any existing value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr adds one to the counter at key. The first increment of a key
	// starts its ttl; later increments keep the remaining ttl. It returns
	// the new count and the time left before the counter expires.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)

	// Count reads a counter written by Incr together with its remaining ttl.
	// A missing counter is (0, 0, nil).
	Count(ctx context.Context, key string) (int64, time.Duration, error)

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
