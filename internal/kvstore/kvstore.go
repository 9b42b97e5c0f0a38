// Package kvstore adapts a key-value store (Redis) to the small set of
// primitives the rest of sandrunner needs: expiring counters, hash records,
// and membership sets. The system assumes at-most-one-writer-per-key within
// a process and relies on the store itself for cross-process atomicity of
// counter increments.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/HGetAll when the key does not exist.
var ErrNotFound = errors.New("kvstore: not found")

// Store is the contract every component in sandrunner depends on. It is
// implemented by *Redis (production) and *Fake (tests).
type Store interface {
	// Get returns the string at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// SetEX atomically sets key to value with a TTL.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	// Del deletes one or more keys; missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// IncrExpire atomically increments key and, only on the first increment
	// (i.e. the key did not previously exist), sets its TTL. This is the
	// "INCR + EXPIRE" primitive used for rate-limit buckets: expiry is set
	// once so that concurrent incrementers never race to reset it.
	IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// HGetAll returns every field of a hash, or ErrNotFound if it doesn't exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSet sets one or more fields on a hash.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HIncrBy atomically increments a hash field by delta, returning the new value.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	// HExpire sets a TTL on an entire hash key.
	HExpire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns every member of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ScanPrefix returns every key matching prefix+"*". Intended for
	// low-frequency administrative scans only.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies connectivity to the store.
	Ping(ctx context.Context) error
	// Close releases underlying resources.
	Close() error
}
