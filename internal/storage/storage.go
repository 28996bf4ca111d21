package storage

import (
	"context"
	"errors"
	"time"
)

// Common storage errors.
var (
	// ErrNotFound indicates the key does not exist or has expired.
	ErrNotFound = errors.New("storage: key not found")

	// ErrTxnConflict indicates an optimistic-concurrency update was aborted
	// because another writer modified the key between the read and the commit.
	ErrTxnConflict = errors.New("storage: transaction aborted by concurrent write")
)

// ScanBatchSize is the number of keys requested per cursor iteration.
// Scans must never block the keyspace; cursor-based iteration keeps each
// round trip bounded.
const ScanBatchSize = 100

// UpdateFunc transforms the current value of a key into its next value and
// TTL. Returning an error aborts the update without writing; the error is
// propagated to the caller unchanged.
type UpdateFunc func(current string) (next string, ttl time.Duration, err error)

// Store is the key-value contract consumed by the auth core. Values are
// opaque strings (JSON in practice); TTLs are mandatory for every write so
// that no key can outlive its entity's lifetime.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value under key with the given TTL, replacing any
	// existing value. A zero TTL stores the key without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value under key only if the key does not exist.
	// Returns true if the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// GetDel atomically reads and deletes key, returning the value that
	// was present, or ErrNotFound. The read-and-delete is a single
	// server-side operation; no observer can see the key between the two.
	GetDel(ctx context.Context, key string) (string, error)

	// Delete removes key. Returns true if the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining lifetime of key. Returns ErrNotFound if
	// the key does not exist, and 0 if the key exists without expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Scan iterates all keys matching the glob pattern in cursor batches
	// of ScanBatchSize, invoking fn for each key. Iteration stops at the
	// first error returned by fn.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error

	// IncrWindow atomically increments a windowed counter and returns the
	// new hit count together with the counter's remaining lifetime. The
	// expiry is set in the same server-side operation as the increment,
	// so a crash between the two can never leave a counter without TTL.
	// When resetWindow is true the expiry is re-armed on every hit.
	IncrWindow(ctx context.Context, key string, window time.Duration, resetWindow bool) (hits int64, remaining time.Duration, err error)

	// DecrWindow atomically decrements a windowed counter created by
	// IncrWindow, floored at zero, preserving the counter's expiry. A
	// missing or expired counter is a no-op. Returns the new hit count.
	DecrWindow(ctx context.Context, key string) (hits int64, err error)

	// Update applies fn to the current value of key under optimistic
	// concurrency control: the key is watched, read, transformed, and the
	// result committed only if no other writer touched the key in the
	// meantime. Returns ErrNotFound if the key does not exist and
	// ErrTxnConflict if the commit was aborted. Callers own the retry
	// policy.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}
