// Package tier defines the storage abstraction used by tiercache.
//
// A Tier is a byte store with per-entry TTLs and tag indices. Implementations
// MUST be byte-for-byte transparent: Get must return exactly the same []byte
// that was previously passed to Set for a key (no prepended/appended metadata,
// no re-encoding, no mutation). The coordinator owns all framing, compression
// and checksumming; tiers only move opaque blobs.
//
// Tiers must be safe for concurrent use. A tier must report misses as
// (nil, false, nil) and reserve the error return for IO/backend failures.
package tier

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned by tiers that cannot implement an optional
// capability (for example per-entry TTL updates on BigCache).
var ErrNotSupported = errors.New("tiercache: operation not supported by tier")

// Tier is the capability set every cache level must expose.
type Tier interface {
	// Name identifies the tier in logs and stats (e.g. "local", "redis").
	Name() string

	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// IO/backend errors are returned as (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL and registers key in the
	// index of every tag. A ttl <= 0 means the entry is already expired and
	// must not be stored.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error

	// Contains reports whether key holds an unexpired entry. Unlike Get it
	// must not update access statistics.
	Contains(ctx context.Context, key string) (bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// InvalidateTag removes every key indexed under tag plus the index
	// itself, returning the number of entries removed.
	InvalidateTag(ctx context.Context, tag string) (int, error)

	// TTL returns the remaining lifetime of key, or -1 when the key is
	// absent or carries no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire replaces the TTL of an existing entry without rewriting its
	// value. Returns false when the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Clear removes all entries. Administrative; primarily for tests and
	// operator resets.
	Clear(ctx context.Context) error

	// Stats returns whatever usage numbers the tier can produce cheaply.
	// Fields a tier cannot know (e.g. entry count on a shared backend) stay
	// zero.
	Stats() Stats

	// Close releases resources.
	Close(ctx context.Context) error
}

// Scanner is an optional capability: cursor- or iterator-based key
// enumeration for administrative and debug use. Enumeration must not block
// the backend on large keyspaces.
type Scanner interface {
	// Scan calls fn for every key with the given prefix. Returning a non-nil
	// error from fn stops the scan and is propagated.
	Scan(ctx context.Context, prefix string, fn func(key string) error) error
}

// Stats is a point-in-time usage snapshot of a single tier.
type Stats struct {
	Entries     int64
	BytesUsed   int64
	BudgetBytes int64 // 0 when the tier is unbounded or budget is unknown
	Hits        uint64
	Misses      uint64
	Evictions   uint64
}
