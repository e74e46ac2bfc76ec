// Package freq tracks per-key access frequency for the adaptive TTL policy.
//
// The tracker outlives individual cache entries on purpose: a key that is
// replaced keeps its history, so a hot key stays hot across rewrites. Use
// Local (default) for in-process counts, or Redis when replicas should agree
// on what is hot.
package freq

import (
	"context"
	"time"
)

// Tracker abstracts where access counts live.
type Tracker interface {
	// Record notes one access to key and returns the updated count.
	Record(ctx context.Context, key string) (uint64, error)

	// Count returns the historical access count; missing keys are 0.
	Count(ctx context.Context, key string) (uint64, error)

	// Cleanup prunes counts idle longer than retention (no-op for backends
	// that expire entries themselves).
	Cleanup(retention time.Duration)

	// Close releases resources (no-op ok).
	Close(ctx context.Context) error
}
