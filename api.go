package tiercache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/freq"
	"github.com/unkn0wn-root/tiercache/tier"
)

// Cache is the high-level, tier-agnostic cache API. V is the caller's value
// type; serialization is handled by a pluggable codec.Codec[V].
//
// The cache fails open toward availability: transient tier problems are
// absorbed, logged and counted, never raised to callers. Get reports a miss,
// Set succeeds as long as one tier accepted the write. A cache must never
// become a source of request failures; callers are expected to recompute on
// a miss.
type Cache[V any] interface {
	Enabled() bool
	Close(ctx context.Context) error

	// Get returns the cached value, or ok=false on miss, expiry, or any
	// tier/decoding problem. A hit found only in a slower tier is promoted
	// into the faster tiers before returning.
	Get(ctx context.Context, key string) (v V, ok bool)

	// GetOrCompute is the cache-aside helper: Get, and on miss call compute,
	// then Set best-effort. compute errors are returned verbatim.
	GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error), opts ...SetOption) (V, error)

	// Set writes to every configured tier in parallel. The effective TTL is
	// computed by the adaptive policy unless WithTTL supplies one. Returns a
	// SerializationError when encoding fails, or a TierUnavailableError when
	// no tier accepted the write.
	Set(ctx context.Context, key string, value V, opts ...SetOption) error

	// Has reports whether key is live in any tier without updating access
	// statistics.
	Has(ctx context.Context, key string) bool

	// Delete removes key from all tiers. Idempotent.
	Delete(ctx context.Context, key string) error

	// InvalidateTag removes every entry carrying tag from all tiers and
	// returns the largest per-tier removal count.
	InvalidateTag(ctx context.Context, tag string) (int, error)

	// Clear wipes all tiers. Administrative.
	Clear(ctx context.Context) error

	// TTL returns the remaining lifetime of key, or -1 when absent or
	// unknown.
	TTL(ctx context.Context, key string) time.Duration

	// Expire replaces key's TTL without rewriting the value; true when at
	// least one tier updated it.
	Expire(ctx context.Context, key string, ttl time.Duration) bool

	// Stats returns hit/miss counters, per-tier usage and health, and the
	// average compression ratio.
	Stats() Stats
}

// SetOption customizes a single Set call.
type SetOption func(*writeOpts)

type writeOpts struct {
	ttl      time.Duration
	tags     []string
	dataType string
}

// WithTTL pins the entry's TTL, bypassing the adaptive policy.
// A non-positive TTL marks the entry already expired (existing values are
// deleted).
func WithTTL(d time.Duration) SetOption {
	return func(o *writeOpts) {
		o.ttl = d
		if o.ttl == 0 {
			o.ttl = -1
		}
	}
}

// WithTags attaches tags for group invalidation. Tags are fixed for the
// entry's lifetime; changing them requires another Set.
func WithTags(tags ...string) SetOption {
	return func(o *writeOpts) { o.tags = tags }
}

// WithDataType classifies the value for the adaptive TTL policy
// (e.g. "product", "inventory", "analytics").
func WithDataType(t string) SetOption {
	return func(o *writeOpts) { o.dataType = t }
}

// Options tune the coordinator. Namespace, Codec and Local are required;
// everything else has sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string       // logical namespace to avoid collisions, e.g. "catalog"
	Codec     codec.Codec[V]
	Local     tier.Tier // L1; see tier/local

	Remote tier.Tier   // optional L2 (see tier/redis); wrapped with deadline + breaker
	Extra  []tier.Tier // optional further tiers (e.g. tier/badger); same wrapping

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks

	DefaultTTL      time.Duration // base TTL for the adaptive policy; 0 => 5m
	TypeMultipliers map[string]float64 // overrides merged over DefaultTypeMultipliers

	CompressionDisabled  bool // default: compression enabled
	CompressionThreshold int  // bytes; 0 => 1024

	RemoteTimeout    time.Duration // per-call deadline for non-local tiers; 0 => 2s
	BreakerThreshold uint32        // consecutive failures before opening; 0 => 5
	BreakerCooldown  time.Duration // open-state duration before a probe; 0 => 30s

	Tracker freq.Tracker // nil => freq.NewLocal (in-process counts)

	Disabled bool // default false (enabled)
}

// New validates opts and constructs the coordinator. The only error class it
// returns is *ConfigurationError.
func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
