// Package tiercache implements a multi-tier cache coordinator: a fast local
// tier backed by one or more slower shared tiers, presented to callers as a
// single typed Cache[V].
//
// Components:
//   - tier.Tier: byte store with TTL and tag indexing (tier/local, tier/redis,
//     tier/badger, plus tier/ristretto and tier/bigcache adapters).
//   - codec.Codec[V]: (de)serializes V <-> []byte (JSON, Msgpack, CBOR, protobuf).
//   - freq.Tracker: per-key access counts feeding the adaptive TTL policy.
//
// Reads walk tiers fastest-first; a hit in a slower tier is promoted into the
// faster ones. Writes fan out to every tier in parallel. Values are framed in
// a checksummed envelope (optionally s2-compressed) before they reach a tier,
// so corruption in a shared backend is detected on read, healed by deletion,
// and reported as a miss.
//
// The cache fails open: non-local tiers sit behind a per-call deadline and a
// circuit breaker, and tier outages degrade service (misses, partial writes)
// rather than surface as caller errors.
package tiercache
