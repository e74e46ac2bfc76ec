package tiercache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/freq"
	"github.com/unkn0wn-root/tiercache/internal/envelope"
	"github.com/unkn0wn-root/tiercache/tier"
)

// slot pairs a tier with the coordinator's view of it. verify controls
// checksum validation on read: the local tier is trusted (this process wrote
// it), shared tiers are not.
type slot struct {
	t        tier.Tier
	verify   bool
	counters tierCounters
}

type healthChecker interface{ Healthy() bool }

func (s *slot) healthy() bool {
	if h, ok := s.t.(healthChecker); ok {
		return h.Healthy()
	}
	return true
}

type cache[V any] struct {
	ns    string
	codec codec.Codec[V]
	slots []*slot

	ttlPol            *ttlPolicy
	compressThreshold int // 0 disables compression

	log   Logger
	hooks Hooks

	tracker    freq.Tracker
	ownTracker bool

	enabled bool

	compOriginal atomic.Uint64
	compStored   atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Namespace == "" {
		return nil, &ConfigurationError{Field: "Namespace", Reason: "required"}
	}
	if opts.Codec == nil {
		return nil, &ConfigurationError{Field: "Codec", Reason: "required"}
	}
	if opts.Local == nil {
		return nil, &ConfigurationError{Field: "Local", Reason: "an L1 tier is required"}
	}
	if opts.DefaultTTL < 0 {
		return nil, &ConfigurationError{Field: "DefaultTTL", Reason: "must not be negative"}
	}
	if opts.CompressionThreshold < 0 {
		return nil, &ConfigurationError{Field: "CompressionThreshold", Reason: "must not be negative"}
	}
	if opts.RemoteTimeout < 0 {
		return nil, &ConfigurationError{Field: "RemoteTimeout", Reason: "must not be negative"}
	}
	for k, v := range opts.TypeMultipliers {
		if v <= 0 {
			return nil, &ConfigurationError{Field: "TypeMultipliers", Reason: "multiplier for " + k + " must be positive"}
		}
	}

	c := &cache[V]{
		ns:      opts.Namespace,
		codec:   opts.Codec,
		enabled: !opts.Disabled,
	}
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if !opts.CompressionDisabled {
		c.compressThreshold = coalesce(opts.CompressionThreshold, defaultCompressionThreshold)
	}

	if opts.Tracker != nil {
		c.tracker = opts.Tracker
	} else {
		c.tracker = freq.NewLocal(defaultFreqSweep, defaultFreqRetention)
		c.ownTracker = true
	}

	base := coalesce(opts.DefaultTTL, defaultTTL)
	c.ttlPol = newTTLPolicy(base, opts.TypeMultipliers, c.tracker)

	timeout := coalesce(opts.RemoteTimeout, defaultRemoteTimeout)
	threshold := coalesce(opts.BreakerThreshold, uint32(defaultBreakerThreshold))
	cooldown := coalesce(opts.BreakerCooldown, defaultBreakerCooldown)

	c.slots = append(c.slots, &slot{t: opts.Local})
	if opts.Remote != nil {
		c.slots = append(c.slots, &slot{
			t:      newGuard(opts.Remote, timeout, threshold, cooldown, c.log, c.hooks),
			verify: true,
		})
	}
	for _, t := range opts.Extra {
		c.slots = append(c.slots, &slot{
			t:      newGuard(t, timeout, threshold, cooldown, c.log, c.hooks),
			verify: true,
		})
	}
	return c, nil
}

func (c *cache[V]) Enabled() bool { return c.enabled }

func (c *cache[V]) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.ownTracker {
			if err := c.tracker.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		for _, sl := range c.slots {
			if err := sl.t.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *cache[V]) storageKey(key string) string { return c.ns + ":" + key }
func (c *cache[V]) storageTag(tag string) string { return c.ns + ":" + tag }

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	if !c.enabled {
		return zero, false
	}
	k := c.storageKey(key)

	for i, sl := range c.slots {
		blob, ok, err := sl.t.Get(ctx, k)
		if err != nil {
			sl.counters.errors.Add(1)
			c.hooks.TierError(sl.t.Name(), "get", key, err)
			c.log.Warn("tier get failed", Fields{"tier": sl.t.Name(), "key": key, "err": err})
			continue
		}
		if !ok {
			sl.counters.misses.Add(1)
			continue
		}

		raw, meta, err := envelope.Open(blob, sl.verify)
		if err != nil {
			reason := "corrupt"
			if errors.Is(err, envelope.ErrChecksum) {
				reason = "checksum"
				ierr := &IntegrityError{Tier: sl.t.Name(), Key: key, Err: err}
				c.log.Warn("integrity failure, dropping entry", Fields{"tier": sl.t.Name(), "key": key, "err": ierr})
			}
			_ = sl.t.Delete(ctx, k) // self-heal
			c.hooks.SelfHeal(sl.t.Name(), key, reason)
			sl.counters.misses.Add(1)
			continue
		}

		v, err := c.codec.Decode(raw)
		if err != nil {
			_ = sl.t.Delete(ctx, k) // self-heal undecodable entry
			c.hooks.SelfHeal(sl.t.Name(), key, "decode")
			sl.counters.misses.Add(1)
			continue
		}

		sl.counters.hits.Add(1)
		if _, err := c.tracker.Record(ctx, k); err != nil {
			c.log.Debug("freq record failed", Fields{"key": key, "err": err})
		}
		if i > 0 {
			c.promote(ctx, k, blob, meta, i)
		}
		return v, true
	}
	return zero, false
}

// promote copies a blob found in a slower tier into every faster tier,
// carrying over the remaining TTL and the entry's tags.
func (c *cache[V]) promote(ctx context.Context, storageKey string, blob []byte, meta envelope.Meta, from int) {
	src := c.slots[from]
	ttl, err := src.t.TTL(ctx, storageKey)
	if err != nil || ttl <= 0 {
		ttl = c.ttlPol.base // unknown remaining lifetime; fall back
	}
	for _, sl := range c.slots[:from] {
		if err := sl.t.Set(ctx, storageKey, blob, ttl, meta.Tags); err != nil {
			sl.counters.errors.Add(1)
			c.hooks.TierError(sl.t.Name(), "promote", storageKey, err)
			c.log.Warn("promotion write failed", Fields{"tier": sl.t.Name(), "err": err})
		}
	}
}

func (c *cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error), opts ...SetOption) (V, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	v, err := compute(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	if err := c.Set(ctx, key, v, opts...); err != nil {
		c.log.Debug("cache-aside set failed", Fields{"key": key, "err": err})
	}
	return v, nil
}

func (c *cache[V]) Set(ctx context.Context, key string, value V, opts ...SetOption) error {
	if !c.enabled {
		return nil
	}
	var wo writeOpts
	for _, o := range opts {
		o(&wo)
	}
	k := c.storageKey(key)

	raw, err := c.codec.Encode(value)
	if err != nil {
		serr := &SerializationError{Key: key, Op: "set", Err: err}
		c.log.Warn("encode failed, skipping write", Fields{"key": key, "err": err})
		return serr
	}

	ttl := wo.ttl
	if ttl == 0 {
		ttl = c.ttlPol.effective(ctx, k, wo.dataType)
	}
	if ttl <= 0 {
		// already expired: make sure no stale copy survives
		return c.Delete(ctx, key)
	}

	stags := make([]string, len(wo.tags))
	for i, t := range wo.tags {
		stags[i] = c.storageTag(t)
	}

	blob, meta, err := envelope.Seal(raw, stags, c.compressThreshold)
	if err != nil {
		return &SerializationError{Key: key, Op: "set", Err: err}
	}
	if meta.Compressed {
		c.compOriginal.Add(uint64(meta.OriginalSize))
		c.compStored.Add(uint64(meta.StoredSize))
	}

	results := c.fanOut(func(_ int, sl *slot) error {
		return sl.t.Set(ctx, k, blob, ttl, stags)
	})

	accepted := 0
	var failures []error
	for i, err := range results {
		if err == nil {
			accepted++
			continue
		}
		sl := c.slots[i]
		sl.counters.errors.Add(1)
		failures = append(failures, err)
		c.hooks.TierError(sl.t.Name(), "set", key, err)
		c.log.Warn("tier set failed", Fields{"tier": sl.t.Name(), "key": key, "err": err})
	}
	if accepted == 0 {
		return &TierUnavailableError{Tier: "all", Op: "set", Err: errors.Join(failures...)}
	}
	if accepted < len(c.slots) {
		c.hooks.WriteDegraded(key, accepted, len(c.slots))
	}
	return nil
}

func (c *cache[V]) Has(ctx context.Context, key string) bool {
	if !c.enabled {
		return false
	}
	k := c.storageKey(key)
	for _, sl := range c.slots {
		ok, err := sl.t.Contains(ctx, k)
		if err != nil {
			sl.counters.errors.Add(1)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (c *cache[V]) Delete(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	k := c.storageKey(key)
	results := c.fanOut(func(_ int, sl *slot) error {
		return sl.t.Delete(ctx, k)
	})
	return c.collect(results, "delete", key)
}

func (c *cache[V]) InvalidateTag(ctx context.Context, tag string) (int, error) {
	if !c.enabled {
		return 0, nil
	}
	st := c.storageTag(tag)
	counts := make([]int, len(c.slots))
	results := c.fanOut(func(i int, sl *slot) error {
		n, err := sl.t.InvalidateTag(ctx, st)
		counts[i] = n
		return err
	})

	// tiers hold overlapping copies; report the widest sweep
	removed := 0
	for _, n := range counts {
		if n > removed {
			removed = n
		}
	}
	return removed, c.collect(results, "invalidate_tag", tag)
}

func (c *cache[V]) Clear(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	results := c.fanOut(func(_ int, sl *slot) error {
		return sl.t.Clear(ctx)
	})
	return c.collect(results, "clear", "")
}

func (c *cache[V]) TTL(ctx context.Context, key string) time.Duration {
	if !c.enabled {
		return -1
	}
	k := c.storageKey(key)
	for _, sl := range c.slots {
		d, err := sl.t.TTL(ctx, k)
		if err != nil {
			sl.counters.errors.Add(1)
			continue
		}
		if d >= 0 {
			return d
		}
	}
	return -1
}

func (c *cache[V]) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if !c.enabled {
		return false
	}
	k := c.storageKey(key)
	updated := make([]bool, len(c.slots))
	results := c.fanOut(func(i int, sl *slot) error {
		ok, err := sl.t.Expire(ctx, k, ttl)
		updated[i] = ok
		return err
	})
	for i, err := range results {
		if err != nil && !errors.Is(err, tier.ErrNotSupported) {
			sl := c.slots[i]
			sl.counters.errors.Add(1)
			c.hooks.TierError(sl.t.Name(), "expire", key, err)
		}
	}
	for _, ok := range updated {
		if ok {
			return true
		}
	}
	return false
}

func (c *cache[V]) Stats() Stats {
	out := Stats{}
	var totalHits, totalMisses uint64

	for _, sl := range c.slots {
		ts := sl.t.Stats()
		hits := sl.counters.hits.Load()
		misses := sl.counters.misses.Load()
		totalHits += hits
		totalMisses += misses

		entry := TierStats{
			Name:        sl.t.Name(),
			Hits:        hits,
			Misses:      misses,
			Errors:      sl.counters.errors.Load(),
			Healthy:     sl.healthy(),
			Entries:     ts.Entries,
			BytesUsed:   ts.BytesUsed,
			BudgetBytes: ts.BudgetBytes,
			Evictions:   ts.Evictions,
		}
		if ts.BudgetBytes > 0 {
			entry.MemoryUsagePct = 100 * float64(ts.BytesUsed) / float64(ts.BudgetBytes)
		}
		out.Tiers = append(out.Tiers, entry)
	}

	out.Hits = totalHits
	out.Misses = totalMisses
	if total := totalHits + totalMisses; total > 0 {
		out.HitRate = float64(totalHits) / float64(total)
	}
	if orig := c.compOriginal.Load(); orig > 0 {
		out.CompressionRatio = float64(c.compStored.Load()) / float64(orig)
	}
	return out
}

// fanOut runs op against every tier concurrently and waits for all of them;
// per-tier errors come back positionally, never short-circuiting the rest.
func (c *cache[V]) fanOut(op func(int, *slot) error) []error {
	results := make([]error, len(c.slots))
	var g errgroup.Group
	for i, sl := range c.slots {
		i, sl := i, sl
		g.Go(func() error {
			results[i] = op(i, sl)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// collect reduces fan-out results: individual failures are logged and
// hooked; an error is returned only when every tier failed.
func (c *cache[V]) collect(results []error, op, key string) error {
	failed := 0
	var failures []error
	for i, err := range results {
		if err == nil || errors.Is(err, tier.ErrNotSupported) {
			continue
		}
		failed++
		failures = append(failures, err)
		sl := c.slots[i]
		sl.counters.errors.Add(1)
		c.hooks.TierError(sl.t.Name(), op, key, err)
		c.log.Warn("tier operation failed", Fields{"tier": sl.t.Name(), "op": op, "key": key, "err": err})
	}
	if failed == len(c.slots) && failed > 0 {
		return &TierUnavailableError{Tier: "all", Op: op, Err: errors.Join(failures...)}
	}
	return nil
}
