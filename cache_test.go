package tiercache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	c "github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/tier"
)

type memEntry struct {
	v    []byte
	exp  time.Time
	tags []string
}

// memTier is a minimal in-memory tier.Tier used to observe coordinator
// behavior. It is byte-transparent and records the TTL of the last Set.
type memTier struct {
	mu      sync.Mutex
	name    string
	m       map[string]memEntry
	now     func() time.Time
	lastTTL time.Duration
}

var _ tier.Tier = (*memTier)(nil)

func newMemTier(name string) *memTier {
	return &memTier{name: name, m: make(map[string]memEntry), now: time.Now}
}

func (p *memTier) Name() string { return p.name }

func (p *memTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if p.now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memTier) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ttl <= 0 {
		return nil
	}
	p.lastTTL = ttl
	p.m[key] = memEntry{v: value, exp: p.now().Add(ttl), tags: tags}
	return nil
}

func (p *memTier) Contains(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok || p.now().After(e.exp) {
		return false, nil
	}
	return true, nil
}

func (p *memTier) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memTier) InvalidateTag(_ context.Context, tag string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, e := range p.m {
		for _, t := range e.tags {
			if t == tag {
				delete(p.m, k)
				n++
				break
			}
		}
	}
	return n, nil
}

func (p *memTier) TTL(_ context.Context, key string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return -1, nil
	}
	d := e.exp.Sub(p.now())
	if d < 0 {
		return -1, nil
	}
	return d, nil
}

func (p *memTier) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		delete(p.m, key)
		return true, nil
	}
	e.exp = p.now().Add(ttl)
	p.m[key] = e
	return true, nil
}

func (p *memTier) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m = make(map[string]memEntry)
	return nil
}

func (p *memTier) Stats() tier.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return tier.Stats{Entries: int64(len(p.m))}
}

func (p *memTier) Close(_ context.Context) error { return nil }

func (p *memTier) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *memTier) raw(key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	return e.v, ok
}

func (p *memTier) inject(key string, v []byte, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = memEntry{v: v, exp: p.now().Add(ttl)}
}

// failTier errors on everything, modeling an unreachable backend.
type failTier struct{ name string }

var _ tier.Tier = failTier{}

var errBackendDown = errors.New("backend down")

func (f failTier) Name() string                                                  { return f.name }
func (f failTier) Get(context.Context, string) ([]byte, bool, error)             { return nil, false, errBackendDown }
func (f failTier) Set(context.Context, string, []byte, time.Duration, []string) error {
	return errBackendDown
}
func (f failTier) Contains(context.Context, string) (bool, error)  { return false, errBackendDown }
func (f failTier) Delete(context.Context, string) error            { return errBackendDown }
func (f failTier) InvalidateTag(context.Context, string) (int, error) {
	return 0, errBackendDown
}
func (f failTier) TTL(context.Context, string) (time.Duration, error) { return -1, errBackendDown }
func (f failTier) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, errBackendDown
}
func (f failTier) Clear(context.Context) error      { return errBackendDown }
func (f failTier) Stats() tier.Stats                { return tier.Stats{} }
func (f failTier) Close(context.Context) error      { return nil }

// recHooks records events for assertions.
type recHooks struct {
	mu        sync.Mutex
	tierErrs  int
	selfHeals []string // "tier:reason"
	degraded  int
}

func (h *recHooks) TierError(string, string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tierErrs++
}

func (h *recHooks) SelfHeal(tierName, _, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selfHeals = append(h.selfHeals, tierName+":"+reason)
}

func (h *recHooks) WriteDegraded(string, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded++
}

func (h *recHooks) BreakerStateChange(string, string, string) {}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newTestCache(t *testing.T, local, remote tier.Tier, mod func(*Options[user])) Cache[user] {
	t.Helper()
	opts := Options[user]{
		Namespace: "u",
		Codec:     c.JSON[user]{},
		Local:     local,
		Remote:    remote,
	}
	if mod != nil {
		mod(&opts)
	}
	cc, err := New[user](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cc
}

func TestNewValidation(t *testing.T) {
	local := newMemTier("local")
	cases := []struct {
		name  string
		mod   func(*Options[user])
		field string
	}{
		{"missing namespace", func(o *Options[user]) { o.Namespace = "" }, "Namespace"},
		{"missing codec", func(o *Options[user]) { o.Codec = nil }, "Codec"},
		{"missing local", func(o *Options[user]) { o.Local = nil }, "Local"},
		{"negative ttl", func(o *Options[user]) { o.DefaultTTL = -time.Second }, "DefaultTTL"},
		{"negative threshold", func(o *Options[user]) { o.CompressionThreshold = -1 }, "CompressionThreshold"},
		{"negative timeout", func(o *Options[user]) { o.RemoteTimeout = -time.Second }, "RemoteTimeout"},
		{"bad multiplier", func(o *Options[user]) { o.TypeMultipliers = map[string]float64{"order": 0} }, "TypeMultipliers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := Options[user]{Namespace: "u", Codec: c.JSON[user]{}, Local: local}
			tc.mod(&opts)
			_, err := New[user](opts)
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("want *ConfigurationError, got %v", err)
			}
			if cerr.Field != tc.field {
				t.Fatalf("field = %q, want %q", cerr.Field, tc.field)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemTier("local"), nil, nil)
	defer cc.Close(ctx)

	want := user{ID: "42", Name: "Ada"}
	if err := cc.Set(ctx, "42", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := cc.Get(ctx, "42")
	if !ok || got != want {
		t.Fatalf("Get = (%+v, %v), want (%+v, true)", got, ok, want)
	}
	if _, ok := cc.Get(ctx, "missing"); ok {
		t.Fatal("Get(missing) reported a hit")
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	local := newMemTier("local")
	clock := time.Now()
	local.now = func() time.Time { return clock }
	cc := newTestCache(t, local, nil, nil)
	defer cc.Close(ctx)

	if err := cc.Set(ctx, "k", user{ID: "1"}, WithTTL(time.Minute)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := cc.Get(ctx, "k"); !ok {
		t.Fatal("entry should be live before expiry")
	}
	clock = clock.Add(61 * time.Second)
	if _, ok := cc.Get(ctx, "k"); ok {
		t.Fatal("entry should have expired")
	}
	if cc.Has(ctx, "k") {
		t.Fatal("Has reported an expired entry")
	}
}

func TestWithTTLZeroDeletes(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemTier("local"), nil, nil)
	defer cc.Close(ctx)

	if err := cc.Set(ctx, "k", user{ID: "1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cc.Set(ctx, "k", user{ID: "2"}, WithTTL(0)); err != nil {
		t.Fatalf("Set with zero TTL: %v", err)
	}
	if _, ok := cc.Get(ctx, "k"); ok {
		t.Fatal("zero TTL should delete the existing entry")
	}
}

func TestAdaptiveTTLByDataType(t *testing.T) {
	ctx := context.Background()
	local := newMemTier("local")
	cc := newTestCache(t, local, nil, func(o *Options[user]) {
		o.DefaultTTL = time.Minute
	})
	defer cc.Close(ctx)

	if err := cc.Set(ctx, "report", user{ID: "1"}, WithDataType("analytics")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if local.lastTTL != 3*time.Minute {
		t.Fatalf("effective TTL = %v, want 3m for analytics", local.lastTTL)
	}

	if err := cc.Set(ctx, "stock", user{ID: "2"}, WithDataType("inventory")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if local.lastTTL != 30*time.Second {
		t.Fatalf("effective TTL = %v, want 30s for inventory", local.lastTTL)
	}
}

func TestTagInvalidationAcrossTiers(t *testing.T) {
	ctx := context.Background()
	local := newMemTier("local")
	remote := newMemTier("remote")
	cc := newTestCache(t, local, remote, nil)
	defer cc.Close(ctx)

	for _, k := range []string{"a", "b"} {
		if err := cc.Set(ctx, k, user{ID: k}, WithTags("team:x")); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	if err := cc.Set(ctx, "c", user{ID: "c"}, WithTags("team:y")); err != nil {
		t.Fatalf("Set(c): %v", err)
	}

	n, err := cc.InvalidateTag(ctx, "team:x")
	if err != nil {
		t.Fatalf("InvalidateTag: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed = %d, want 2", n)
	}
	for _, k := range []string{"a", "b"} {
		if _, ok := cc.Get(ctx, k); ok {
			t.Fatalf("Get(%s) should miss after tag invalidation", k)
		}
	}
	if _, ok := cc.Get(ctx, "c"); !ok {
		t.Fatal("untagged-for-x entry should survive")
	}
	if remote.len() == 0 {
		t.Fatal("remote tier should still hold the surviving entry")
	}
}

func TestPromotionOnSlowTierHit(t *testing.T) {
	ctx := context.Background()
	local := newMemTier("local")
	remote := newMemTier("remote")
	cc := newTestCache(t, local, remote, nil)
	defer cc.Close(ctx)

	want := user{ID: "7", Name: "Grace"}
	if err := cc.Set(ctx, "7", want, WithTags("vip")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// evict from L1 behind the coordinator's back
	if err := local.Delete(ctx, "u:7"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, ok := cc.Get(ctx, "7")
	if !ok || got != want {
		t.Fatalf("Get after L1 loss = (%+v, %v), want hit", got, ok)
	}
	if ok, _ := local.Contains(ctx, "u:7"); !ok {
		t.Fatal("hit was not promoted back into the local tier")
	}

	// the promoted copy must carry the tags forward
	if n, err := cc.InvalidateTag(ctx, "vip"); err != nil || n != 1 {
		t.Fatalf("InvalidateTag after promotion = (%d, %v), want (1, nil)", n, err)
	}
	if ok, _ := local.Contains(ctx, "u:7"); ok {
		t.Fatal("promoted copy survived tag invalidation")
	}
}

func TestRemoteDownDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	cc := newTestCache(t, newMemTier("local"), failTier{name: "remote"}, func(o *Options[user]) {
		o.Hooks = hooks
		o.BreakerThreshold = 1
	})
	defer cc.Close(ctx)

	want := user{ID: "9"}
	if err := cc.Set(ctx, "9", want); err != nil {
		t.Fatalf("Set with remote down: %v", err)
	}
	if got, ok := cc.Get(ctx, "9"); !ok || got != want {
		t.Fatalf("Get with remote down = (%+v, %v), want hit from local", got, ok)
	}

	st := cc.Stats()
	if len(st.Tiers) != 2 {
		t.Fatalf("tiers = %d, want 2", len(st.Tiers))
	}
	rt := st.Tiers[1]
	if rt.Name != "remote" {
		t.Fatalf("second tier = %q, want remote", rt.Name)
	}
	if rt.Errors == 0 {
		t.Fatal("remote errors not counted")
	}
	if rt.Healthy {
		t.Fatal("remote should be unhealthy after the breaker opened")
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if hooks.degraded == 0 {
		t.Fatal("degraded write not reported")
	}
	if hooks.tierErrs == 0 {
		t.Fatal("tier errors not reported")
	}
}

func TestSetFailsWhenAllTiersFail(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, failTier{name: "local"}, nil, nil)
	defer cc.Close(ctx)

	err := cc.Set(ctx, "k", user{ID: "1"})
	var terr *TierUnavailableError
	if !errors.As(err, &terr) {
		t.Fatalf("want *TierUnavailableError, got %v", err)
	}
	if terr.Tier != "all" {
		t.Fatalf("tier = %q, want all", terr.Tier)
	}
}

type badCodec struct{}

func (badCodec) Encode(user) ([]byte, error) { return nil, errors.New("boom") }
func (badCodec) Decode([]byte) (user, error) { return user{}, errors.New("boom") }

func TestSetEncodeFailure(t *testing.T) {
	ctx := context.Background()
	local := newMemTier("local")
	cc := newTestCache(t, local, nil, func(o *Options[user]) {
		o.Codec = badCodec{}
	})
	defer cc.Close(ctx)

	err := cc.Set(ctx, "k", user{ID: "1"})
	var serr *SerializationError
	if !errors.As(err, &serr) {
		t.Fatalf("want *SerializationError, got %v", err)
	}
	if local.len() != 0 {
		t.Fatal("failed encode must not touch any tier")
	}
}

func TestSelfHealCorruptEntry(t *testing.T) {
	ctx := context.Background()
	local := newMemTier("local")
	hooks := &recHooks{}
	cc := newTestCache(t, local, nil, func(o *Options[user]) {
		o.Hooks = hooks
	})
	defer cc.Close(ctx)

	local.inject("u:bad", []byte("not an envelope"), time.Minute)

	if _, ok := cc.Get(ctx, "bad"); ok {
		t.Fatal("corrupt entry served as a hit")
	}
	if _, ok := local.raw("u:bad"); ok {
		t.Fatal("corrupt entry not deleted")
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.selfHeals) != 1 || hooks.selfHeals[0] != "local:corrupt" {
		t.Fatalf("selfHeals = %v, want [local:corrupt]", hooks.selfHeals)
	}
}

func TestSelfHealChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	local := newMemTier("local")
	remote := newMemTier("remote")
	hooks := &recHooks{}
	cc := newTestCache(t, local, remote, func(o *Options[user]) {
		o.Hooks = hooks
	})
	defer cc.Close(ctx)

	if err := cc.Set(ctx, "k", user{ID: "1", Name: "x"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// flip the last payload byte in the shared tier, then force a read from it
	blob, ok := remote.raw("u:k")
	if !ok {
		t.Fatal("value missing from remote")
	}
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xFF
	remote.inject("u:k", tampered, time.Minute)
	if err := local.Delete(ctx, "u:k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := cc.Get(ctx, "k"); ok {
		t.Fatal("tampered entry served as a hit")
	}
	if _, ok := remote.raw("u:k"); ok {
		t.Fatal("tampered entry not deleted from remote")
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	found := false
	for _, s := range hooks.selfHeals {
		if s == "remote:checksum" {
			found = true
		}
	}
	if !found {
		t.Fatalf("selfHeals = %v, want remote:checksum", hooks.selfHeals)
	}
}

func TestHasDoesNotTouchStats(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemTier("local"), nil, nil)
	defer cc.Close(ctx)

	if err := cc.Set(ctx, "k", user{ID: "1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	for i := 0; i < 5; i++ {
		if !cc.Has(ctx, "k") {
			t.Fatal("Has = false for live entry")
		}
	}
	st := cc.Stats()
	if st.Hits != 0 || st.Misses != 0 {
		t.Fatalf("Has moved counters: hits=%d misses=%d", st.Hits, st.Misses)
	}
}

func TestStatsHitRate(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemTier("local"), nil, nil)
	defer cc.Close(ctx)

	if err := cc.Set(ctx, "k", user{ID: "1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cc.Get(ctx, "k")
	cc.Get(ctx, "k")
	cc.Get(ctx, "nope")

	st := cc.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 2/1", st.Hits, st.Misses)
	}
	if st.HitRate < 0.66 || st.HitRate > 0.67 {
		t.Fatalf("hit rate = %v, want ~0.667", st.HitRate)
	}
}

func TestCompressionRatioReported(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemTier("local"), nil, nil)
	defer cc.Close(ctx)

	big := user{ID: "1", Name: strings.Repeat("abcdefgh", 512)} // 4 KiB, compressible
	if err := cc.Set(ctx, "big", big); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok := cc.Get(ctx, "big"); !ok || got != big {
		t.Fatal("compressed round trip failed")
	}
	st := cc.Stats()
	if st.CompressionRatio <= 0 || st.CompressionRatio >= 1 {
		t.Fatalf("compression ratio = %v, want in (0, 1)", st.CompressionRatio)
	}
}

func TestTTLAndExpire(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemTier("local"), nil, nil)
	defer cc.Close(ctx)

	if err := cc.Set(ctx, "k", user{ID: "1"}, WithTTL(10*time.Minute)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if d := cc.TTL(ctx, "k"); d <= 9*time.Minute || d > 10*time.Minute {
		t.Fatalf("TTL = %v, want ~10m", d)
	}
	if !cc.Expire(ctx, "k", time.Hour) {
		t.Fatal("Expire = false for live entry")
	}
	if d := cc.TTL(ctx, "k"); d <= 59*time.Minute {
		t.Fatalf("TTL after Expire = %v, want ~1h", d)
	}
	if d := cc.TTL(ctx, "missing"); d != -1 {
		t.Fatalf("TTL(missing) = %v, want -1", d)
	}
	if cc.Expire(ctx, "missing", time.Hour) {
		t.Fatal("Expire(missing) = true")
	}
}

func TestGetOrCompute(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemTier("local"), nil, nil)
	defer cc.Close(ctx)

	calls := 0
	compute := func(context.Context) (user, error) {
		calls++
		return user{ID: "55"}, nil
	}

	v, err := cc.GetOrCompute(ctx, "55", compute)
	if err != nil || v.ID != "55" {
		t.Fatalf("GetOrCompute = (%+v, %v)", v, err)
	}
	if _, err := cc.GetOrCompute(ctx, "55", compute); err != nil {
		t.Fatalf("GetOrCompute (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("compute called %d times, want 1", calls)
	}

	wantErr := errors.New("db down")
	_, err = cc.GetOrCompute(ctx, "66", func(context.Context) (user, error) {
		return user{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("compute error not passed through: %v", err)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	local := newMemTier("local")
	remote := newMemTier("remote")
	cc := newTestCache(t, local, remote, nil)
	defer cc.Close(ctx)

	for _, k := range []string{"a", "b", "c"} {
		if err := cc.Set(ctx, k, user{ID: k}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := cc.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if local.len() != 0 || remote.len() != 0 {
		t.Fatalf("entries after Clear: local=%d remote=%d", local.len(), remote.len())
	}
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	local := newMemTier("local")
	cc := newTestCache(t, local, nil, func(o *Options[user]) {
		o.Disabled = true
	})
	defer cc.Close(ctx)

	if cc.Enabled() {
		t.Fatal("Enabled = true")
	}
	if err := cc.Set(ctx, "k", user{ID: "1"}); err != nil {
		t.Fatalf("Set on disabled cache: %v", err)
	}
	if local.len() != 0 {
		t.Fatal("disabled cache wrote to a tier")
	}
	if _, ok := cc.Get(ctx, "k"); ok {
		t.Fatal("disabled cache reported a hit")
	}
	if cc.Has(ctx, "k") {
		t.Fatal("disabled Has = true")
	}
	if d := cc.TTL(ctx, "k"); d != -1 {
		t.Fatalf("disabled TTL = %v", d)
	}
}

func TestCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, newMemTier("local"), nil, nil)
	if err := cc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cc.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
