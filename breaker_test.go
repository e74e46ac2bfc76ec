package tiercache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/tiercache/tier"
)

// countingTier fails every call and counts how often the backend was
// actually reached, so tests can tell fast-fails from real calls.
type countingTier struct {
	failTier
	calls atomic.Int64
}

func (c *countingTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.calls.Add(1)
	return c.failTier.Get(ctx, key)
}

func TestGuardOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	inner := &countingTier{failTier: failTier{name: "remote"}}
	g := newGuard(inner, time.Second, 3, time.Minute, NopLogger{}, NopHooks{})

	if !g.Healthy() {
		t.Fatal("breaker should start closed")
	}
	for i := 0; i < 3; i++ {
		if _, _, err := g.Get(ctx, "k"); err == nil {
			t.Fatal("expected failure")
		}
	}
	if got := inner.calls.Load(); got != 3 {
		t.Fatalf("backend calls = %d, want 3", got)
	}
	if g.Healthy() {
		t.Fatal("breaker should be open after 3 consecutive failures")
	}

	// while open, calls fail fast without touching the backend
	if _, _, err := g.Get(ctx, "k"); err == nil {
		t.Fatal("expected fast-fail while open")
	}
	if got := inner.calls.Load(); got != 3 {
		t.Fatalf("open breaker reached the backend: calls = %d", got)
	}
}

func TestGuardWrapsErrors(t *testing.T) {
	ctx := context.Background()
	g := newGuard(failTier{name: "remote"}, time.Second, 5, time.Minute, NopLogger{}, NopHooks{})

	_, _, err := g.Get(ctx, "k")
	var terr *TierUnavailableError
	if !errors.As(err, &terr) {
		t.Fatalf("want *TierUnavailableError, got %v", err)
	}
	if terr.Tier != "remote" || terr.Op != "get" {
		t.Fatalf("tier/op = %s/%s", terr.Tier, terr.Op)
	}
	if !errors.Is(err, errBackendDown) {
		t.Fatal("underlying cause not wrapped")
	}
}

// notSupportedTier models a backend with a capability gap but no outage.
type notSupportedTier struct{ memTier }

func (n *notSupportedTier) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, tier.ErrNotSupported
}

func TestGuardIgnoresNotSupported(t *testing.T) {
	ctx := context.Background()
	inner := &notSupportedTier{}
	inner.name = "bigcache"
	inner.m = make(map[string]memEntry)
	inner.now = time.Now
	g := newGuard(inner, time.Second, 1, time.Minute, NopLogger{}, NopHooks{})

	// a capability gap passes through untouched and never trips the breaker
	for i := 0; i < 5; i++ {
		_, err := g.Expire(ctx, "k", time.Minute)
		if !errors.Is(err, tier.ErrNotSupported) {
			t.Fatalf("want ErrNotSupported, got %v", err)
		}
	}
	if !g.Healthy() {
		t.Fatal("ErrNotSupported must not open the breaker")
	}
}

func TestGuardAppliesDeadline(t *testing.T) {
	ctx := context.Background()
	slow := &slowTier{failTier{name: "remote"}}
	g := newGuard(slow, 20*time.Millisecond, 5, time.Minute, NopLogger{}, NopHooks{})

	start := time.Now()
	_, _, err := g.Get(ctx, "k")
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call took %v, deadline not applied", elapsed)
	}
}

// slowTier blocks until its context expires.
type slowTier struct {
	failTier
}

func (s *slowTier) Get(ctx context.Context, _ string) ([]byte, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}
