package tiercache

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/unkn0wn-root/tiercache/tier"
)

// guard wraps a non-local tier with a per-call deadline and a circuit
// breaker. A timeout counts as a tier failure, not a caller-visible error;
// after breakerThreshold consecutive failures the breaker opens and calls
// fail fast for the cool-down period, then a single probe is let through.
type guard struct {
	inner   tier.Tier
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

var _ tier.Tier = (*guard)(nil)

func newGuard(t tier.Tier, timeout time.Duration, threshold uint32, cooldown time.Duration, log Logger, hooks Hooks) *guard {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        t.Name(),
		MaxRequests: 1, // one probe in half-open
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// capability gaps are not outages
			return err == nil || errors.Is(err, tier.ErrNotSupported)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			hooks.BreakerStateChange(name, from.String(), to.String())
			log.Warn("tier breaker state change", Fields{
				"tier": name, "from": from.String(), "to": to.String(),
			})
		},
	})
	return &guard{inner: t, cb: cb, timeout: timeout}
}

// Healthy reports whether the breaker currently lets calls through.
func (g *guard) Healthy() bool { return g.cb.State() != gobreaker.StateOpen }

func (g *guard) exec(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := g.cb.Execute(func() (any, error) {
		cctx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return nil, fn(cctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, tier.ErrNotSupported) {
		return err
	}
	return &TierUnavailableError{Tier: g.inner.Name(), Op: op, Err: err}
}

func (g *guard) Name() string { return g.inner.Name() }

func (g *guard) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		b  []byte
		ok bool
	)
	err := g.exec(ctx, "get", func(ctx context.Context) error {
		var err error
		b, ok, err = g.inner.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return b, ok, nil
}

func (g *guard) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	return g.exec(ctx, "set", func(ctx context.Context) error {
		return g.inner.Set(ctx, key, value, ttl, tags)
	})
}

func (g *guard) Contains(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := g.exec(ctx, "contains", func(ctx context.Context) error {
		var err error
		ok, err = g.inner.Contains(ctx, key)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *guard) Delete(ctx context.Context, key string) error {
	return g.exec(ctx, "delete", func(ctx context.Context) error {
		return g.inner.Delete(ctx, key)
	})
}

func (g *guard) InvalidateTag(ctx context.Context, tag string) (int, error) {
	var n int
	err := g.exec(ctx, "invalidate_tag", func(ctx context.Context) error {
		var err error
		n, err = g.inner.InvalidateTag(ctx, tag)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (g *guard) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration = -1
	err := g.exec(ctx, "ttl", func(ctx context.Context) error {
		var err error
		d, err = g.inner.TTL(ctx, key)
		return err
	})
	if err != nil {
		return -1, err
	}
	return d, nil
}

func (g *guard) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := g.exec(ctx, "expire", func(ctx context.Context) error {
		var err error
		ok, err = g.inner.Expire(ctx, key, ttl)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *guard) Clear(ctx context.Context) error {
	return g.exec(ctx, "clear", func(ctx context.Context) error {
		return g.inner.Clear(ctx)
	})
}

func (g *guard) Stats() tier.Stats { return g.inner.Stats() }

func (g *guard) Close(ctx context.Context) error { return g.inner.Close(ctx) }
