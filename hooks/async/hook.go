// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/tiercache"
//	"github.com/unkn0wn-root/tiercache/hooks/async"
//	"github.com/unkn0wn-root/tiercache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    TierErrorEvery: 10, // sample logs: ~every 10th tier error
//	    SelfHealEvery:  1,  // log every self-heal
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := tiercache.New[User](tiercache.Options[User]{
//	    Namespace: "app:prod:user",
//	    Codec:     codec.JSON[User]{},
//	    Local:     local,
//	    Remote:    remote,
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/tiercache"
)

type Hooks struct {
	inner tiercache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(inner tiercache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) TierError(tier, op, key string, err error) {
	h.try(func() { h.inner.TierError(tier, op, key, err) })
}

func (h *Hooks) SelfHeal(tier, key, reason string) {
	h.try(func() { h.inner.SelfHeal(tier, key, reason) })
}

func (h *Hooks) WriteDegraded(key string, accepted, total int) {
	h.try(func() { h.inner.WriteDegraded(key, accepted, total) })
}

func (h *Hooks) BreakerStateChange(tier, from, to string) {
	h.try(func() { h.inner.BreakerStateChange(tier, from, to) })
}
