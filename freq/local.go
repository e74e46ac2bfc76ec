package freq

import (
	"context"
	"sync"
	"time"
)

type localCount struct {
	N         uint64
	UpdatedAt time.Time
}

// Local keeps access counts in-process (default).
// An optional cleanup loop prunes long-idle keys so the map stays bounded.
type Local struct {
	mu        sync.RWMutex
	counts    map[string]localCount
	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	retention time.Duration
}

var _ Tracker = (*Local)(nil)

func NewLocal(cleanupInterval, retention time.Duration) *Local {
	l := &Local{
		counts:    make(map[string]localCount),
		retention: retention,
	}
	if cleanupInterval > 0 && retention > 0 {
		l.ticker = time.NewTicker(cleanupInterval)
		l.stopCh = make(chan struct{})
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-l.ticker.C:
					l.Cleanup(retention)
				case <-l.stopCh:
					return
				}
			}
		}()
	}
	return l
}

func (l *Local) Record(_ context.Context, key string) (uint64, error) {
	now := time.Now()
	l.mu.Lock()
	c := l.counts[key]
	c.N++
	c.UpdatedAt = now
	l.counts[key] = c
	l.mu.Unlock()
	return c.N, nil
}

func (l *Local) Count(_ context.Context, key string) (uint64, error) {
	l.mu.RLock()
	c := l.counts[key] // zero value (0) if missing
	l.mu.RUnlock()
	return c.N, nil
}

func (l *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	l.mu.Lock()
	for k, c := range l.counts {
		if !c.UpdatedAt.IsZero() && c.UpdatedAt.Before(cutoff) {
			delete(l.counts, k)
		}
	}
	l.mu.Unlock()
}

func (l *Local) Close(_ context.Context) error {
	l.closeOnce.Do(func() {
		if l.stopCh != nil {
			close(l.stopCh)
			l.ticker.Stop() // stop ticker before waiting
			l.wg.Wait()
		}
	})
	return nil
}
