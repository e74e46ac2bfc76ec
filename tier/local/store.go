// Package local implements the in-process L1 tier: a budgeted map of
// entries with lazy TTL expiry, a periodic sweep, a tag index for group
// invalidation, and score-based eviction under memory pressure.
package local

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/unkn0wn-root/tiercache/tier"
)

const (
	defaultHeadroom = 0.10
	defaultSweep    = time.Minute

	// Rough per-entry bookkeeping cost added to len(key)+len(value) when
	// charging an entry against the budget.
	entryOverhead = 120
)

// Config tunes the local store. MemoryBudgetBytes is required.
type Config struct {
	// MemoryBudgetBytes bounds the aggregate charged size of all entries.
	// Exceeding it on Set triggers eviction.
	MemoryBudgetBytes int64

	// HeadroomPct is the fraction of the budget freed beyond the bound when
	// eviction runs, so back-to-back writes do not thrash. 0 => 0.10.
	HeadroomPct float64

	// SweepInterval is how often expired entries are removed opportunistically.
	// 0 => one minute; negative disables the sweeper (expiry is still
	// enforced lazily on access).
	SweepInterval time.Duration

	// OnEvict, when set, is called for every entry removed under memory
	// pressure. It runs with the store lock held and must be cheap.
	OnEvict func(key string, size int64)
}

type entry struct {
	value       []byte
	tags        []string
	size        int64
	createdAt   time.Time
	lastAccess  time.Time
	expiresAt   time.Time
	accessCount uint64
	seq         uint64 // insertion order; eviction tie-break
}

// Store is a bounded in-process tier.Tier. All operations are synchronous;
// the critical section covers map bookkeeping only.
type Store struct {
	mu     sync.Mutex
	m      map[string]*entry
	tagIdx map[string]map[string]struct{}
	bytes  int64
	seq    uint64

	hits      uint64
	misses    uint64
	evictions uint64

	budget   int64
	headroom float64
	onEvict  func(string, int64)
	now      func() time.Time

	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ tier.Tier    = (*Store)(nil)
	_ tier.Scanner = (*Store)(nil)
)

func New(cfg Config) (*Store, error) {
	if cfg.MemoryBudgetBytes <= 0 {
		return nil, fmt.Errorf("local: memory budget must be positive, got %d", cfg.MemoryBudgetBytes)
	}
	if cfg.HeadroomPct < 0 || cfg.HeadroomPct >= 1 {
		return nil, fmt.Errorf("local: headroom must be in [0,1), got %v", cfg.HeadroomPct)
	}

	s := &Store{
		m:        make(map[string]*entry),
		tagIdx:   make(map[string]map[string]struct{}),
		budget:   cfg.MemoryBudgetBytes,
		headroom: cfg.HeadroomPct,
		onEvict:  cfg.OnEvict,
		now:      time.Now,
	}
	if s.headroom == 0 {
		s.headroom = defaultHeadroom
	}

	sweep := cfg.SweepInterval
	if sweep == 0 {
		sweep = defaultSweep
	}
	if sweep > 0 {
		s.ticker = time.NewTicker(sweep)
		s.stopCh = make(chan struct{})
		s.closeWg.Add(1)
		go s.sweepLoop()
	}
	return s, nil
}

func (s *Store) Name() string { return "local" }

// Get returns the stored blob and bumps the entry's access stats.
// The returned slice is the store's own buffer; callers must not mutate it.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[key]
	if !ok {
		s.misses++
		return nil, false, nil
	}
	if !e.expiresAt.After(now) {
		s.removeLocked(key, e) // lazy expiry
		s.misses++
		return nil, false, nil
	}
	e.lastAccess = now
	e.accessCount++
	s.hits++
	return e.value, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.m[key]; ok {
		// replacement discards old metadata entirely
		s.removeLocked(key, old)
	}
	if ttl <= 0 {
		return nil // already expired; nothing to store
	}

	s.seq++
	e := &entry{
		value:       value,
		tags:        tags,
		size:        int64(len(key)+len(value)) + entryOverhead,
		createdAt:   now,
		lastAccess:  now,
		expiresAt:   now.Add(ttl),
		accessCount: 0,
		seq:         s.seq,
	}
	s.m[key] = e
	s.bytes += e.size
	for _, t := range tags {
		set, ok := s.tagIdx[t]
		if !ok {
			set = make(map[string]struct{})
			s.tagIdx[t] = set
		}
		set[key] = struct{}{}
	}

	if s.bytes > s.budget {
		target := s.budget - int64(float64(s.budget)*s.headroom)
		s.evictLocked(target, now)
	}
	return nil
}

func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok {
		return false, nil
	}
	if !e.expiresAt.After(now) {
		s.removeLocked(key, e)
		return false, nil
	}
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[key]; ok {
		s.removeLocked(key, e)
	}
	return nil
}

func (s *Store) InvalidateTag(_ context.Context, tag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.tagIdx[tag]
	if !ok {
		return 0, nil
	}
	removed := 0
	for key := range set {
		if e, ok := s.m[key]; ok {
			s.removeLocked(key, e)
			removed++
		}
	}
	delete(s.tagIdx, tag)
	return removed, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || !e.expiresAt.After(now) {
		return -1, nil
	}
	return e.expiresAt.Sub(now), nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || !e.expiresAt.After(now) {
		return false, nil
	}
	if ttl <= 0 {
		s.removeLocked(key, e)
		return true, nil
	}
	e.expiresAt = now.Add(ttl)
	return true, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]*entry)
	s.tagIdx = make(map[string]map[string]struct{})
	s.bytes = 0
	return nil
}

// Scan enumerates keys with the given prefix. fn runs after the lock is
// released so it may call back into the store.
func (s *Store) Scan(_ context.Context, prefix string, fn func(key string) error) error {
	now := s.now()
	s.mu.Lock()
	keys := make([]string, 0, len(s.m))
	for k, e := range s.m {
		if strings.HasPrefix(k, prefix) && e.expiresAt.After(now) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Stats() tier.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tier.Stats{
		Entries:     int64(len(s.m)),
		BytesUsed:   s.bytes,
		BudgetBytes: s.budget,
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
	}
}

func (s *Store) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.closeWg.Wait()
		}
	})
	return nil
}

// removeLocked drops an entry and its tag-index references. Caller holds mu.
func (s *Store) removeLocked(key string, e *entry) {
	delete(s.m, key)
	s.bytes -= e.size
	for _, t := range e.tags {
		if set, ok := s.tagIdx[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.tagIdx, t)
			}
		}
	}
}

func (s *Store) sweepLoop() {
	defer s.closeWg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.removeExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) removeExpired() {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.m {
		if !e.expiresAt.After(now) {
			s.removeLocked(k, e)
		}
	}
	s.mu.Unlock()
}
