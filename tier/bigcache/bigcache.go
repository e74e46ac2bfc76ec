// Package bigcache adapts allegro/bigcache as an alternative L1 tier for
// workloads that prefer GC-free storage over per-entry control.
//
// Capability gaps are real and documented rather than papered over: BigCache
// has no per-entry TTL (everything lives for the configured LifeWindow), so
// Set ignores the requested TTL, TTL reports -1 and Expire returns
// tier.ErrNotSupported. The coordinator degrades gracefully around both.
package bigcache

import (
	"context"
	"errors"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/tiercache/tier"
)

type Store struct {
	c *bc.BigCache

	mu     sync.Mutex
	tagIdx map[string]map[string]struct{}
	byKey  map[string][]string
}

var _ tier.Tier = (*Store)(nil)

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

func New(cfg Config) (*Store, error) {
	if cfg.LifeWindow <= 0 {
		return nil, errors.New("bigcache tier: life window must be positive")
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &Store{
		c:      c,
		tagIdx: make(map[string]map[string]struct{}),
		byKey:  make(map[string][]string),
	}, nil
}

func (s *Store) Name() string { return "bigcache" }

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := s.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	return b, err == nil, err
}

// Set stores the value for the global LifeWindow; the per-entry ttl is
// ignored apart from the expired-on-arrival case.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		return s.Delete(context.Background(), key)
	}
	if err := s.c.Set(key, value); err != nil {
		return err
	}
	s.reindex(key, tags)
	return nil
}

func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	_, err := s.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := s.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		err = nil
	}
	s.reindex(key, nil)
	return err
}

func (s *Store) InvalidateTag(_ context.Context, tag string) (int, error) {
	s.mu.Lock()
	set := s.tagIdx[tag]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	delete(s.tagIdx, tag)
	s.mu.Unlock()

	removed := 0
	for _, k := range keys {
		if err := s.c.Delete(k); err == nil {
			removed++
		}
		s.reindex(k, nil)
	}
	return removed, nil
}

func (s *Store) TTL(context.Context, string) (time.Duration, error) {
	return -1, nil // no per-entry expiry to report
}

func (s *Store) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, tier.ErrNotSupported
}

func (s *Store) Clear(_ context.Context) error {
	if err := s.c.Reset(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tagIdx = make(map[string]map[string]struct{})
	s.byKey = make(map[string][]string)
	s.mu.Unlock()
	return nil
}

func (s *Store) Stats() tier.Stats {
	st := s.c.Stats()
	return tier.Stats{
		Entries:   int64(s.c.Len()),
		BytesUsed: int64(s.c.Capacity()),
		Hits:      uint64(st.Hits),
		Misses:    uint64(st.Misses),
	}
}

func (s *Store) Close(_ context.Context) error {
	return s.c.Close()
}

func (s *Store) reindex(key string, tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.byKey[key] {
		if set, ok := s.tagIdx[old]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.tagIdx, old)
			}
		}
	}
	if len(tags) == 0 {
		delete(s.byKey, key)
		return
	}
	s.byKey[key] = tags
	for _, t := range tags {
		set, ok := s.tagIdx[t]
		if !ok {
			set = make(map[string]struct{})
			s.tagIdx[t] = set
		}
		set[key] = struct{}{}
	}
}
