// Package ristretto adapts dgraph-io/ristretto as an alternative L1 tier.
// Ristretto brings TinyLFU admission and its own cost-based eviction, which
// replaces the default local store's scored eviction. Tag membership is kept
// in a side index because ristretto itself has no tag concept; index entries
// for keys ristretto evicted on its own are tolerated and skipped.
package ristretto

import (
	"context"
	"errors"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/tiercache/tier"
)

type Store struct {
	c *rc.Cache

	mu     sync.Mutex
	tagIdx map[string]map[string]struct{}
	byKey  map[string][]string
}

var _ tier.Tier = (*Store)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto tier: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		c:      c,
		tagIdx: make(map[string]map[string]struct{}),
		byKey:  make(map[string][]string),
	}, nil
}

func (s *Store) Name() string { return "ristretto" }

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		s.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		return s.Delete(context.Background(), key)
	}
	s.c.SetWithTTL(key, value, int64(len(key)+len(value)), ttl)
	s.reindex(key, tags)
	return nil
}

// Contains uses GetTTL so presence checks do not feed the admission policy.
func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	_, ok := s.c.GetTTL(key)
	return ok, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.c.Del(key)
	s.reindex(key, nil)
	return nil
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
		if _, ok := s.c.GetTTL(k); ok {
			removed++
		}
		s.c.Del(k)
		s.reindex(k, nil)
	}
	return removed, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	d, ok := s.c.GetTTL(key)
	if !ok {
		return -1, nil
	}
	return d, nil
}

// Expire re-stores the value with a fresh TTL; ristretto has no TTL update.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		_ = s.Delete(context.Background(), key)
		return true, nil
	}
	v, ok := s.c.Get(key)
	if !ok {
		return false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		return false, nil
	}
	s.c.SetWithTTL(key, b, int64(len(key)+len(b)), ttl)
	return true, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.c.Clear()
	s.mu.Lock()
	s.tagIdx = make(map[string]map[string]struct{})
	s.byKey = make(map[string][]string)
	s.mu.Unlock()
	return nil
}

func (s *Store) Stats() tier.Stats {
	st := tier.Stats{}
	if m := s.c.Metrics; m != nil {
		st.Hits = m.Hits()
		st.Misses = m.Misses()
		st.Evictions = m.KeysEvicted()
		st.BytesUsed = int64(m.CostAdded() - m.CostEvicted())
	}
	return st
}

func (s *Store) Close(_ context.Context) error {
	s.c.Wait()
	s.c.Close()
	return nil
}

// reindex replaces key's tag memberships; nil tags removes it everywhere.
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
