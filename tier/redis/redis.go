// Package redis implements the shared L2 tier on top of go-redis.
//
// Values are plain string keys under an optional scope prefix. Tag indices
// are Redis sets under "<scope>tagidx:<tag>"; a tagged write pipelines the
// value SET, the SADD into each tag set, and an EXPIRE on the tag set so
// indices do not outlive their members by much.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/tiercache/tier"
)

var ErrNilClient = errors.New("redis tier: nil client")

const (
	defaultScope = "tc:"
	tagPrefix    = "tagidx:"
	scanBatch    = 256
)

type Store struct {
	rdb         goredis.UniversalClient
	scope       string
	closeClient bool
}

var (
	_ tier.Tier    = (*Store)(nil)
	_ tier.Scanner = (*Store)(nil)
)

type Config struct {
	Client goredis.UniversalClient

	// Scope prefixes every key this tier writes, so Clear and Scan can stay
	// inside the cache's keyspace on a shared backend. Empty => "tc:".
	Scope string

	// CloseClient should be true only when this tier exclusively owns the
	// client.
	CloseClient bool
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	scope := cfg.Scope
	if scope == "" {
		scope = defaultScope
	}
	return &Store{rdb: cfg.Client, scope: scope, closeClient: cfg.CloseClient}, nil
}

func (s *Store) Name() string { return "redis" }

func (s *Store) key(k string) string    { return s.scope + k }
func (s *Store) tagKey(t string) string { return s.scope + tagPrefix + t }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		return s.Delete(ctx, key) // already expired
	}
	k := s.key(key)
	if len(tags) == 0 {
		return s.rdb.Set(ctx, k, value, ttl).Err()
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, k, value, ttl)
	for _, t := range tags {
		tk := s.tagKey(t)
		pipe.SAdd(ctx, tk, k)
		// extend the index lifetime to cover the newest member
		pipe.Expire(ctx, tk, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

// InvalidateTag reads the tag's member set, deletes every member and the
// index itself. Expired members may already be gone; the count reflects keys
// actually removed.
func (s *Store) InvalidateTag(ctx context.Context, tag string) (int, error) {
	tk := s.tagKey(tag)
	members, err := s.rdb.SMembers(ctx, tk).Result()
	if err != nil && err != goredis.Nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, s.rdb.Del(ctx, tk).Err()
	}

	pipe := s.rdb.Pipeline()
	del := pipe.Del(ctx, members...) // members are stored fully scoped
	pipe.Del(ctx, tk)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(del.Val()), nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return -1, err
	}
	if d < 0 { // -2 absent, -1 no expiry; both map to "no remaining TTL"
		return -1, nil
	}
	return d, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		n, err := s.rdb.Del(ctx, s.key(key)).Result()
		return n > 0, err
	}
	return s.rdb.Expire(ctx, s.key(key), ttl).Result()
}

// Clear removes every key under this tier's scope using cursor-based SCAN,
// never KEYS, so large keyspaces do not block the backend.
func (s *Store) Clear(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.scope+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return s.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

// Scan enumerates data keys with the given prefix (tag indices are skipped).
func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string) error) error {
	iter := s.rdb.Scan(ctx, 0, s.scope+prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()[len(s.scope):]
		if len(k) >= len(tagPrefix) && k[:len(tagPrefix)] == tagPrefix {
			continue
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Stats: a shared backend cannot report per-cache usage cheaply, so only the
// zero snapshot is returned. Hit/miss accounting happens in the coordinator.
func (s *Store) Stats() tier.Stats { return tier.Stats{} }

// Close releases the underlying client only when this tier owns it.
// Safe to call multiple times.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
