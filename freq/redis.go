package freq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares access counts across processes so adaptive TTLs agree between
// replicas. Counter keys carry an optional TTL; an expired counter simply
// restarts from zero, which only shortens the next computed TTL.
type Redis struct {
	rdb redis.UniversalClient
	ns  string        // logical namespace; should match the cache's Namespace
	ttl time.Duration // idle expiry for counter keys; 0 disables
}

var _ Tracker = (*Redis)(nil)

// NewRedis creates a Redis-backed tracker. If ttl > 0 each counter expires
// after that much idle time.
func NewRedis(client redis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	return &Redis{rdb: client, ns: namespace, ttl: ttl}
}

func (r *Redis) key(k string) string { return "freq:" + r.ns + ":" + k }

func (r *Redis) Record(ctx context.Context, key string) (uint64, error) {
	k := r.key(key)
	if r.ttl <= 0 {
		n, err := r.rdb.Incr(ctx, k).Result()
		if err != nil {
			return 0, err
		}
		return uint64(n), nil
	}
	pipe := r.rdb.Pipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

func (r *Redis) Count(ctx context.Context, key string) (uint64, error) {
	res, err := r.rdb.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("freq: counter parse: %w", err)
	}
	return n, nil
}

// Cleanup is a no-op; Redis expires idle counters itself.
func (r *Redis) Cleanup(time.Duration) {}

// Close is a no-op; the tracker never owns the client.
func (r *Redis) Close(context.Context) error { return nil }
