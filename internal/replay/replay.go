// Package replay remembers recently seen webhook deliveries so retries and
// replays are acknowledged without being processed twice. It is a best-effort
// filter; dial and appointment writes stay idempotent on their own.
package replay

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultCapacity is the number of delivery keys the in-process guard retains.
const DefaultCapacity = 1000

// Guard records delivery keys. FirstSeen returns true the first time a key is
// offered and false for every repeat while the key is retained. Forget releases
// a key so a delivery that failed to process is accepted when retried.
type Guard interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// LRUGuard is a bounded in-process Guard for single instance deployments.
type LRUGuard struct {
	cache *lru.Cache[string, struct{}]
}

func NewLRUGuard(capacity int) (*LRUGuard, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("create replay cache: %w", err)
	}
	return &LRUGuard{cache: cache}, nil
}

func (g *LRUGuard) FirstSeen(_ context.Context, key string) (bool, error) {
	found, _ := g.cache.ContainsOrAdd(key, struct{}{})
	return !found, nil
}

func (g *LRUGuard) Forget(_ context.Context, key string) error {
	g.cache.Remove(key)
	return nil
}

// RedisClient is the subset of *redis.Client used by RedisGuard.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard shares seen keys across instances using SET NX with a TTL.
type RedisGuard struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client RedisClient, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, prefix: "leadflow:webhook:", ttl: ttl}
}

func (g *RedisGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Forget(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// NewRedisClient builds a client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}
