package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// GoRedisAdapter wraps a go-redis client to implement RedisClient.
type GoRedisAdapter struct {
	client *redis.Client
}

// NewGoRedisClient connects to redisURL and pings it.
// URL format: redis://[:password@]host:port[/db], rediss:// for TLS.
func NewGoRedisClient(redisURL string) (*GoRedisAdapter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &GoRedisAdapter{client: client}, nil
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	val, err := a.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.client.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	return a.client.Keys(ctx, pattern).Result()
}

func (a *GoRedisAdapter) Close() error {
	return a.client.Close()
}

// NewFromURL returns a Redis-backed cache, or a memory-only cache when
// redisURL is empty. A connection failure is returned together with a usable
// memory-only cache so callers can log and continue.
func NewFromURL(redisURL string, config *CacheConfig) (*RedisCache, error) {
	if redisURL == "" {
		return NewRedisCache(config), nil
	}
	adapter, err := NewGoRedisClient(redisURL)
	if err != nil {
		return NewRedisCache(config), err
	}
	return NewRedisCacheWithClient(adapter, config), nil
}
