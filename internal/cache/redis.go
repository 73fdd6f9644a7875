// Package cache provides a Redis-backed cache with an in-memory fallback.
// It stores image URL check results so repeated validations across phases
// and sessions do not hit the network again.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// RedisCache provides a Redis-compatible caching layer.
// Falls back to the in-memory map when Redis is unavailable or errors.
type RedisCache struct {
	memCache map[string]*cacheEntry
	memMu    sync.RWMutex

	// nil when Redis is not configured
	redisClient RedisClient

	defaultTTL time.Duration
	maxMemSize int

	hits    int64
	misses  int64
	statsMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// RedisClient is the subset of Redis operations the cache needs.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

type cacheEntry struct {
	Value     []byte
	ExpiresAt time.Time
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	// Redis connection URL (redis://host:port/db)
	RedisURL string

	DefaultTTL     time.Duration
	MaxMemoryItems int

	// ImageCheckTTL bounds how long a URL verdict is trusted.
	ImageCheckTTL time.Duration

	CleanupInterval time.Duration
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		DefaultTTL:      10 * time.Minute,
		MaxMemoryItems:  10000,
		ImageCheckTTL:   time.Hour,
		CleanupInterval: time.Minute,
	}
}

// NewRedisCache creates a memory-only cache.
func NewRedisCache(config *CacheConfig) *RedisCache {
	return NewRedisCacheWithClient(nil, config)
}

// NewRedisCacheWithClient creates a cache backed by client. A nil client
// yields a memory-only cache.
func NewRedisCacheWithClient(client RedisClient, config *CacheConfig) *RedisCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	c := &RedisCache{
		memCache:    make(map[string]*cacheEntry),
		redisClient: client,
		defaultTTL:  config.DefaultTTL,
		maxMemSize:  config.MaxMemoryItems,
		stop:        make(chan struct{}),
	}
	if c.maxMemSize <= 0 {
		c.maxMemSize = DefaultCacheConfig().MaxMemoryItems
	}
	interval := config.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go c.cleanupLoop(interval)
	return c
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.redisClient != nil {
		if val, err := c.redisClient.Get(ctx, key); err == nil {
			c.record(true)
			return []byte(val), nil
		}
	}

	c.memMu.RLock()
	entry, ok := c.memCache[key]
	c.memMu.RUnlock()
	if !ok {
		c.record(false)
		return nil, ErrCacheMiss
	}
	if time.Now().After(entry.ExpiresAt) {
		c.memMu.Lock()
		delete(c.memCache, key)
		c.memMu.Unlock()
		c.record(false)
		return nil, ErrCacheMiss
	}
	c.record(true)
	return entry.Value, nil
}

// Set stores a value with ttl (0 uses the default TTL).
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.redisClient != nil {
		if err := c.redisClient.Set(ctx, key, string(value), ttl); err == nil {
			return nil
		}
		// Fall through to memory cache on Redis error
	}

	c.memMu.Lock()
	defer c.memMu.Unlock()
	if _, exists := c.memCache[key]; !exists && len(c.memCache) >= c.maxMemSize {
		c.evict()
	}
	c.memCache[key] = &cacheEntry{Value: value, ExpiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes a key from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if c.redisClient != nil {
		_ = c.redisClient.Del(ctx, key)
	}
	c.memMu.Lock()
	delete(c.memCache, key)
	c.memMu.Unlock()
	return nil
}

// DeletePattern removes all keys matching a trailing-wildcard pattern.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) error {
	if c.redisClient != nil {
		if keys, err := c.redisClient.Keys(ctx, pattern); err == nil && len(keys) > 0 {
			_ = c.redisClient.Del(ctx, keys...)
		}
	}
	c.memMu.Lock()
	defer c.memMu.Unlock()
	for key := range c.memCache {
		if matchPattern(pattern, key) {
			delete(c.memCache, key)
		}
	}
	return nil
}

// GetJSON retrieves and unmarshals a JSON value
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetJSON marshals and stores a JSON value
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRatio   float64 `json:"hit_ratio"`
	MemorySize int     `json:"memory_size"`
	Redis      bool    `json:"redis"`
}

// Stats returns cache statistics
func (c *RedisCache) Stats() CacheStats {
	c.statsMu.Lock()
	hits, misses := c.hits, c.misses
	c.statsMu.Unlock()

	c.memMu.RLock()
	size := len(c.memCache)
	c.memMu.RUnlock()

	ratio := 0.0
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return CacheStats{Hits: hits, Misses: misses, HitRatio: ratio, MemorySize: size, Redis: c.redisClient != nil}
}

// Close stops the cleanup loop and closes the Redis connection.
func (c *RedisCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.redisClient != nil {
		return c.redisClient.Close()
	}
	return nil
}

func (c *RedisCache) record(hit bool) {
	c.statsMu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.statsMu.Unlock()
}

// evict drops expired entries first, then arbitrary ones, until 10% of
// capacity is free. Caller holds memMu.
func (c *RedisCache) evict() {
	toEvict := c.maxMemSize / 10
	if toEvict < 1 {
		toEvict = 1
	}
	now := time.Now()
	evicted := 0
	for key, entry := range c.memCache {
		if evicted >= toEvict {
			return
		}
		if now.After(entry.ExpiresAt) {
			delete(c.memCache, key)
			evicted++
		}
	}
	for key := range c.memCache {
		if evicted >= toEvict {
			return
		}
		delete(c.memCache, key)
		evicted++
	}
}

func (c *RedisCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *RedisCache) cleanup() {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	now := time.Now()
	for key, entry := range c.memCache {
		if now.After(entry.ExpiresAt) {
			delete(c.memCache, key)
		}
	}
}

// matchPattern supports exact keys and a single trailing '*'.
func matchPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
