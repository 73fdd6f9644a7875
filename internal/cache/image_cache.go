package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// ImageCheck is a cached image URL verdict.
type ImageCheck struct {
	URL        string    `json:"url"`
	Valid      bool      `json:"valid"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// ImageCheckCache stores image URL verdicts.
type ImageCheckCache struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewImageCheckCache wraps c. A non-positive ttl uses the default.
func NewImageCheckCache(c *RedisCache, ttl time.Duration) *ImageCheckCache {
	if ttl <= 0 {
		ttl = DefaultCacheConfig().ImageCheckTTL
	}
	return &ImageCheckCache{cache: c, ttl: ttl}
}

// Lookup returns the cached verdict for url.
func (ic *ImageCheckCache) Lookup(ctx context.Context, url string) (ImageCheck, bool) {
	var check ImageCheck
	if err := ic.cache.GetJSON(ctx, ImageCheckKey(url), &check); err != nil {
		return ImageCheck{}, false
	}
	return check, true
}

// Store records a verdict.
func (ic *ImageCheckCache) Store(ctx context.Context, check ImageCheck) error {
	if check.CheckedAt.IsZero() {
		check.CheckedAt = time.Now()
	}
	return ic.cache.SetJSON(ctx, ImageCheckKey(check.URL), check, ic.ttl)
}

// Invalidate drops every cached verdict.
func (ic *ImageCheckCache) Invalidate(ctx context.Context) error {
	return ic.cache.DeletePattern(ctx, imageCheckPrefix+"*")
}

const imageCheckPrefix = "imagecheck:"

// ImageCheckKey returns the cache key for an image URL.
func ImageCheckKey(url string) string {
	sum := sha1.Sum([]byte(url))
	return imageCheckPrefix + hex.EncodeToString(sum[:])
}
