package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCacheMemoryFallback(t *testing.T) {
	c := NewRedisCache(nil)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.False(t, stats.Redis)
}

func TestRedisCacheExpiry(t *testing.T) {
	c := NewRedisCache(nil)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCacheEviction(t *testing.T) {
	c := NewRedisCache(&CacheConfig{DefaultTTL: time.Minute, MaxMemoryItems: 10})
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, c.Set(ctx, string(rune('a'+i)), []byte("x"), 0))
	}
	assert.LessOrEqual(t, c.Stats().MemorySize, 10)
}

func TestDeletePattern(t *testing.T) {
	c := NewRedisCache(nil)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "imagecheck:a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "imagecheck:b", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "other", []byte("1"), 0))
	require.NoError(t, c.DeletePattern(ctx, "imagecheck:*"))

	assert.Equal(t, 1, c.Stats().MemorySize)
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"a:*", "a:b", true},
		{"a:*", "b:a", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"*", "anything", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.key), "%s vs %s", tt.pattern, tt.key)
	}
}

func TestImageCheckCache(t *testing.T) {
	c := NewRedisCache(nil)
	defer c.Close()
	ctx := context.Background()
	ic := NewImageCheckCache(c, 0)

	_, ok := ic.Lookup(ctx, "https://example.com/a.png")
	assert.False(t, ok)

	require.NoError(t, ic.Store(ctx, ImageCheck{URL: "https://example.com/a.png", StatusCode: 404}))
	got, ok := ic.Lookup(ctx, "https://example.com/a.png")
	require.True(t, ok)
	assert.False(t, got.Valid)
	assert.Equal(t, 404, got.StatusCode)
	assert.False(t, got.CheckedAt.IsZero())

	require.NoError(t, ic.Invalidate(ctx))
	_, ok = ic.Lookup(ctx, "https://example.com/a.png")
	assert.False(t, ok)
}
