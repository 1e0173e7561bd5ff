package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindowLimiter(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewFixedWindowLimiter(srv.Addr(), "", "test:ratelimit", 2, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "send:1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "send:1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "send:2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFixedWindowLimiterNextWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewFixedWindowLimiter(srv.Addr(), "", "", 1, time.Second)
	require.NoError(t, err)
	now := time.UnixMilli(1_000_000)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := limiter.Allow(ctx, "send:1")
	assert.True(t, ok)
	ok, _ = limiter.Allow(ctx, "send:1")
	assert.False(t, ok)

	now = now.Add(time.Second)
	ok, err = limiter.Allow(ctx, "send:1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFixedWindowLimiterReportsRedisErrors(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewFixedWindowLimiter(srv.Addr(), "", "test:ratelimit", 1, time.Second)
	require.NoError(t, err)
	srv.Close()

	ok, err := limiter.Allow(context.Background(), "send:1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestFixedWindowLimiterRequiresAddr(t *testing.T) {
	limiter, err := NewFixedWindowLimiter("", "", "", 1, time.Second)
	assert.Error(t, err)
	assert.Nil(t, limiter)
}
