package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketLimiter_Allow(t *testing.T) {
	// Arrange
	limiter := NewTokenBucketLimiter(0.001, 2, 0)
	ctx := context.Background()

	// Act
	first, _ := limiter.Allow(ctx, "user-1")
	second, _ := limiter.Allow(ctx, "user-1")
	third, _ := limiter.Allow(ctx, "user-1")
	other, _ := limiter.Allow(ctx, "user-2")

	// Assert
	assert.True(t, first)
	assert.True(t, second)
	assert.False(t, third, "burst exhausted")
	assert.True(t, other, "buckets are per key")
}

func TestTokenBucketLimiter_Reset(t *testing.T) {
	limiter := NewTokenBucketLimiter(0.001, 1, 0)
	ctx := context.Background()

	ok, _ := limiter.Allow(ctx, "user-1")
	require.True(t, ok)
	ok, _ = limiter.Allow(ctx, "user-1")
	require.False(t, ok)

	require.NoError(t, limiter.Reset(ctx, "user-1"))
	ok, _ = limiter.Allow(ctx, "user-1")
	assert.True(t, ok)
}

func TestTokenBucketLimiter_EvictsIdleBuckets(t *testing.T) {
	// Arrange
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewTokenBucketLimiter(1, 1, 0)
	limiter.idle = time.Minute
	limiter.clock = func() time.Time { return now }
	limiter.Allow(context.Background(), "user-1")

	// Act
	now = now.Add(2 * time.Minute)
	limiter.evictIdle()

	// Assert
	assert.Empty(t, limiter.buckets)
}
