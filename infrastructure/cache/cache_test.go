package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/domain/core/aggregates"
	"mindmap-history/tests/fixtures"
)

func setupTestRedis(t *testing.T) (*RedisStateCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStateCache(rdb, zap.NewNop()), s
}

func sampleState(t *testing.T) *aggregates.GraphState {
	t.Helper()
	return fixtures.NewGraphBuilder().
		WithNode("root", "", "Ideas").
		WithNode("a", "root", "A").
		MustBuild()
}

func TestStateCaches(t *testing.T) {
	caches := []struct {
		name string
		new  func(t *testing.T) ports.StateCache
	}{
		{"memory", func(t *testing.T) ports.StateCache {
			c := NewInMemoryCache(0)
			t.Cleanup(func() { _ = c.Close() })
			return c
		}},
		{"redis", func(t *testing.T) ports.StateCache {
			c, _ := setupTestRedis(t)
			return c
		}},
	}

	for _, tc := range caches {
		t.Run(tc.name+"/round trip", func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			c := tc.new(t)
			state := sampleState(t)

			// Act
			require.NoError(t, c.Set(ctx, "history:doc-1:s0:e1", state, time.Minute))
			got, ok := c.Get(ctx, "history:doc-1:s0:e1")

			// Assert
			require.True(t, ok)
			assert.True(t, state.Equal(got))
		})

		t.Run(tc.name+"/miss", func(t *testing.T) {
			_, ok := tc.new(t).Get(context.Background(), "history:doc-1:missing")
			assert.False(t, ok)
		})

		t.Run(tc.name+"/invalidate prefix", func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			c := tc.new(t)
			state := sampleState(t)
			require.NoError(t, c.Set(ctx, "history:doc-1:s0:", state, time.Minute))
			require.NoError(t, c.Set(ctx, "history:doc-1:s0:e1", state, time.Minute))
			require.NoError(t, c.Set(ctx, "history:doc-10:s0:", state, time.Minute))

			// Act
			require.NoError(t, c.InvalidatePrefix(ctx, "history:doc-1:"))

			// Assert
			_, ok := c.Get(ctx, "history:doc-1:s0:")
			assert.False(t, ok)
			_, ok = c.Get(ctx, "history:doc-1:s0:e1")
			assert.False(t, ok)
			_, ok = c.Get(ctx, "history:doc-10:s0:")
			assert.True(t, ok, "another document sharing the textual prefix survives")
		})
	}
}

func TestInMemoryCache_ReturnsCopies(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c := NewInMemoryCache(0)
	state := sampleState(t)
	require.NoError(t, c.Set(ctx, "k", state, time.Minute))

	// Act
	first, _ := c.Get(ctx, "k")
	first.PutNode(fixtures.NewNodeBuilder().WithID("extra").WithParent("root").MustBuild())
	second, _ := c.Get(ctx, "k")

	// Assert
	assert.Equal(t, 2, second.NodeCount())
}

func TestInMemoryCache_Expiry(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c := NewInMemoryCache(0)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }
	require.NoError(t, c.Set(ctx, "k", sampleState(t), time.Minute))

	// Act
	now = now.Add(2 * time.Minute)
	_, ok := c.Get(ctx, "k")
	c.sweep()

	// Assert
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestRedisStateCache_TTL(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c, s := setupTestRedis(t)
	require.NoError(t, c.Set(ctx, "history:doc-1:s0:", sampleState(t), time.Minute))

	// Act
	s.FastForward(2 * time.Minute)
	_, ok := c.Get(ctx, "history:doc-1:s0:")

	// Assert
	assert.False(t, ok)
}

func TestRedisStateCache_DropsCorruptEntries(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c, s := setupTestRedis(t)
	require.NoError(t, s.Set("history:doc-1:s0:", "not json"))

	// Act
	_, ok := c.Get(ctx, "history:doc-1:s0:")

	// Assert
	assert.False(t, ok)
	assert.False(t, s.Exists("history:doc-1:s0:"))
}
