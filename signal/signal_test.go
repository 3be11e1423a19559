package signal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropscan/dropscan/signal"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()

	t.Run("set then get", func(t *testing.T) {
		cache := signal.NewMemory()

		require.NoError(t, cache.Set(ctx, "k", "completed", time.Minute))

		value, ok, err := cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "completed", value)
	})

	t.Run("missing key", func(t *testing.T) {
		cache := signal.NewMemory()

		_, ok, err := cache.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired entry", func(t *testing.T) {
		cache := signal.NewMemory()

		require.NoError(t, cache.Set(ctx, "k", "completed", time.Millisecond))
		time.Sleep(5 * time.Millisecond)

		_, ok, err := cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("overwrite refreshes value", func(t *testing.T) {
		cache := signal.NewMemory()

		require.NoError(t, cache.Set(ctx, "k", "processing", time.Minute))
		require.NoError(t, cache.Set(ctx, "k", "failed", time.Minute))

		value, ok, err := cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "failed", value)
	})
}
