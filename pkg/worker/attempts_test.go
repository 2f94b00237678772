package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisAttemptStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisAttemptStore(client, time.Minute)

	n, err := store.Get(ctx, "s", "g", "m1")
	require.NoError(t, err)
	assert.Zero(t, n, "absent counter reads as 0")

	n, err = store.Incr(ctx, "s", "g", "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.Incr(ctx, "s", "g", "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ttl := mr.TTL("retry:s:g:m1")
	assert.Greater(t, ttl, time.Duration(0), "TTL set on first increment")

	t.Run("counter expires", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)
		n, err := store.Get(ctx, "s", "g", "m1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete removes counter", func(t *testing.T) {
		_, err := store.Incr(ctx, "s", "g", "m2")
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, "s", "g", "m2"))
		n, err := store.Get(ctx, "s", "g", "m2")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
