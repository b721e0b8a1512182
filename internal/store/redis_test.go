package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "test:", nil)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStore_SetGet(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key1", []byte("value1"), 0))

	value, err := s.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), value)
}

func TestRedisStore_GetMissing(t *testing.T) {
	s, _ := newTestRedisStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_Expiration(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key1", []byte("value1"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "key1")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key1", []byte("value1"), 0))
	require.NoError(t, s.Delete(ctx, "key1"))

	_, err := s.Get(ctx, "key1")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_Exists(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Set(ctx, "key1", []byte("value1"), 0))

	exists, err = s.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRedisStore_Increment(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	value, err := s.Increment(ctx, "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = s.Increment(ctx, "counter", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), value)
}

func TestRedisStore_IncrementWithExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	value, err := s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	// Expiration is only applied on first increment.
	ttl := mr.TTL("test:counter")
	assert.Greater(t, ttl, time.Duration(0))

	value, err = s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)

	mr.FastForward(2 * time.Minute)

	value, err = s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)
}

func TestRedisStore_Scan(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "token:user:1:a", []byte("x"), 0))
	require.NoError(t, s.Set(ctx, "token:user:1:b", []byte("y"), 0))
	require.NoError(t, s.Set(ctx, "token:user:2:c", []byte("z"), 0))

	keys, err := s.Scan(ctx, "token:user:1:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"token:user:1:a", "token:user:1:b"}, keys)
}

func TestRedisStore_ContextCancelled(t *testing.T) {
	s, _ := newTestRedisStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "key1")
	assert.ErrorIs(t, err, context.Canceled)

	err = s.Set(ctx, "key1", []byte("v"), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisStore_CloseIdempotent(t *testing.T) {
	s, _ := newTestRedisStore(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
