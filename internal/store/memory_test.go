package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	err := s.Set(ctx, "key1", []byte("value1"), 0)
	require.NoError(t, err)

	value, err := s.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), value)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_Expiration(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	err := s.Set(ctx, "key1", []byte("value1"), 50*time.Millisecond)
	require.NoError(t, err)

	value, err := s.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), value)

	time.Sleep(80 * time.Millisecond)

	_, err = s.Get(ctx, "key1")
	assert.True(t, IsKeyNotFound(err), "expected expired key to be a miss")
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key1", []byte("value1"), 0))
	require.NoError(t, s.Delete(ctx, "key1"))

	_, err := s.Get(ctx, "key1")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_Exists(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	exists, err := s.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Set(ctx, "key1", []byte("value1"), 0))

	exists, err = s.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryStore_Increment(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	value, err := s.Increment(ctx, "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = s.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), value)
}

func TestMemoryStore_IncrementWithExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	value, err := s.IncrementWithExpiry(ctx, "counter", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = s.IncrementWithExpiry(ctx, "counter", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)

	time.Sleep(80 * time.Millisecond)

	// Counter restarts after expiry.
	value, err = s.IncrementWithExpiry(ctx, "counter", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)
}

func TestMemoryStore_IncrementConcurrent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	const goroutines = 20
	const perGoroutine = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, err := s.Increment(ctx, "counter", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	value, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, []byte("1000"), value)
}

func TestMemoryStore_IncrementNonNumeric(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key1", []byte("not a number"), 0))

	_, err := s.Increment(ctx, "key1", 1)
	assert.Error(t, err)
}

func TestMemoryStore_Scan(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "token:user:1:a", []byte("x"), 0))
	require.NoError(t, s.Set(ctx, "token:user:1:b", []byte("y"), 0))
	require.NoError(t, s.Set(ctx, "token:user:2:c", []byte("z"), 0))

	keys, err := s.Scan(ctx, "token:user:1:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"token:user:1:a", "token:user:1:b"}, keys)
}

func TestMemoryStore_ScanSkipsExpired(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k:a", []byte("x"), 30*time.Millisecond))
	require.NoError(t, s.Set(ctx, "k:b", []byte("y"), 0))

	time.Sleep(60 * time.Millisecond)

	keys, err := s.Scan(ctx, "k:")
	require.NoError(t, err)
	assert.Equal(t, []string{"k:b"}, keys)
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "key1")
	assert.ErrorIs(t, err, context.Canceled)

	err = s.Set(ctx, "key1", []byte("v"), 0)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Increment(ctx, "key1", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestMemoryStore_CleanupRemovesExpired(t *testing.T) {
	s := NewMemoryStoreWithCleanupInterval(20 * time.Millisecond)
	defer s.Close()

	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key1", []byte("v"), 10*time.Millisecond))
	require.Equal(t, 1, s.Size())

	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 0, s.Size())
}
