package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avauthgw/internal/store"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()

	s := store.NewMemoryStore()
	l := NewLimiter(s)
	t.Cleanup(func() {
		_ = l.Close()
		_ = s.Close()
	})

	return l
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	profile := Profile{Requests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		result, err := l.Check(ctx, "client-1", profile)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3-i-1, result.Remaining)
	}

	// The (N+1)-th request inside the window is rejected.
	result, err := l.Check(ctx, "client-1", profile)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.False(t, result.Locked)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, result.RetryAfter, time.Minute)
}

func TestLimiter_IndependentKeys(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	profile := Profile{Requests: 1, Window: time.Minute}

	result, err := l.Check(ctx, "client-1", profile)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = l.Check(ctx, "client-1", profile)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// Another key is unaffected.
	result, err = l.Check(ctx, "client-2", profile)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiter_WindowReset(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	profile := Profile{Requests: 2, Window: time.Second}

	for i := 0; i < 2; i++ {
		result, err := l.Check(ctx, "client-1", profile)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	result, err := l.Check(ctx, "client-1", profile)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	time.Sleep(1100 * time.Millisecond)

	// A fresh window admits requests again.
	result, err = l.Check(ctx, "client-1", profile)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiter_LockoutAfterFailedAttempts(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	profile := Profile{
		Requests:           5,
		Window:             time.Minute,
		LockoutThreshold:   5,
		LockoutDuration:    15 * time.Minute,
		ProgressiveLockout: true,
	}

	// Five allowed attempts, all failing.
	for i := 0; i < 5; i++ {
		result, err := l.Check(ctx, "alice", profile)
		require.NoError(t, err)
		require.True(t, result.Allowed)
		require.NoError(t, l.Record(ctx, "alice", false, profile))
	}

	// The sixth attempt returns a lockout of roughly the base duration.
	result, err := l.Check(ctx, "alice", profile)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.Locked)
	assert.InDelta(t, (15 * time.Minute).Seconds(), result.RetryAfter.Seconds(), 5)
}

func TestLimiter_LockoutBlocksRegardlessOfWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	profile := Profile{
		Requests:         2,
		Window:           time.Second,
		LockoutThreshold: 2,
		LockoutDuration:  time.Minute,
	}

	for i := 0; i < 2; i++ {
		result, err := l.Check(ctx, "bob", profile)
		require.NoError(t, err)
		require.True(t, result.Allowed)
		require.NoError(t, l.Record(ctx, "bob", false, profile))
	}

	result, err := l.Check(ctx, "bob", profile)
	require.NoError(t, err)
	require.True(t, result.Locked)

	// Even after the window elapses the lockout still blocks.
	time.Sleep(1100 * time.Millisecond)

	result, err = l.Check(ctx, "bob", profile)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.Locked)
}

func TestLimiter_ProgressiveLockoutEscalates(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	profile := Profile{
		Requests:           3,
		Window:             time.Second,
		LockoutThreshold:   3,
		LockoutDuration:    10 * time.Minute,
		ProgressiveLockout: true,
	}

	failBatch := func() *Result {
		for i := 0; i < 3; i++ {
			result, err := l.Check(ctx, "mallory", profile)
			require.NoError(t, err)
			if !result.Allowed {
				return result
			}
			require.NoError(t, l.Record(ctx, "mallory", false, profile))
		}
		result, err := l.Check(ctx, "mallory", profile)
		require.NoError(t, err)
		return result
	}

	first := failBatch()
	require.True(t, first.Locked)
	firstLockout := first.RetryAfter

	// Clear the lockout but keep the accumulated consecutive failures, as a
	// window reset would.
	require.NoError(t, clearLockout(t, l, "mallory"))
	time.Sleep(1100 * time.Millisecond)

	second := failBatch()
	require.True(t, second.Locked)

	assert.Greater(t, second.RetryAfter, firstLockout,
		"carried-over consecutive failures must lengthen the lockout")
	assert.LessOrEqual(t, second.RetryAfter, 4*profile.LockoutDuration,
		"lockout must stay capped at 4x base")
}

// clearLockout erases only the lockout deadline, simulating its natural
// expiry without waiting.
func clearLockout(t *testing.T, l *Limiter, key string) error {
	t.Helper()

	ctx := context.Background()
	st, err := l.load(ctx, key)
	if err != nil {
		return err
	}
	st.LockoutUntil = time.Time{}
	return l.persist(ctx, key, st, Profile{}, time.Now())
}

func TestLimiter_SuccessClearsConsecutiveFailures(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	profile := Profile{
		Requests:           10,
		Window:             time.Minute,
		LockoutThreshold:   3,
		LockoutDuration:    time.Minute,
		ProgressiveLockout: true,
	}

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "carol", profile)
		require.NoError(t, err)
		require.NoError(t, l.Record(ctx, "carol", false, profile))
	}

	_, err := l.Check(ctx, "carol", profile)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, "carol", true, profile))

	st, err := l.load(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.SuccessfulCount)
	assert.Equal(t, 2, st.FailedCount)
}

func TestLimiter_RecordLockoutWithoutFurtherChecks(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	profile := Profile{
		Requests:         2,
		Window:           time.Minute,
		LockoutThreshold: 2,
		LockoutDuration:  time.Minute,
	}

	for i := 0; i < 2; i++ {
		result, err := l.Check(ctx, "dave", profile)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	// Outcomes arrive after the window is already exhausted; the second
	// failure must trip the lockout from Record alone.
	require.NoError(t, l.Record(ctx, "dave", false, profile))
	require.NoError(t, l.Record(ctx, "dave", false, profile))

	result, err := l.Check(ctx, "dave", profile)
	require.NoError(t, err)
	assert.True(t, result.Locked)
}

func TestLimiter_Reset(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	profile := Profile{Requests: 1, Window: time.Minute}

	result, err := l.Check(ctx, "eve", profile)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = l.Check(ctx, "eve", profile)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	require.NoError(t, l.Reset(ctx, "eve"))

	result, err = l.Check(ctx, "eve", profile)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

// downStore fails every operation.
type downStore struct {
	*store.MemoryStore
}

func (s *downStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("store down")
}

func TestLimiter_FailsOpenOnStoreOutage(t *testing.T) {
	mem := store.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })

	l := NewLimiter(&downStore{MemoryStore: mem})
	t.Cleanup(func() { _ = l.Close() })

	profile := Profile{Requests: 1, Window: time.Minute}

	// Every check is allowed while the store is down.
	for i := 0; i < 5; i++ {
		result, err := l.Check(context.Background(), "client-1", profile)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestLimiter_SweepEvictsIdleOnly(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	l := NewLimiter(s, WithIdleAfter(10*time.Millisecond))
	t.Cleanup(func() { _ = l.Close() })

	ctx := context.Background()
	profile := Profile{
		Requests:         1,
		Window:           time.Minute,
		LockoutThreshold: 1,
		LockoutDuration:  time.Hour,
	}

	// idle-key: plain state; locked-key: under active lockout.
	_, err := l.Check(ctx, "idle-key", profile)
	require.NoError(t, err)

	_, err = l.Check(ctx, "locked-key", profile)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, "locked-key", false, profile))

	time.Sleep(30 * time.Millisecond)
	l.sweep(ctx)

	_, err = s.Get(ctx, statePrefix+"idle-key")
	assert.True(t, store.IsKeyNotFound(err), "idle state should be swept")

	_, err = s.Get(ctx, statePrefix+"locked-key")
	assert.NoError(t, err, "locked state must never be swept")
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"valid", Profile{Requests: 10, Window: time.Minute}, false},
		{"zero requests", Profile{Requests: 0, Window: time.Minute}, true},
		{"sub-second window", Profile{Requests: 10, Window: time.Millisecond}, true},
		{"lockout without duration", Profile{Requests: 10, Window: time.Minute, LockoutThreshold: 3}, true},
		{
			"valid lockout",
			Profile{Requests: 10, Window: time.Minute, LockoutThreshold: 3, LockoutDuration: time.Minute},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
