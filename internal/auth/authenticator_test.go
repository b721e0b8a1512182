package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avauthgw/internal/auth/identity"
	"github.com/vyrodovalexey/avauthgw/internal/ratelimit"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

const testPassword = "s3cret-passw0rd"

func newTestAuthenticator(t *testing.T, cfg *Config) (*Authenticator, *identity.MemoryStore) {
	t.Helper()

	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	limiter := ratelimit.NewLimiter(s)
	t.Cleanup(func() { _ = limiter.Close() })

	ids := identity.NewMemoryStore()
	require.NoError(t, ids.AddUser(identity.Principal{
		UserID:      "user-1",
		Username:    "alice",
		Roles:       []string{"editor"},
		Permissions: []string{"articles:read"},
	}, testPassword))

	a, err := NewAuthenticator(cfg, ids, limiter, s)
	require.NoError(t, err)

	return a, ids
}

// permissiveConfig disables the negative cache and raises the limits so
// individual behaviors can be tested in isolation.
func permissiveConfig() *Config {
	cfg := DefaultConfig()
	cfg.NegativeCacheTTL = 0
	cfg.IPRateLimit = &ratelimit.Profile{Requests: 1000, Window: time.Minute}
	cfg.UsernameRateLimit = &ratelimit.Profile{Requests: 1000, Window: time.Minute}
	return cfg
}

func TestAuthenticator_Success(t *testing.T) {
	a, _ := newTestAuthenticator(t, permissiveConfig())

	principal, err := a.Authenticate(context.Background(), "alice", testPassword, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.UserID)
	assert.Equal(t, []string{"editor"}, principal.Roles)
	assert.False(t, principal.MFAEnabled)
}

func TestAuthenticator_WrongPassword(t *testing.T) {
	a, _ := newTestAuthenticator(t, permissiveConfig())

	_, err := a.Authenticate(context.Background(), "alice", "wrong", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticator_UnknownUser(t *testing.T) {
	a, _ := newTestAuthenticator(t, permissiveConfig())

	_, err := a.Authenticate(context.Background(), "nobody", testPassword, "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticator_NegativeCacheShortCircuits(t *testing.T) {
	cfg := permissiveConfig()
	cfg.NegativeCacheTTL = 30 * time.Second
	a, _ := newTestAuthenticator(t, cfg)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "alice", "wrong", "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Even the correct password fails while the negative result is cached.
	_, err = a.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticator_NegativeCacheExpires(t *testing.T) {
	cfg := permissiveConfig()
	cfg.NegativeCacheTTL = 100 * time.Millisecond
	a, _ := newTestAuthenticator(t, cfg)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "alice", "wrong", "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	time.Sleep(150 * time.Millisecond)

	principal, err := a.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Username)
}

func TestAuthenticator_SuccessesAlwaysReverified(t *testing.T) {
	a, _ := newTestAuthenticator(t, permissiveConfig())
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.NoError(t, err)

	// A prior success never lets a wrong password through.
	_, err = a.Authenticate(ctx, "alice", "wrong", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticator_UsernameRateLimit(t *testing.T) {
	cfg := permissiveConfig()
	cfg.UsernameRateLimit = &ratelimit.Profile{Requests: 2, Window: time.Minute}
	a, _ := newTestAuthenticator(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.Authenticate(ctx, "alice", "wrong", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := a.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)

	var rl *ratelimit.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
}

func TestAuthenticator_LockoutAfterRepeatedFailures(t *testing.T) {
	cfg := permissiveConfig()
	cfg.UsernameRateLimit = &ratelimit.Profile{
		Requests:         3,
		Window:           time.Minute,
		LockoutThreshold: 3,
		LockoutDuration:  15 * time.Minute,
	}
	a, _ := newTestAuthenticator(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := a.Authenticate(ctx, "alice", "wrong", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := a.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.ErrorIs(t, err, ratelimit.ErrLocked)

	var locked *ratelimit.LockedError
	require.ErrorAs(t, err, &locked)
	assert.InDelta(t, (15 * time.Minute).Seconds(), locked.RetryAfter.Seconds(), 5)
}

func TestAuthenticator_IPRateLimitIndependentOfUsername(t *testing.T) {
	cfg := permissiveConfig()
	cfg.IPRateLimit = &ratelimit.Profile{Requests: 2, Window: time.Minute}
	a, _ := newTestAuthenticator(t, cfg)
	ctx := context.Background()

	// Different usernames, same IP.
	_, err := a.Authenticate(ctx, "alice", "wrong", "10.0.0.9")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Authenticate(ctx, "nobody", "wrong", "10.0.0.9")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Authenticate(ctx, "alice", testPassword, "10.0.0.9")
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)

	// A different IP is unaffected.
	principal, err := a.Authenticate(ctx, "alice", testPassword, "10.0.0.10")
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Username)
}

func TestAuthenticator_DimensionsCanBeDisabled(t *testing.T) {
	cfg := permissiveConfig()
	cfg.IPRateLimit = nil
	cfg.UsernameRateLimit = nil
	a, _ := newTestAuthenticator(t, cfg)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := a.Authenticate(ctx, "alice", "wrong", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	principal, err := a.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Username)
}

func TestAuthenticator_SuccessClearsFailureStreak(t *testing.T) {
	cfg := permissiveConfig()
	cfg.UsernameRateLimit = &ratelimit.Profile{
		Requests:           100,
		Window:             time.Minute,
		LockoutThreshold:   3,
		LockoutDuration:    time.Minute,
		ProgressiveLockout: true,
	}
	a, _ := newTestAuthenticator(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.Authenticate(ctx, "alice", "wrong", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := a.Authenticate(ctx, "alice", testPassword, "10.0.0.1")
	require.NoError(t, err)

	// Two more failures after a success stay below the lockout threshold.
	for i := 0; i < 2; i++ {
		_, err := a.Authenticate(ctx, "alice", "wrong", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestNewAuthenticator_Validation(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	limiter := ratelimit.NewLimiter(s)
	t.Cleanup(func() { _ = limiter.Close() })
	ids := identity.NewMemoryStore()

	_, err := NewAuthenticator(nil, nil, limiter, s)
	assert.Error(t, err)

	_, err = NewAuthenticator(nil, ids, nil, s)
	assert.Error(t, err)

	_, err = NewAuthenticator(nil, ids, limiter, nil)
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.UsernameRateLimit = &ratelimit.Profile{Requests: 0, Window: time.Minute}
	_, err = NewAuthenticator(bad, ids, limiter, s)
	assert.Error(t, err)

	a, err := NewAuthenticator(nil, ids, limiter, s)
	require.NoError(t, err)
	assert.NotNil(t, a)
}
