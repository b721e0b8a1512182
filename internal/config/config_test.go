package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfig_ProfileFallback(t *testing.T) {
	cfg := DefaultConfig()

	// Named profile resolves directly.
	login := cfg.RateLimitProfile("login_user")
	assert.Equal(t, 5, login.Requests)
	assert.True(t, login.ProgressiveLockout)

	// Unknown names fall back to the configured default.
	unknown := cfg.RateLimitProfile("no-such-profile")
	assert.Equal(t, 100, unknown.Requests)
	assert.Equal(t, time.Minute, unknown.Window)

	cb := cfg.CircuitBreakerProfile("no-such-profile")
	assert.Equal(t, 5, cb.FailureThreshold)

	cacheProfile := cfg.CacheProfile("no-such-profile")
	assert.Equal(t, time.Minute, cacheProfile.TTL)
}

func TestConfig_ProfileFallbackToBuiltin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiles.RateLimit = nil
	cfg.Profiles.CircuitBreaker = nil
	cfg.Profiles.Cache = nil

	assert.Equal(t, 100, cfg.RateLimitProfile("anything").Requests)
	assert.Equal(t, 5, cfg.CircuitBreakerProfile("anything").FailureThreshold)
	assert.Equal(t, time.Minute, cfg.CacheProfile("anything").TTL)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }},
		{"unknown store type", func(c *Config) { c.Store.Type = "etcd" }},
		{"redis without addr", func(c *Config) {
			c.Store.Type = StoreTypeRedis
			c.Store.Redis.Addr = ""
		}},
		{"zero access ttl", func(c *Config) { c.Token.AccessTokenTTL = 0 }},
		{"refresh shorter than access", func(c *Config) {
			c.Token.RefreshTokenTTL = c.Token.AccessTokenTTL / 2
		}},
		{"broken rate limit profile", func(c *Config) {
			c.Profiles.RateLimit["broken"] = RateLimitProfile{Requests: 0, Window: Duration(time.Minute)}
		}},
		{"broken circuit profile", func(c *Config) {
			c.Profiles.CircuitBreaker["broken"] = CircuitBreakerProfile{}
		}},
		{"auth references missing profile", func(c *Config) {
			c.Auth.UsernameProfile = "missing"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_RedisStoreValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = StoreTypeRedis
	assert.NoError(t, cfg.Validate())
}

const testYAML = `
server:
  addr: ":9999"
store:
  type: redis
  redis:
    addr: "redis.internal:6379"
    db: 2
token:
  issuer: "gw-test"
  accessTokenTTL: "10m"
  refreshTokenTTL: "48h"
  revocationFailClosed: true
auth:
  negativeCacheTTL: "10s"
  usernameProfile: "strict"
profiles:
  rateLimit:
    strict:
      requests: 3
      window: "30s"
      lockoutThreshold: 3
      lockoutDuration: "5m"
      progressiveLockout: true
  cache:
    reports:
      ttl: "5m"
      maxSizeKB: 1024
      varyByRole: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, StoreTypeRedis, cfg.Store.Type)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 2, cfg.Store.Redis.DB)
	assert.Equal(t, "gw-test", cfg.Token.Issuer)
	assert.Equal(t, 10*time.Minute, cfg.Token.AccessTokenTTL.Duration())
	assert.True(t, cfg.Token.RevocationFailClosed)
	assert.Equal(t, 10*time.Second, cfg.Auth.NegativeCacheTTL.Duration())

	strict := cfg.RateLimitProfile("strict")
	assert.Equal(t, 3, strict.Requests)
	assert.Equal(t, 30*time.Second, strict.Window)
	assert.Equal(t, 5*time.Minute, strict.LockoutDuration)

	reports := cfg.CacheProfile("reports")
	assert.Equal(t, 5*time.Minute, reports.TTL)
	assert.True(t, reports.VaryByRole)

	// Unset values keep their defaults.
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
	assert.Equal(t, "avauthgw", cfg.Auth.TOTPIssuer)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(t.TempDir())
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "not: [valid"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "store:\n  type: etcd\n"))
	assert.Error(t, err)
}

func TestSigningKey(t *testing.T) {
	t.Setenv(signingKeyEnv, "")
	_, err := SigningKey()
	assert.Error(t, err)

	t.Setenv(signingKeyEnv, "0123456789abcdef0123456789abcdef")
	key, err := SigningKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestDuration_YAML(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
