// Package cache stores backend responses in the shared state store keyed by
// service, endpoint, method and caller identity. Entries are immutable once
// stored; a fresh Put overwrites, nothing mutates in place. There is no
// coherency protocol beyond TTL expiry and explicit invalidation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "avauthgw/cache"

// keyPrefix namespaces cached responses in the state store.
const keyPrefix = "cache:response:"

// Common cache errors. Both are soft: callers treat them as a miss and
// proceed to the backend, never failing the request.
var (
	// ErrCacheMiss indicates the key is absent or expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheUnavailable indicates the backing store could not be reached.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

// Response is a cached backend response.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	StoredAt   time.Time   `json:"storedAt"`
	ExpiresAt  time.Time   `json:"expiresAt"`
}

// Cache stores responses in the shared state store.
type Cache struct {
	store  store.Store
	logger observability.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheOption is a functional option for the Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger.
func WithCacheLogger(logger observability.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a response cache over the given store.
func New(s store.Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:  s,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get retrieves a cached response. Absent and expired entries both report
// ErrCacheMiss; store outages report ErrCacheUnavailable.
func (c *Cache) Get(ctx context.Context, key string) (*Response, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	defer span.End()

	value, err := c.store.Get(ctx, keyPrefix+key)
	if err != nil {
		if store.IsKeyNotFound(err) {
			c.misses.Add(1)
			missesTotal.Inc()
			span.SetAttributes(attribute.Bool("cache.hit", false))
			return nil, ErrCacheMiss
		}

		c.logger.Warn("cache read failed",
			observability.String("key", key),
			observability.Error(err),
		)
		unavailableTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	var resp Response
	if err := json.Unmarshal(value, &resp); err != nil {
		// A corrupt entry is treated as a miss and removed.
		_ = c.store.Delete(ctx, keyPrefix+key)
		c.misses.Add(1)
		missesTotal.Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	// The store TTL is the primary eviction mechanism; the embedded expiry
	// guards against clock drift between replicas.
	if !resp.ExpiresAt.IsZero() && time.Now().After(resp.ExpiresAt) {
		c.misses.Add(1)
		missesTotal.Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	c.hits.Add(1)
	hitsTotal.Inc()
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return &resp, nil
}

// Put stores a response with absolute expiry now+ttl. A non-positive TTL
// stores nothing.
func (c *Cache) Put(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Put",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("cache.ttl", ttl.String()),
		),
	)
	defer span.End()

	now := time.Now()
	stored := *resp
	stored.StoredAt = now
	stored.ExpiresAt = now.Add(ttl)

	value, err := json.Marshal(&stored)
	if err != nil {
		return err
	}

	if err := c.store.Set(ctx, keyPrefix+key, value, ttl); err != nil {
		c.logger.Warn("cache write failed",
			observability.String("key", key),
			observability.Error(err),
		)
		unavailableTotal.Inc()
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	putsTotal.Inc()
	return nil
}

// ShouldCache reports whether the response is cacheable under the profile:
// GET only, success status, no cache-refusing directives, and within the
// profile's size limit. A zero-TTL profile caches nothing.
func (c *Cache) ShouldCache(method string, resp *Response, profile Profile) bool {
	if profile.TTL <= 0 {
		return false
	}
	if method != http.MethodGet {
		return false
	}
	if resp.StatusCode >= 400 {
		return false
	}

	cc := resp.Headers.Get("Cache-Control")
	if containsDirective(cc, "no-store") || containsDirective(cc, "no-cache") {
		return false
	}

	if profile.MaxSizeKB > 0 && len(resp.Body) > profile.MaxSizeKB*1024 {
		return false
	}

	return true
}

// Invalidate removes all cached responses whose key starts with the given
// pattern (a full key, a service, or service:endpoint) and returns how many
// entries were removed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Invalidate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.pattern", pattern)),
	)
	defer span.End()

	keys, err := c.store.Scan(ctx, keyPrefix+pattern)
	if err != nil {
		unavailableTotal.Inc()
		return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	removed := 0
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err == nil {
			removed++
		}
	}

	invalidationsTotal.Add(float64(removed))
	span.SetAttributes(attribute.Int("cache.removed", removed))

	c.logger.Debug("cache invalidated",
		observability.String("pattern", pattern),
		observability.Int("removed", removed),
	)

	return removed, nil
}

// ApplyCacheHeaders decorates an outgoing response with cache metadata:
// hit/miss indicator, Cache-Control, Expires and Vary.
func ApplyCacheHeaders(headers http.Header, profile Profile, isCached bool) {
	if isCached {
		headers.Set("X-Cache", "HIT")
	} else {
		headers.Set("X-Cache", "MISS")
	}

	if profile.TTL <= 0 {
		headers.Set("Cache-Control", "no-store")
		return
	}

	headers.Set("Cache-Control", "max-age="+strconv.Itoa(int(profile.TTL.Seconds())))
	headers.Set("Expires", time.Now().Add(profile.TTL).UTC().Format(http.TimeFormat))

	if profile.VaryByUser || profile.VaryByRole {
		headers.Set("Vary", "Authorization")
	}
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits   int64
	Misses int64
}

// HitRate returns the hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Stats returns hit and miss counts since the cache was created.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// containsDirective reports whether a Cache-Control header value contains
// the given directive.
func containsDirective(cc, directive string) bool {
	for _, part := range strings.Split(cc, ",") {
		if strings.EqualFold(strings.TrimSpace(part), directive) {
			return true
		}
	}
	return false
}
