package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// lockStripes is the number of mutex stripes guarding read-modify-write
// cycles on per-key state. Locking is scoped to the key's stripe so
// independent keys do not contend.
const lockStripes = 64

// maxLockoutScale caps the progressive lockout multiplier.
const maxLockoutScale = 4

// statePrefix namespaces rate limit records in the state store.
const statePrefix = "ratelimit:"

// state is the persisted record for one (key, profile) pair.
type state struct {
	WindowStart         time.Time `json:"windowStart"`
	RequestCount        int       `json:"requestCount"`
	FailedCount         int       `json:"failedCount"`
	SuccessfulCount     int       `json:"successfulCount"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LockoutUntil        time.Time `json:"lockoutUntil,omitempty"`
	LastSeen            time.Time `json:"lastSeen"`
}

func (s *state) locked(now time.Time) bool {
	return !s.LockoutUntil.IsZero() && now.Before(s.LockoutUntil)
}

// Limiter implements fixed-window rate limiting with escalating lockout.
type Limiter struct {
	store   store.Store
	logger  observability.Logger
	stripes [lockStripes]sync.Mutex

	// idleAfter is how long untouched, unlocked state survives before the
	// sweep removes it.
	idleAfter time.Duration

	sweepTicker *time.Ticker
	done        chan struct{}
	closeOnce   sync.Once
}

// LimiterOption is a functional option for the Limiter.
type LimiterOption func(*Limiter)

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger observability.Logger) LimiterOption {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithIdleAfter overrides how long idle state is retained.
func WithIdleAfter(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		l.idleAfter = d
	}
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		l.sweepTicker.Reset(d)
	}
}

// NewLimiter creates a rate limiter over the given store and starts its
// background sweep.
func NewLimiter(s store.Store, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:       s,
		logger:      observability.NopLogger(),
		idleAfter:   time.Hour,
		sweepTicker: time.NewTicker(time.Minute),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.sweepLoop()

	return l
}

// Check decides whether a request identified by key may proceed under the
// given profile. Store outages fail open: the request is allowed and the
// outage is logged, trading strictness for availability.
func (l *Limiter) Check(ctx context.Context, key string, profile Profile) (*Result, error) {
	unlock := l.lock(key)
	defer unlock()

	now := time.Now()
	st, err := l.load(ctx, key)
	if err != nil {
		checksTotal.WithLabelValues("fail_open").Inc()
		l.logger.Warn("rate limit state unavailable, failing open",
			observability.String("key", key),
			observability.Error(err),
		)
		return &Result{Allowed: true, Remaining: profile.Requests}, nil
	}

	result := l.evaluate(st, profile, now)
	if result.Allowed {
		st.RequestCount++
	}
	st.LastSeen = now

	if err := l.persist(ctx, key, st, profile, now); err != nil {
		l.logger.Warn("failed to persist rate limit state",
			observability.String("key", key),
			observability.Error(err),
		)
	}

	if result.Allowed {
		checksTotal.WithLabelValues("allowed").Inc()
	} else if result.Locked {
		checksTotal.WithLabelValues("locked").Inc()
	} else {
		checksTotal.WithLabelValues("rejected").Inc()
	}

	return result, nil
}

// evaluate applies the window and lockout rules to the loaded state,
// mutating window counters as needed. It does not increment the request
// count; the caller does that only for allowed requests.
func (l *Limiter) evaluate(st *state, profile Profile, now time.Time) *Result {
	// An active lockout blocks all traffic regardless of window state.
	if st.locked(now) {
		return &Result{Locked: true, RetryAfter: st.LockoutUntil.Sub(now)}
	}

	l.rollWindow(st, profile, now)

	if st.RequestCount >= profile.Requests {
		if l.shouldLockout(st, profile) {
			l.applyLockout(st, profile, now)
			lockoutsTotal.Inc()
			return &Result{Locked: true, RetryAfter: st.LockoutUntil.Sub(now)}
		}

		retryAfter := st.WindowStart.Add(profile.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &Result{RetryAfter: retryAfter}
	}

	return &Result{Allowed: true, Remaining: profile.Requests - st.RequestCount - 1}
}

// rollWindow resets window-scoped counters when the window has elapsed.
// ConsecutiveFailures deliberately survives the reset: it only clears on a
// recorded success, so failures keep accumulating toward lockout across
// windows.
func (l *Limiter) rollWindow(st *state, profile Profile, now time.Time) {
	if st.WindowStart.IsZero() {
		st.WindowStart = now
		return
	}
	if now.Sub(st.WindowStart) >= profile.Window {
		st.WindowStart = now
		st.RequestCount = 0
		st.FailedCount = 0
		st.SuccessfulCount = 0
	}
}

func (l *Limiter) shouldLockout(st *state, profile Profile) bool {
	return profile.LockoutThreshold > 0 && st.FailedCount >= profile.LockoutThreshold
}

// applyLockout sets the lockout deadline. With progressive lockout the base
// duration is multiplied by how many threshold-multiples of consecutive
// failures have accumulated, capped at maxLockoutScale.
func (l *Limiter) applyLockout(st *state, profile Profile, now time.Time) {
	scale := 1
	if profile.ProgressiveLockout && profile.LockoutThreshold > 0 {
		scale = st.ConsecutiveFailures / profile.LockoutThreshold
		if scale < 1 {
			scale = 1
		}
		if scale > maxLockoutScale {
			scale = maxLockoutScale
		}
	}

	st.LockoutUntil = now.Add(time.Duration(scale) * profile.LockoutDuration)

	l.logger.Warn("lockout applied",
		observability.Int("consecutiveFailures", st.ConsecutiveFailures),
		observability.Int("scale", scale),
		observability.Time("until", st.LockoutUntil),
	)
}

// Record registers the outcome of an attempt that was previously allowed.
// A success clears the consecutive failure counter; a failure accumulates
// toward lockout, re-evaluated under the same rule Check applies.
func (l *Limiter) Record(ctx context.Context, key string, success bool, profile Profile) error {
	unlock := l.lock(key)
	defer unlock()

	now := time.Now()
	st, err := l.load(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit state unavailable, outcome not recorded",
			observability.String("key", key),
			observability.Error(err),
		)
		return nil
	}

	l.rollWindow(st, profile, now)

	if success {
		st.SuccessfulCount++
		st.ConsecutiveFailures = 0
	} else {
		st.FailedCount++
		st.ConsecutiveFailures++

		if st.RequestCount >= profile.Requests && l.shouldLockout(st, profile) && !st.locked(now) {
			l.applyLockout(st, profile, now)
			lockoutsTotal.Inc()
		}
	}
	st.LastSeen = now

	return l.persist(ctx, key, st, profile, now)
}

// Reset clears all state for the key. Used by tests and admin tooling.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	unlock := l.lock(key)
	defer unlock()

	return l.store.Delete(ctx, statePrefix+key)
}

// Close stops the background sweep.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		l.sweepTicker.Stop()
		close(l.done)
	})
	return nil
}

func (l *Limiter) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	stripe := &l.stripes[h.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}

func (l *Limiter) load(ctx context.Context, key string) (*state, error) {
	value, err := l.store.Get(ctx, statePrefix+key)
	if err != nil {
		if store.IsKeyNotFound(err) {
			return &state{}, nil
		}
		return nil, err
	}

	var st state
	if err := json.Unmarshal(value, &st); err != nil {
		// Corrupt state is discarded rather than wedging the key forever.
		return &state{}, nil
	}
	return &st, nil
}

// persist writes the state back with a TTL that outlives both the idle
// retention period and any active lockout, so the store itself acts as a
// backstop for eviction.
func (l *Limiter) persist(ctx context.Context, key string, st *state, profile Profile, now time.Time) error {
	ttl := l.idleAfter
	if st.locked(now) {
		if lockTTL := st.LockoutUntil.Sub(now) + profile.Window; lockTTL > ttl {
			ttl = lockTTL
		}
	}

	value, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, statePrefix+key, value, ttl)
}

// sweepLoop periodically evicts idle state. Entries under active lockout or
// with accumulated consecutive failures are never evicted mid-flight.
func (l *Limiter) sweepLoop() {
	for {
		select {
		case <-l.sweepTicker.C:
			l.sweep(context.Background())
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) sweep(ctx context.Context) {
	keys, err := l.store.Scan(ctx, statePrefix)
	if err != nil {
		if !errors.Is(err, store.ErrStoreUnavailable) {
			l.logger.Warn("rate limit sweep failed", observability.Error(err))
		}
		return
	}

	now := time.Now()
	removed := 0

	for _, fullKey := range keys {
		key := strings.TrimPrefix(fullKey, statePrefix)

		unlock := l.lock(key)
		st, err := l.load(ctx, key)
		if err == nil && !st.locked(now) && st.ConsecutiveFailures == 0 &&
			now.Sub(st.LastSeen) >= l.idleAfter {
			if l.store.Delete(ctx, fullKey) == nil {
				removed++
			}
		}
		unlock()
	}

	if removed > 0 {
		l.logger.Debug("rate limit sweep complete", observability.Int("removed", removed))
	}
}
