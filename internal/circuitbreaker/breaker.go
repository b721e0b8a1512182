// Package circuitbreaker implements per-service circuit breaking over the
// shared state store. Each service gets an independent state machine with
// the transitions CLOSED -> OPEN -> HALF_OPEN -> CLOSED or back to OPEN.
package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// State represents the state of a circuit.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is probing whether the service
	// has recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a check is rejected by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError carries the time until the next half-open trial.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Service, e.RetryAfter.Round(time.Second))
}

// Is reports equivalence to ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// lockStripes is the number of mutex stripes guarding read-modify-write
// cycles on per-service state.
const lockStripes = 64

// statePrefix namespaces circuit records in the state store.
const statePrefix = "circuit:"

// halfOpenRetryHint is the retry-after returned while a half-open trial is
// already in flight.
const halfOpenRetryHint = time.Second

// circuitState is the persisted record for one service.
type circuitState struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failureCount"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
	RecoveryTime  time.Time `json:"recoveryTime,omitempty"`
	LastSeen      time.Time `json:"lastSeen"`

	// TrialInFlight marks a half-open trial whose outcome has not been
	// recorded yet.
	TrialInFlight  bool      `json:"trialInFlight,omitempty"`
	TrialStartedAt time.Time `json:"trialStartedAt,omitempty"`
}

// Breaker manages circuit state for all services through the state store.
type Breaker struct {
	store   store.Store
	logger  observability.Logger
	stripes [lockStripes]sync.Mutex

	// idleAfter is how long an untouched closed circuit survives before the
	// sweep removes it.
	idleAfter time.Duration

	sweepTicker *time.Ticker
	done        chan struct{}
	closeOnce   sync.Once
}

// BreakerOption is a functional option for the Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithIdleAfter overrides how long idle closed circuits are retained.
func WithIdleAfter(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.idleAfter = d
	}
}

// NewBreaker creates a circuit breaker over the given store and starts its
// background sweep.
func NewBreaker(s store.Store, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		store:       s,
		logger:      observability.NopLogger(),
		idleAfter:   time.Hour,
		sweepTicker: time.NewTicker(time.Minute),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	go b.sweepLoop()

	return b
}

// Check decides whether a call to the service may proceed. While open it
// rejects with the remaining recovery time; once the recovery timeout has
// elapsed the circuit moves to half-open and admits one trial at a time
// until the failure allowance reopens it. Store outages fail open.
func (b *Breaker) Check(ctx context.Context, serviceID string, profile Profile) error {
	unlock := b.lock(serviceID)
	defer unlock()

	now := time.Now()
	st, err := b.load(ctx, serviceID)
	if err != nil {
		checksTotal.WithLabelValues("fail_open").Inc()
		b.logger.Warn("circuit state unavailable, failing open",
			observability.String("service", serviceID),
			observability.Error(err),
		)
		return nil
	}

	var result error

	switch st.State {
	case StateClosed:
		// Allowed.

	case StateOpen:
		if now.Before(st.RecoveryTime) {
			result = &CircuitOpenError{Service: serviceID, RetryAfter: st.RecoveryTime.Sub(now)}
			break
		}
		// Recovery window elapsed, this check becomes the half-open trial.
		b.transition(st, serviceID, StateHalfOpen)
		st.FailureCount = 0
		st.TrialInFlight = true
		st.TrialStartedAt = now

	case StateHalfOpen:
		// One trial at a time. A trial whose outcome never arrived is
		// reclaimed after the recovery timeout so a lost caller cannot
		// wedge the circuit.
		if st.TrialInFlight && now.Sub(st.TrialStartedAt) < profile.RecoveryTimeout {
			result = &CircuitOpenError{Service: serviceID, RetryAfter: halfOpenRetryHint}
			break
		}
		st.TrialInFlight = true
		st.TrialStartedAt = now
	}

	st.LastSeen = now
	if err := b.persist(ctx, serviceID, st, now); err != nil {
		b.logger.Warn("failed to persist circuit state",
			observability.String("service", serviceID),
			observability.Error(err),
		)
	}

	if result != nil {
		checksTotal.WithLabelValues("rejected").Inc()
	} else {
		checksTotal.WithLabelValues("allowed").Inc()
	}

	return result
}

// RecordSuccess registers a successful call. A success during a half-open
// trial closes the circuit; in the closed state it clears the consecutive
// failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, serviceID string, profile Profile) error {
	unlock := b.lock(serviceID)
	defer unlock()

	now := time.Now()
	st, err := b.load(ctx, serviceID)
	if err != nil {
		b.logger.Warn("circuit state unavailable, success not recorded",
			observability.String("service", serviceID),
			observability.Error(err),
		)
		return nil
	}

	switch st.State {
	case StateHalfOpen:
		b.transition(st, serviceID, StateClosed)
		st.FailureCount = 0
		st.TrialInFlight = false
		st.TrialStartedAt = time.Time{}
	case StateClosed:
		st.FailureCount = 0
	}

	st.LastSeen = now
	return b.persist(ctx, serviceID, st, now)
}

// RecordFailure registers a failed call. Enough consecutive failures open a
// closed circuit; a failure past the half-open allowance reopens it with a
// fresh recovery window.
func (b *Breaker) RecordFailure(ctx context.Context, serviceID string, profile Profile) error {
	unlock := b.lock(serviceID)
	defer unlock()

	now := time.Now()
	st, err := b.load(ctx, serviceID)
	if err != nil {
		b.logger.Warn("circuit state unavailable, failure not recorded",
			observability.String("service", serviceID),
			observability.Error(err),
		)
		return nil
	}

	st.FailureCount++
	st.LastFailureAt = now

	switch st.State {
	case StateClosed:
		if st.FailureCount >= profile.FailureThreshold {
			b.transition(st, serviceID, StateOpen)
			st.RecoveryTime = now.Add(profile.RecoveryTimeout)
		}
	case StateHalfOpen:
		st.TrialInFlight = false
		st.TrialStartedAt = time.Time{}
		if st.FailureCount >= profile.MaxFailures {
			b.transition(st, serviceID, StateOpen)
			st.RecoveryTime = now.Add(profile.RecoveryTimeout)
		}
	}

	st.LastSeen = now
	return b.persist(ctx, serviceID, st, now)
}

// Status is a point-in-time snapshot of one circuit.
type Status struct {
	Service       string
	State         State
	FailureCount  int
	LastFailureAt time.Time
	RecoveryTime  time.Time
}

// Snapshot returns the current state of the service's circuit. A service
// with no recorded state reports closed.
func (b *Breaker) Snapshot(ctx context.Context, serviceID string) (*Status, error) {
	unlock := b.lock(serviceID)
	defer unlock()

	st, err := b.load(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	return &Status{
		Service:       serviceID,
		State:         st.State,
		FailureCount:  st.FailureCount,
		LastFailureAt: st.LastFailureAt,
		RecoveryTime:  st.RecoveryTime,
	}, nil
}

// Reset clears the circuit for the service back to closed.
func (b *Breaker) Reset(ctx context.Context, serviceID string) error {
	unlock := b.lock(serviceID)
	defer unlock()

	return b.store.Delete(ctx, statePrefix+serviceID)
}

// Close stops the background sweep.
func (b *Breaker) Close() error {
	b.closeOnce.Do(func() {
		b.sweepTicker.Stop()
		close(b.done)
	})
	return nil
}

func (b *Breaker) transition(st *circuitState, serviceID string, to State) {
	from := st.State
	st.State = to

	transitionsTotal.WithLabelValues(serviceID, to.String()).Inc()
	stateGauge.WithLabelValues(serviceID).Set(float64(to))

	b.logger.Info("circuit state changed",
		observability.String("service", serviceID),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)
}

func (b *Breaker) lock(serviceID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(serviceID))
	stripe := &b.stripes[h.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}

func (b *Breaker) load(ctx context.Context, serviceID string) (*circuitState, error) {
	value, err := b.store.Get(ctx, statePrefix+serviceID)
	if err != nil {
		if store.IsKeyNotFound(err) {
			return &circuitState{State: StateClosed}, nil
		}
		return nil, err
	}

	var st circuitState
	if err := json.Unmarshal(value, &st); err != nil {
		// Corrupt state is discarded rather than wedging the service forever.
		return &circuitState{State: StateClosed}, nil
	}
	return &st, nil
}

// persist writes the state back with a TTL covering both the idle retention
// period and any pending recovery window.
func (b *Breaker) persist(ctx context.Context, serviceID string, st *circuitState, now time.Time) error {
	ttl := b.idleAfter
	if st.State != StateClosed {
		if openTTL := st.RecoveryTime.Sub(now) + b.idleAfter; openTTL > ttl {
			ttl = openTTL
		}
	}

	value, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, statePrefix+serviceID, value, ttl)
}

// sweepLoop periodically evicts idle closed circuits. Open and half-open
// circuits are never evicted.
func (b *Breaker) sweepLoop() {
	for {
		select {
		case <-b.sweepTicker.C:
			b.sweep(context.Background())
		case <-b.done:
			return
		}
	}
}

func (b *Breaker) sweep(ctx context.Context) {
	keys, err := b.store.Scan(ctx, statePrefix)
	if err != nil {
		if !errors.Is(err, store.ErrStoreUnavailable) {
			b.logger.Warn("circuit sweep failed", observability.Error(err))
		}
		return
	}

	now := time.Now()
	removed := 0

	for _, fullKey := range keys {
		serviceID := strings.TrimPrefix(fullKey, statePrefix)

		unlock := b.lock(serviceID)
		st, err := b.load(ctx, serviceID)
		if err == nil && st.State == StateClosed && st.FailureCount == 0 &&
			now.Sub(st.LastSeen) >= b.idleAfter {
			if b.store.Delete(ctx, fullKey) == nil {
				removed++
			}
		}
		unlock()
	}

	if removed > 0 {
		b.logger.Debug("circuit sweep complete", observability.Int("removed", removed))
	}
}
