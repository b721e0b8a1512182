package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
)

// ResilientStore wraps a Store with a circuit breaker and per-operation
// timeout. When the backing store is down or the circuit is open, operations
// fail fast with ErrStoreUnavailable instead of wedging request handling,
// letting admission-path callers fail open.
type ResilientStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  observability.Logger
}

// ResilientConfig holds configuration for the resilient store wrapper.
type ResilientConfig struct {
	// Name identifies the wrapped store in logs and metrics.
	Name string

	// OperationTimeout bounds every store call.
	OperationTimeout time.Duration

	// FailureThreshold is the number of consecutive failures before the
	// protection circuit opens.
	FailureThreshold uint32

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	Logger observability.Logger
}

// DefaultResilientConfig returns a ResilientConfig with default values.
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		Name:             "state-store",
		OperationTimeout: 2 * time.Second,
		FailureThreshold: 5,
		RecoveryTimeout:  15 * time.Second,
	}
}

// NewResilientStore wraps the given store with circuit protection.
func NewResilientStore(inner Store, config *ResilientConfig) *ResilientStore {
	if config == nil {
		config = DefaultResilientConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	rs := &ResilientStore{
		inner:   inner,
		timeout: config.OperationTimeout,
		logger:  logger,
	}

	rs.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    config.Name,
		Timeout: config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("state store circuit changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			storeCircuitState.WithLabelValues(name).Set(circuitStateValue(to))
		},
	})

	return rs
}

// circuitStateValue maps gobreaker states onto the encoding shared with the
// circuitbreaker package gauge.
func circuitStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	default:
		return 2
	}
}

// execute runs fn through the breaker with the configured timeout, mapping
// breaker and store failures to ErrStoreUnavailable.
func (s *ResilientStore) execute(ctx context.Context, operation string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	opCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return fn(opCtx)
	})
	if err == nil {
		return result, nil
	}

	// Key misses are normal results, not infrastructure failures.
	if IsKeyNotFound(err) {
		return nil, err
	}

	if errors.Is(err, context.Canceled) {
		return nil, err
	}

	storeFailOpenTotal.WithLabelValues(operation).Inc()
	s.logger.Warn("state store operation unavailable",
		observability.String("operation", operation),
		observability.Error(err),
	)

	return nil, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, operation, err)
}

// getResult carries a Get outcome through the breaker so that ordinary key
// misses are not counted as store failures.
type getResult struct {
	value []byte
	miss  error
}

// Get implements Store.
func (s *ResilientStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.execute(ctx, "get", func(ctx context.Context) (interface{}, error) {
		value, err := s.inner.Get(ctx, key)
		if IsKeyNotFound(err) {
			return getResult{miss: err}, nil
		}
		if err != nil {
			return nil, err
		}
		return getResult{value: value}, nil
	})
	if err != nil {
		return nil, err
	}

	r := result.(getResult)
	if r.miss != nil {
		return nil, r.miss
	}
	return r.value, nil
}

// Set implements Store.
func (s *ResilientStore) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	_, err := s.execute(ctx, "set", func(ctx context.Context) (interface{}, error) {
		return nil, s.inner.Set(ctx, key, value, expiration)
	})
	return err
}

// Delete implements Store.
func (s *ResilientStore) Delete(ctx context.Context, key string) error {
	_, err := s.execute(ctx, "delete", func(ctx context.Context) (interface{}, error) {
		return nil, s.inner.Delete(ctx, key)
	})
	return err
}

// Exists implements Store.
func (s *ResilientStore) Exists(ctx context.Context, key string) (bool, error) {
	result, err := s.execute(ctx, "exists", func(ctx context.Context) (interface{}, error) {
		return s.inner.Exists(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Increment implements Store.
func (s *ResilientStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	result, err := s.execute(ctx, "increment", func(ctx context.Context) (interface{}, error) {
		return s.inner.Increment(ctx, key, delta)
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// IncrementWithExpiry implements Store.
func (s *ResilientStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	result, err := s.execute(ctx, "increment_with_expiry", func(ctx context.Context) (interface{}, error) {
		return s.inner.IncrementWithExpiry(ctx, key, delta, expiration)
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Scan implements Store.
func (s *ResilientStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	result, err := s.execute(ctx, "scan", func(ctx context.Context) (interface{}, error) {
		return s.inner.Scan(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// Close implements Store.
func (s *ResilientStore) Close() error {
	return s.inner.Close()
}
