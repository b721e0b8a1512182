package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storeOperationsTotal counts state store operations by backend and status.
	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_store_operations_total",
			Help: "Total number of state store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// storeOperationDuration observes state store operation latency.
	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "state_store_operation_duration_seconds",
			Help:    "Duration of state store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"backend", "operation"},
	)

	// storeCircuitState shows the resilient wrapper circuit state per store.
	storeCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "state_store_circuit_state",
			Help: "State of the store protection circuit (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// storeFailOpenTotal counts operations answered by the fail-open path.
	storeFailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_store_fail_open_total",
			Help: "Total number of store operations that failed open",
		},
		[]string{"operation"},
	)
)

func observeRedisOp(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	storeOperationsTotal.WithLabelValues("redis", operation, status).Inc()
	storeOperationDuration.WithLabelValues("redis", operation).Observe(time.Since(start).Seconds())
}
