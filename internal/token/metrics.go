package token

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tokenOperationsTotal counts token lifecycle operations.
	tokenOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_operations_total",
			Help: "Total number of token lifecycle operations",
		},
		[]string{"operation", "status"},
	)

	// tokenOperationDuration observes token operation latency.
	tokenOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "token_operation_duration_seconds",
			Help:    "Duration of token lifecycle operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"operation"},
	)

	// reuseDetectedTotal counts detected refresh token reuse events.
	reuseDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "token_refresh_reuse_detected_total",
			Help: "Total number of detected refresh token reuse events",
		},
	)
)

func recordOperation(operation, status string, duration time.Duration) {
	tokenOperationsTotal.WithLabelValues(operation, status).Inc()
	tokenOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
