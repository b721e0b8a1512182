package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// checksTotal counts circuit breaker checks by outcome.
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitbreaker_checks_total",
			Help: "Total number of circuit breaker checks by outcome",
		},
		[]string{"outcome"},
	)

	// transitionsTotal counts state transitions by target state.
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitbreaker_transitions_total",
			Help: "Total number of circuit state transitions by service and target state",
		},
		[]string{"service", "to"},
	)

	// stateGauge exposes the current state per service
	// (0=closed, 1=open, 2=half-open).
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitbreaker_state",
			Help: "Current circuit state per service (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)
)
