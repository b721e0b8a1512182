package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// checksTotal counts rate limit checks by outcome.
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_checks_total",
			Help: "Total number of rate limit checks by outcome",
		},
		[]string{"outcome"},
	)

	// lockoutsTotal counts lockouts applied.
	lockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_lockouts_total",
			Help: "Total number of lockouts applied",
		},
	)
)
