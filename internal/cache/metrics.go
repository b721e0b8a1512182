package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// hitsTotal counts cache hits.
	hitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	// missesTotal counts cache misses.
	missesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// putsTotal counts stored responses.
	putsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_puts_total",
			Help: "Total number of responses stored in the cache",
		},
	)

	// invalidationsTotal counts entries removed by explicit invalidation.
	invalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Total number of cache entries removed by invalidation",
		},
	)

	// unavailableTotal counts operations that failed because the backing
	// store was unreachable.
	unavailableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_unavailable_total",
			Help: "Total number of cache operations that failed due to store outage",
		},
	)
)
