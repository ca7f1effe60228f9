package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheHits tracks cache hits by layer ("memory", "redis").
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biomed_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"layer"},
	)

	// cacheMisses tracks cache misses.
	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biomed_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// cacheEvictions tracks evictions by reason ("lru", "expired").
	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biomed_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
		[]string{"reason"},
	)

	// cacheEntries tracks the number of live entries in the memory tier.
	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "biomed_cache_entries",
			Help: "Current number of entries in the memory cache",
		},
	)

	// cacheErrors tracks tiered-store backend errors by operation.
	cacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biomed_cache_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"operation"},
	)
)
