package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheSize tracks the accounted cache size in bytes
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intercept_cache_size_bytes",
			Help: "Accounted size of the response cache in bytes",
		},
	)

	// CacheEvictions tracks entries removed by budget enforcement
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intercept_cache_evictions_total",
			Help: "Total number of cache entries evicted by budget enforcement",
		},
	)

	// CacheEvictionRuns tracks over-budget enforcement runs
	CacheEvictionRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intercept_cache_eviction_runs_total",
			Help: "Total number of budget enforcement runs that evicted entries",
		},
	)

	// CacheErrors tracks storage operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intercept_cache_errors_total",
			Help: "Total number of cache storage errors",
		},
		[]string{"operation"}, // "put", "get", "delete", "clear", "list", "size", "retire"
	)

	// RetiredNamespaces tracks stores deleted by version transitions
	RetiredNamespaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intercept_cache_retired_namespaces_total",
			Help: "Total number of version-tagged stores deleted during activation",
		},
	)
)
