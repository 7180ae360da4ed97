// Package metrics exposes the Prometheus metrics of the interception cache.
// Collectors are defined with promauto in the packages that update them
// (cache, strategy, intercept, origin, control, prefetch) to keep those
// packages free of a shared dependency; this package serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every collector is registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source Handler serves from.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - intercept_cache_size_bytes (Gauge): Accounted size of the current store
//   - intercept_cache_evictions_total (Counter): Entries removed by budget enforcement
//   - intercept_cache_eviction_runs_total (Counter): Enforcement runs that evicted entries
//   - intercept_cache_errors_total{operation} (Counter): Storage faults by operation
//   - intercept_cache_retired_namespaces_total (Counter): Stores deleted by version transitions
//
// Strategy Metrics (pkg/strategy):
//   - intercept_requests_total{strategy, outcome} (Counter): Intercepted requests;
//     outcome is hit, miss, stale, fallback, network, error or bypass
//   - intercept_cache_hits_total{strategy} (Counter): Cache hits by strategy
//   - intercept_cache_misses_total{strategy} (Counter): Cache misses by strategy
//   - intercept_background_refresh_total{result} (Counter): Stale-while-revalidate refreshes
//   - intercept_store_failures_total{stage} (Counter): Swallowed caching failures (budget, put)
//
// Layer Metrics (pkg/intercept):
//   - intercept_passthrough_total{reason} (Counter): Requests not intercepted
//   - intercept_layer_transitions_total{state} (Counter): Lifecycle transitions
//
// Origin Metrics (pkg/origin):
//   - intercept_origin_requests_total{status} (Counter): Origin fetches by status
//   - intercept_origin_duration_seconds (Histogram): Origin fetch duration
//   - intercept_origin_retries_total{error_class} (Counter): Retry attempts
//   - intercept_origin_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//
// Control Metrics (pkg/control, pkg/prefetch):
//   - intercept_control_requests_total{action, result} (Counter): Control requests
//   - intercept_prefetch_total{result} (Counter): URLs warmed
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(intercept_cache_hits_total[5m])) /
//   (sum(rate(intercept_cache_hits_total[5m])) + sum(rate(intercept_cache_misses_total[5m])))
//
//   # Offline fallbacks served
//   rate(intercept_requests_total{outcome="fallback"}[5m])
//
//   # Swallowed caching failures
//   sum by (stage) (rate(intercept_store_failures_total[5m]))
//
//   # P95 Origin Latency
//   histogram_quantile(0.95, rate(intercept_origin_duration_seconds_bucket[5m]))
