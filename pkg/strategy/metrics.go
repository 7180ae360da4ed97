package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercept_requests_total",
		Help: "Total intercepted requests by strategy and outcome",
	}, []string{"strategy", "outcome"}) // outcome: hit, miss, stale, fallback, network, error, bypass

	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercept_cache_hits_total",
		Help: "Total cache hits by strategy",
	}, []string{"strategy"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercept_cache_misses_total",
		Help: "Total cache misses by strategy",
	}, []string{"strategy"})

	backgroundRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercept_background_refresh_total",
		Help: "Total background refreshes by result",
	}, []string{"result"}) // "success", "failure"

	storeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercept_store_failures_total",
		Help: "Total failures while persisting fetched responses",
	}, []string{"stage"}) // "budget", "put"
)
