// Package cache provides the durable response store behind the interception layer.
//
// The package implements:
//
// - Normalized cache keys (GET + absolute URL)
// - A Store abstraction with Redis (durable) and in-memory implementations
// - Incremental, crash-consistent size accounting
// - Batch eviction of the oldest 10% of entries when over budget
// - Version-tagged namespaces retired on activation
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Open the store for the current version and retire older ones
//	namespaces := cache.NewRedisNamespaces(redisClient, cache.DefaultPrefix, 0)
//	if _, err := namespaces.Retire(ctx, "v2"); err != nil {
//		return err
//	}
//	store := namespaces.Open("v2")
//
//	// Build a key and look it up
//	key, err := cache.NewKey(http.MethodGet, "https://example.com/static/app.css")
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from origin
//	}
//
// # Storing Responses
//
//	entry, err := cache.ResponseToEntry(key, resp, time.Now())
//	if err != nil {
//		return err // not cacheable or body incomplete
//	}
//
//	policy := cache.NewPolicy(cache.DefaultMaxBudget, logger)
//	if _, err := policy.Admit(ctx, store, entry.SizeBytes); err != nil {
//		logger.Warn().Err(err).Msg("Budget enforcement failed")
//	}
//	if err := store.Put(ctx, entry); err != nil {
//		return err
//	}
//
// # Eviction
//
// Eviction is batch based: when the accounted size exceeds the budget, the
// oldest ceil(10%) of entries by StoredAt are removed in one pass, ties broken
// by key. A single pass may leave the store over budget; the next write
// triggers another pass.
//
// # Metrics
//
//   - intercept_cache_size_bytes - Accounted cache size
//   - intercept_cache_evictions_total - Entries evicted
//   - intercept_cache_eviction_runs_total - Over-budget runs
//   - intercept_cache_errors_total{operation} - Storage errors
//   - intercept_cache_retired_namespaces_total - Stores deleted on activation
package cache
