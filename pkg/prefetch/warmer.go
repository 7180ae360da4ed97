// Package prefetch warms the cache by issuing a list of URLs through the
// interception layer with bounded concurrency.
package prefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/intercept-cache/pkg/cache"
)

var prefetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "intercept_prefetch_total",
	Help: "Total URLs warmed by result",
}, []string{"result"}) // "success", "failure"

// Config holds warmer configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int
	// Timeout per URL, including reading the body
	Timeout time.Duration
}

// DefaultConfig returns defaults suited to large downloads.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        5 * time.Minute,
	}
}

// Result is the outcome of warming one URL.
type Result struct {
	URL         string
	StatusCode  int
	Bytes       int64
	CacheStatus string
	Error       error
}

// Warmer issues GET requests through a transport, normally the interception
// layer, so that responses land in the cache.
type Warmer struct {
	client *http.Client
	base   *url.URL
	config Config
	logger zerolog.Logger
}

// NewWarmer creates a warmer sending requests through rt. Relative URLs are
// resolved against base, which may be nil.
func NewWarmer(rt http.RoundTripper, base *url.URL, config Config, logger zerolog.Logger) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	return &Warmer{
		client: &http.Client{Transport: rt},
		base:   base,
		config: config,
		logger: logger,
	}
}

// Warm fetches every URL and returns one Result per input, in input order.
// Failures are reported per URL; URLs not attempted before ctx ends carry the
// context error.
func (w *Warmer) Warm(ctx context.Context, urls []string) []Result {
	start := time.Now()
	results := make([]Result, len(urls))
	if len(urls) == 0 {
		return results
	}

	w.logger.Info().
		Int("urls", len(urls)).
		Int("workers", w.config.MaxConcurrency).
		Msg("Starting cache warm")

	queue := make(chan int, len(urls))
	for i := range urls {
		queue <- i
	}
	close(queue)

	workers := w.config.MaxConcurrency
	if workers > len(urls) {
		workers = len(urls)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go w.worker(ctx, urls, queue, results, &wg, i)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Error != nil {
			failed++
		}
	}

	w.logger.Info().
		Int("urls", len(urls)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Cache warm complete")

	return results
}

// worker processes URL indexes from the queue. Each index is owned by exactly
// one worker, so results are written without locking.
func (w *Warmer) worker(ctx context.Context, urls []string, queue <-chan int, results []Result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for idx := range queue {
		if err := ctx.Err(); err != nil {
			results[idx] = Result{URL: urls[idx], Error: err}
			continue
		}

		results[idx] = w.warmOne(ctx, urls[idx])
		if err := results[idx].Error; err != nil {
			prefetchTotal.WithLabelValues("failure").Inc()
			w.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("url", urls[idx]).
				Msg("Warm failed")
		} else {
			prefetchTotal.WithLabelValues("success").Inc()
		}
		processed++
	}

	if processed > 0 {
		w.logger.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}

func (w *Warmer) warmOne(ctx context.Context, rawURL string) Result {
	result := Result{URL: rawURL}

	target, err := w.resolve(rawURL)
	if err != nil {
		result.Error = err
		return result
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		result.Error = fmt.Errorf("build request: %w", err)
		return result
	}

	resp, err := w.client.Do(req)
	if err != nil {
		result.Error = err
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.CacheStatus = resp.Header.Get(cache.HeaderCacheStatus)
	result.Bytes, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		result.Error = fmt.Errorf("read body: %w", err)
		return result
	}
	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return result
}

func (w *Warmer) resolve(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() {
		if w.base == nil {
			return "", fmt.Errorf("relative url %q without base", rawURL)
		}
		u = w.base.ResolveReference(u)
	}
	return u.String(), nil
}
