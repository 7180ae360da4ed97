// Package strategy runs the per-request caching strategies: CacheFirst,
// NetworkFirst and StaleWhileRevalidate.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/intercept-cache/pkg/cache"
	"github.com/Sternrassler/intercept-cache/pkg/origin"
	"github.com/Sternrassler/intercept-cache/pkg/route"
)

// Fetcher performs the network fetch for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Executor orchestrates network fetches and cache reads for one strategy per
// request.
//
// Fetches run detached from the requester's context: when a caller abandons a
// request, the fetch started on its behalf still completes and populates the
// cache. Background work is tracked and can be awaited with Wait.
type Executor struct {
	store   cache.Store
	fetcher Fetcher
	policy  *cache.Policy
	logger  zerolog.Logger
	now     func() time.Time

	refresh singleflight.Group
	tasks   sync.WaitGroup
}

// NewExecutor creates an executor writing to store under policy.
func NewExecutor(store cache.Store, fetcher Fetcher, policy *cache.Policy, logger zerolog.Logger) *Executor {
	if store == nil || fetcher == nil || policy == nil {
		panic("strategy: store, fetcher and policy are required")
	}
	return &Executor{
		store:   store,
		fetcher: fetcher,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the clock used for StoredAt (for testing).
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Store returns the backing store.
func (e *Executor) Store() cache.Store {
	return e.store
}

// Wait blocks until every detached fetch and background refresh has finished.
// It must not overlap Execute calls; callers stop admitting requests first.
func (e *Executor) Wait() {
	e.tasks.Wait()
}

// Execute runs strategy s for req. Requests that are not cacheable (non-GET or
// carrying a Range header) go straight to the network and never touch the store.
func (e *Executor) Execute(req *http.Request, s route.Strategy) (*http.Response, error) {
	if !cache.IsCacheableRequest(req) {
		return e.passThrough(req, s)
	}
	key, err := cache.KeyForRequest(req)
	if err != nil {
		e.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Request has no cache key, passing through")
		return e.passThrough(req, s)
	}

	switch s {
	case route.CacheFirst:
		return e.cacheFirst(req, key)
	case route.StaleWhileRevalidate:
		return e.staleWhileRevalidate(req, key)
	default:
		return e.networkFirst(req, key)
	}
}

func (e *Executor) passThrough(req *http.Request, s route.Strategy) (*http.Response, error) {
	requestsTotal.WithLabelValues(s.String(), "bypass").Inc()
	resp, err := e.fetcher.Fetch(req.Context(), req)
	if err != nil {
		return relay(req, err)
	}
	return resp, nil
}

// cacheFirst serves a hit without touching the network; a miss is fetched
// and stored.
func (e *Executor) cacheFirst(req *http.Request, key cache.CacheKey) (*http.Response, error) {
	s := route.CacheFirst
	if entry := e.lookup(req.Context(), key, s); entry != nil {
		requestsTotal.WithLabelValues(s.String(), "hit").Inc()
		return respond(entry, req, cache.StatusHit), nil
	}

	resp, err := e.await(req.Context(), e.spawnFetch(req, key))
	if err != nil {
		requestsTotal.WithLabelValues(s.String(), "error").Inc()
		return relay(req, err)
	}

	requestsTotal.WithLabelValues(s.String(), "miss").Inc()
	resp.Header.Set(cache.HeaderCacheStatus, cache.StatusMiss)
	return resp, nil
}

// networkFirst fetches first and falls back to the cache on failure.
func (e *Executor) networkFirst(req *http.Request, key cache.CacheKey) (*http.Response, error) {
	s := route.NetworkFirst
	resp, err := e.await(req.Context(), e.spawnFetch(req, key))
	if err == nil {
		requestsTotal.WithLabelValues(s.String(), "network").Inc()
		resp.Header.Set(cache.HeaderCacheStatus, cache.StatusMiss)
		return resp, nil
	}

	if ctxErr := req.Context().Err(); ctxErr != nil {
		requestsTotal.WithLabelValues(s.String(), "error").Inc()
		return nil, err
	}

	if entry := e.lookup(req.Context(), key, s); entry != nil {
		e.logger.Debug().
			Err(err).
			Str("key", key.String()).
			Msg("Network failed, serving cached response")
		requestsTotal.WithLabelValues(s.String(), "fallback").Inc()
		return respond(entry, req, cache.StatusFallback), nil
	}

	requestsTotal.WithLabelValues(s.String(), "error").Inc()
	return relay(req, err)
}

// staleWhileRevalidate serves a hit immediately while a refresh runs in the
// background; on a miss the caller waits for that refresh.
func (e *Executor) staleWhileRevalidate(req *http.Request, key cache.CacheKey) (*http.Response, error) {
	s := route.StaleWhileRevalidate
	entry := e.lookup(req.Context(), key, s)
	refreshed := e.revalidate(req, key)

	if entry != nil {
		requestsTotal.WithLabelValues(s.String(), "stale").Inc()
		return respond(entry, req, cache.StatusStale), nil
	}

	select {
	case r := <-refreshed:
		if r.err != nil {
			requestsTotal.WithLabelValues(s.String(), "error").Inc()
			return relay(req, r.err)
		}
		requestsTotal.WithLabelValues(s.String(), "miss").Inc()
		return r.snap.response(req, cache.StatusMiss), nil
	case <-req.Context().Done():
		requestsTotal.WithLabelValues(s.String(), "error").Inc()
		return nil, req.Context().Err()
	}
}

// lookup reads key from the store. Storage faults are logged and treated as a miss.
func (e *Executor) lookup(ctx context.Context, key cache.CacheKey, s route.Strategy) *cache.CacheEntry {
	entry, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
		cacheHits.WithLabelValues(s.String()).Inc()
		e.logger.Debug().Str("key", key.String()).Str("strategy", s.String()).Msg("Cache hit")
		return entry
	case errors.Is(err, cache.ErrCacheMiss):
		cacheMisses.WithLabelValues(s.String()).Inc()
		e.logger.Debug().Str("key", key.String()).Str("strategy", s.String()).Msg("Cache miss")
	default:
		cacheMisses.WithLabelValues(s.String()).Inc()
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, treating as miss")
	}
	return nil
}

type fetchResult struct {
	resp *http.Response
	err  error
}

// spawnFetch starts a detached fetch-and-store for req.
func (e *Executor) spawnFetch(req *http.Request, key cache.CacheKey) <-chan fetchResult {
	ch := make(chan fetchResult, 1)
	bg := detach(req)

	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		resp, err := e.fetchAndStore(bg, key)
		ch <- fetchResult{resp: resp, err: err}
	}()
	return ch
}

// detach clones req for a fetch that outlives the caller. The requester's
// Accept-Encoding is dropped so the transport negotiates compression itself
// and stored bodies are always decoded.
func detach(req *http.Request) *http.Request {
	bg := req.Clone(context.WithoutCancel(req.Context()))
	bg.Header.Del("Accept-Encoding")
	return bg
}

// await waits for a detached fetch. If the caller goes away first, the fetch
// keeps running and its response is discarded.
func (e *Executor) await(ctx context.Context, ch <-chan fetchResult) (*http.Response, error) {
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// fetchAndStore fetches req and persists a cacheable response. Failures while
// caching are logged and never change the returned response.
func (e *Executor) fetchAndStore(req *http.Request, key cache.CacheKey) (*http.Response, error) {
	ctx := req.Context()
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !cache.IsCacheableResponse(resp) {
		return resp, nil
	}

	entry, err := cache.ResponseToEntry(key, resp, e.now())
	if err != nil {
		// The body could not be read in full, so it cannot be served either.
		return nil, &origin.FetchError{
			Class:   origin.ErrorClassNetwork,
			Message: "incomplete response body",
			Err:     err,
		}
	}

	e.persist(ctx, entry)
	return resp, nil
}

func (e *Executor) persist(ctx context.Context, entry *cache.CacheEntry) {
	if evicted, err := e.policy.Admit(ctx, e.store, entry.SizeBytes); err != nil {
		storeFailures.WithLabelValues("budget").Inc()
		e.logger.Warn().Err(err).Int("evicted", evicted).Msg("Budget enforcement failed")
	}

	if err := e.store.Put(ctx, entry); err != nil {
		storeFailures.WithLabelValues("put").Inc()
		e.logger.Warn().Err(err).Str("key", entry.Key.String()).Msg("Failed to cache response")
		return
	}

	e.logger.Debug().
		Str("key", entry.Key.String()).
		Int64("size", entry.SizeBytes).
		Msg("Cached response")
}

// snapshot is a fully buffered response that can be replayed to several callers.
type snapshot struct {
	status int
	header http.Header
	body   []byte
}

func (s *snapshot) response(req *http.Request, cacheStatus string) *http.Response {
	header := s.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(cache.HeaderCacheStatus, cacheStatus)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.status, http.StatusText(s.status)),
		StatusCode:    s.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.body)),
		ContentLength: int64(len(s.body)),
		Request:       req,
	}
}

type refreshResult struct {
	snap *snapshot
	err  error
}

// revalidate starts (or joins) the background refresh for key. Concurrent
// refreshes of one key share a single origin fetch. The refresh is never
// awaited by callers that were served from the cache; its failure is logged.
func (e *Executor) revalidate(req *http.Request, key cache.CacheKey) <-chan refreshResult {
	out := make(chan refreshResult, 1)
	bg := detach(req)

	e.tasks.Add(1)
	results := e.refresh.DoChan(key.String(), func() (any, error) {
		resp, err := e.fetchAndStore(bg, key)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &origin.FetchError{
				Class:   origin.ErrorClassNetwork,
				Message: "incomplete response body",
				Err:     err,
			}
		}
		return &snapshot{status: resp.StatusCode, header: resp.Header.Clone(), body: body}, nil
	})

	go func() {
		defer e.tasks.Done()
		res := <-results
		if res.Err != nil {
			backgroundRefreshTotal.WithLabelValues("failure").Inc()
			e.logger.Warn().Err(res.Err).Str("key", key.String()).Msg("Background refresh failed")
			out <- refreshResult{err: res.Err}
			return
		}
		backgroundRefreshTotal.WithLabelValues("success").Inc()
		out <- refreshResult{snap: res.Val.(*snapshot)}
	}()
	return out
}

// respond converts a cached entry into a response tagged with cacheStatus.
func respond(entry *cache.CacheEntry, req *http.Request, cacheStatus string) *http.Response {
	resp := cache.EntryToResponse(entry, req)
	resp.Header.Set(cache.HeaderCacheStatus, cacheStatus)
	return resp
}

// relay turns a terminal fetch failure into what the requester sees: the
// origin's own failing response when there was one, otherwise the error.
func relay(req *http.Request, err error) (*http.Response, error) {
	var fe *origin.FetchError
	if errors.As(err, &fe) && fe.HasResponse() {
		return fe.Response(req), nil
	}
	return nil, err
}
