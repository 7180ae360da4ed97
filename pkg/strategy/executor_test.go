package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/intercept-cache/pkg/cache"
	"github.com/Sternrassler/intercept-cache/pkg/origin"
	"github.com/Sternrassler/intercept-cache/pkg/route"
)

// fakeFetcher answers from a handler function and counts calls. When gate is
// set, every fetch blocks until it is closed.
type fakeFetcher struct {
	calls   atomic.Int32
	gate    chan struct{}
	handler func(req *http.Request) (*http.Response, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.handler(req)
}

func okResponse(body string) func(*http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		return newResponse(req, http.StatusOK, body), nil
	}
}

func newResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func networkDown(req *http.Request) (*http.Response, error) {
	return nil, &origin.FetchError{
		Class:   origin.ErrorClassNetwork,
		Message: "connection refused",
		Err:     errors.New("dial tcp: connection refused"),
	}
}

// failingStore wraps a MemoryStore and fails selected operations.
type failingStore struct {
	*cache.MemoryStore
	failGet bool
	failPut bool
}

func (s *failingStore) Get(ctx context.Context, key cache.CacheKey) (*cache.CacheEntry, error) {
	if s.failGet {
		return nil, &cache.StorageError{Op: "get", Err: errors.New("disk unavailable")}
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *failingStore) Put(ctx context.Context, entry *cache.CacheEntry) error {
	if s.failPut {
		return &cache.StorageError{Op: "put", Err: errors.New("quota exceeded")}
	}
	return s.MemoryStore.Put(ctx, entry)
}

func newTestExecutor(store cache.Store, fetcher Fetcher, budget int64) *Executor {
	return NewExecutor(store, fetcher, cache.NewPolicy(budget, zerolog.Nop()), zerolog.Nop())
}

func get(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, rawURL, nil)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func storedBody(t *testing.T, store cache.Store, rawURL string) (string, bool) {
	t.Helper()
	key, err := cache.NewKey(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	entry, err := store.Get(context.Background(), key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return "", false
	}
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return string(entry.Body), true
}

func TestCacheFirst_SecondRequestSkipsNetwork(t *testing.T) {
	store := cache.NewMemoryStore(0)
	fetcher := &fakeFetcher{handler: okResponse("body{color:red}")}
	exec := newTestExecutor(store, fetcher, 0)

	const url = "https://app.example.com/static/app.css"

	first, err := exec.Execute(get(t, url), route.CacheFirst)
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if got := first.Header.Get(cache.HeaderCacheStatus); got != cache.StatusMiss {
		t.Errorf("first cache status = %q, want %q", got, cache.StatusMiss)
	}
	firstBody := readBody(t, first)

	second, err := exec.Execute(get(t, url), route.CacheFirst)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if got := second.Header.Get(cache.HeaderCacheStatus); got != cache.StatusHit {
		t.Errorf("second cache status = %q, want %q", got, cache.StatusHit)
	}
	if got := readBody(t, second); got != firstBody {
		t.Errorf("second body = %q, want %q", got, firstBody)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}
}

func TestCacheFirst_NetworkErrorOnMiss(t *testing.T) {
	exec := newTestExecutor(cache.NewMemoryStore(0), &fakeFetcher{handler: networkDown}, 0)

	_, err := exec.Execute(get(t, "https://app.example.com/static/app.js"), route.CacheFirst)
	if !errors.Is(err, origin.ErrNetworkFault) {
		t.Fatalf("Execute() error = %v, want ErrNetworkFault", err)
	}
}

func TestNetworkFirst_FallsBackToCache(t *testing.T) {
	store := cache.NewMemoryStore(0)
	var online atomic.Bool
	online.Store(true)
	fetcher := &fakeFetcher{handler: func(req *http.Request) (*http.Response, error) {
		if online.Load() {
			return newResponse(req, http.StatusOK, `{"items":[1,2,3]}`), nil
		}
		return networkDown(req)
	}}
	exec := newTestExecutor(store, fetcher, 0)

	const url = "https://app.example.com/api/data"

	resp, err := exec.Execute(get(t, url), route.NetworkFirst)
	if err != nil {
		t.Fatalf("online Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != `{"items":[1,2,3]}` {
		t.Fatalf("online body = %q", got)
	}

	online.Store(false)

	resp, err = exec.Execute(get(t, url), route.NetworkFirst)
	if err != nil {
		t.Fatalf("offline Execute() error = %v", err)
	}
	if got := resp.Header.Get(cache.HeaderCacheStatus); got != cache.StatusFallback {
		t.Errorf("cache status = %q, want %q", got, cache.StatusFallback)
	}
	if got := readBody(t, resp); got != `{"items":[1,2,3]}` {
		t.Errorf("fallback body = %q", got)
	}
}

func TestNetworkFirst_AlwaysRefreshesCache(t *testing.T) {
	store := cache.NewMemoryStore(0)
	var version atomic.Int32
	fetcher := &fakeFetcher{handler: func(req *http.Request) (*http.Response, error) {
		return newResponse(req, http.StatusOK, fmt.Sprintf("v%d", version.Add(1))), nil
	}}
	exec := newTestExecutor(store, fetcher, 0)

	const url = "https://app.example.com/account/profile"
	for i := 1; i <= 3; i++ {
		resp, err := exec.Execute(get(t, url), route.NetworkFirst)
		if err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
		if got, want := readBody(t, resp), fmt.Sprintf("v%d", i); got != want {
			t.Errorf("body #%d = %q, want %q", i, got, want)
		}
	}
	if got, _ := storedBody(t, store, url); got != "v3" {
		t.Errorf("stored body = %q, want v3", got)
	}
}

func TestNetworkFirst_NoCachedCopy(t *testing.T) {
	t.Run("network error propagates", func(t *testing.T) {
		exec := newTestExecutor(cache.NewMemoryStore(0), &fakeFetcher{handler: networkDown}, 0)

		resp, err := exec.Execute(get(t, "https://app.example.com/api/data"), route.NetworkFirst)
		if resp != nil {
			t.Errorf("resp = %v, want nil", resp)
		}
		if !errors.Is(err, origin.ErrNetworkFault) {
			t.Errorf("error = %v, want ErrNetworkFault", err)
		}
	})

	t.Run("origin failure is relayed", func(t *testing.T) {
		fetcher := &fakeFetcher{handler: func(req *http.Request) (*http.Response, error) {
			return nil, &origin.FetchError{
				StatusCode: http.StatusServiceUnavailable,
				Class:      origin.ErrorClassServer,
				Message:    "maintenance",
				Header:     http.Header{"Retry-After": []string{"30"}},
				Body:       []byte("down for maintenance"),
			}
		}}
		store := cache.NewMemoryStore(0)
		exec := newTestExecutor(store, fetcher, 0)

		resp, err := exec.Execute(get(t, "https://app.example.com/api/data"), route.NetworkFirst)
		if err != nil {
			t.Fatalf("Execute() error = %v, want relayed response", err)
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
		if got := readBody(t, resp); got != "down for maintenance" {
			t.Errorf("body = %q", got)
		}
		if _, ok := storedBody(t, store, "https://app.example.com/api/data"); ok {
			t.Error("failing response must not be cached")
		}
	})

	t.Run("truncated origin failure is an error", func(t *testing.T) {
		fetcher := &fakeFetcher{handler: func(req *http.Request) (*http.Response, error) {
			return nil, &origin.FetchError{
				StatusCode: http.StatusNotFound,
				Class:      origin.ErrorClassClient,
				Message:    "404 Not Found",
				Body:       []byte("partial"),
				Truncated:  true,
			}
		}}
		exec := newTestExecutor(cache.NewMemoryStore(0), fetcher, 0)

		for _, s := range []route.Strategy{route.CacheFirst, route.NetworkFirst} {
			resp, err := exec.Execute(get(t, "https://app.example.com/api/large"), s)
			if resp != nil {
				resp.Body.Close()
				t.Errorf("%v: relayed a truncated body", s)
			}
			if !errors.Is(err, origin.ErrNetworkFault) {
				t.Errorf("%v: error = %v, want ErrNetworkFault", s, err)
			}
		}
	})
}

func TestStaleWhileRevalidate_ServesCachedWithoutWaiting(t *testing.T) {
	store := cache.NewMemoryStore(0)
	fetcher := &fakeFetcher{handler: okResponse("fresh"), gate: make(chan struct{})}
	exec := newTestExecutor(store, fetcher, 0)

	const url = "https://app.example.com/thumbnail/42.jpg"
	key, _ := cache.NewKey(http.MethodGet, url)
	if err := store.Put(context.Background(), cache.NewEntry(key, 200, nil, []byte("stale"), time.Unix(1, 0))); err != nil {
		t.Fatalf("seed: %v", err)
	}

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := exec.Execute(get(t, url), route.StaleWhileRevalidate)
		if err != nil {
			t.Errorf("Execute() error = %v", err)
		}
		done <- resp
	}()

	var resp *http.Response
	select {
	case resp = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute() blocked on the background fetch")
	}
	if resp == nil {
		t.FailNow()
	}
	if got := resp.Header.Get(cache.HeaderCacheStatus); got != cache.StatusStale {
		t.Errorf("cache status = %q, want %q", got, cache.StatusStale)
	}
	if got := readBody(t, resp); got != "stale" {
		t.Errorf("body = %q, want stale", got)
	}
	if got, _ := storedBody(t, store, url); got != "stale" {
		t.Errorf("store updated before fetch completed: %q", got)
	}

	close(fetcher.gate)
	exec.Wait()

	if got, _ := storedBody(t, store, url); got != "fresh" {
		t.Errorf("stored body after refresh = %q, want fresh", got)
	}
}

func TestStaleWhileRevalidate_MissWaitsForNetwork(t *testing.T) {
	store := cache.NewMemoryStore(0)
	exec := newTestExecutor(store, &fakeFetcher{handler: okResponse("audio-bytes")}, 0)

	const url = "https://app.example.com/audio/track.mp3"
	resp, err := exec.Execute(get(t, url), route.StaleWhileRevalidate)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != "audio-bytes" {
		t.Errorf("body = %q", got)
	}
	exec.Wait()
	if got, ok := storedBody(t, store, url); !ok || got != "audio-bytes" {
		t.Errorf("stored body = %q (found %v)", got, ok)
	}
}

func TestStaleWhileRevalidate_RefreshFailureIsSwallowed(t *testing.T) {
	store := cache.NewMemoryStore(0)
	exec := newTestExecutor(store, &fakeFetcher{handler: networkDown}, 0)

	const url = "https://app.example.com/download/report.pdf"
	key, _ := cache.NewKey(http.MethodGet, url)
	if err := store.Put(context.Background(), cache.NewEntry(key, 200, nil, []byte("cached"), time.Unix(1, 0))); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := exec.Execute(get(t, url), route.StaleWhileRevalidate)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readBody(t, resp); got != "cached" {
		t.Errorf("body = %q", got)
	}
	exec.Wait()

	if got, _ := storedBody(t, store, url); got != "cached" {
		t.Errorf("stored body = %q, want cached entry untouched", got)
	}
}

func TestStaleWhileRevalidate_MissWithNetworkError(t *testing.T) {
	exec := newTestExecutor(cache.NewMemoryStore(0), &fakeFetcher{handler: networkDown}, 0)

	_, err := exec.Execute(get(t, "https://app.example.com/download/x"), route.StaleWhileRevalidate)
	if !errors.Is(err, origin.ErrNetworkFault) {
		t.Errorf("Execute() error = %v, want ErrNetworkFault", err)
	}
	exec.Wait()
}

func TestExecute_NonCacheableRequestsSkipStore(t *testing.T) {
	tests := []struct {
		name  string
		build func() *http.Request
	}{
		{"post", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "https://app.example.com/static/app.js", strings.NewReader("x"))
		}},
		{"head", func() *http.Request {
			return httptest.NewRequest(http.MethodHead, "https://app.example.com/static/app.js", nil)
		}},
		{"range", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "https://app.example.com/audio/track.mp3", nil)
			req.Header.Set("Range", "bytes=0-99")
			return req
		}},
	}

	strategies := []route.Strategy{route.CacheFirst, route.NetworkFirst, route.StaleWhileRevalidate}

	for _, tt := range tests {
		for _, s := range strategies {
			t.Run(tt.name+"/"+s.String(), func(t *testing.T) {
				store := cache.NewMemoryStore(0)
				fetcher := &fakeFetcher{handler: okResponse("payload")}
				exec := newTestExecutor(store, fetcher, 0)

				resp, err := exec.Execute(tt.build(), s)
				if err != nil {
					t.Fatalf("Execute() error = %v", err)
				}
				resp.Body.Close()
				exec.Wait()

				if got := fetcher.calls.Load(); got != 1 {
					t.Errorf("network calls = %d, want 1", got)
				}
				entries, err := store.ListAll(context.Background())
				if err != nil {
					t.Fatalf("ListAll: %v", err)
				}
				if len(entries) != 0 {
					t.Errorf("store has %d entries, want 0", len(entries))
				}
			})
		}
	}
}

func TestExecute_OnlyStatusOKIsCached(t *testing.T) {
	store := cache.NewMemoryStore(0)
	fetcher := &fakeFetcher{handler: func(req *http.Request) (*http.Response, error) {
		return newResponse(req, http.StatusNoContent, ""), nil
	}}
	exec := newTestExecutor(store, fetcher, 0)

	resp, err := exec.Execute(get(t, "https://app.example.com/static/empty.js"), route.CacheFirst)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	if total, _ := store.TotalSize(context.Background()); total != 0 {
		t.Errorf("TotalSize() = %d, want 0", total)
	}
}

func TestExecute_StorageFaultDoesNotFailRequest(t *testing.T) {
	tests := []struct {
		name     string
		strategy route.Strategy
		failGet  bool
		failPut  bool
	}{
		{"cache first put fails", route.CacheFirst, false, true},
		{"cache first get fails", route.CacheFirst, true, false},
		{"network first put fails", route.NetworkFirst, false, true},
		{"swr get and put fail", route.StaleWhileRevalidate, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &failingStore{MemoryStore: cache.NewMemoryStore(0), failGet: tt.failGet, failPut: tt.failPut}
			exec := newTestExecutor(store, &fakeFetcher{handler: okResponse("served")}, 0)

			resp, err := exec.Execute(get(t, "https://app.example.com/static/app.js"), tt.strategy)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
			if got := readBody(t, resp); got != "served" {
				t.Errorf("body = %q, want served", got)
			}
			exec.Wait()
		})
	}
}

func TestExecute_AbandonedRequestStillPopulatesCache(t *testing.T) {
	store := cache.NewMemoryStore(0)
	fetcher := &fakeFetcher{handler: okResponse("late"), gate: make(chan struct{})}
	exec := newTestExecutor(store, fetcher, 0)

	const url = "https://app.example.com/static/bundle.js"
	ctx, cancel := context.WithCancel(context.Background())
	req := get(t, url).WithContext(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := exec.Execute(req, route.CacheFirst)
		errCh <- err
	}()

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}

	close(fetcher.gate)
	exec.Wait()

	if got, ok := storedBody(t, store, url); !ok || got != "late" {
		t.Errorf("stored body = %q (found %v), want late", got, ok)
	}
}

func TestExecute_EnforcesBudgetOldestFirst(t *testing.T) {
	store := cache.NewMemoryStore(0)
	fetcher := &fakeFetcher{handler: func(req *http.Request) (*http.Response, error) {
		return newResponse(req, http.StatusOK, strings.Repeat("x", 30)), nil
	}}
	exec := newTestExecutor(store, fetcher, 100)

	var tick atomic.Int64
	exec.SetClock(func() time.Time { return time.Unix(tick.Add(1), 0) })

	for i := 1; i <= 6; i++ {
		resp, err := exec.Execute(get(t, fmt.Sprintf("https://app.example.com/static/%d.js", i)), route.CacheFirst)
		if err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
		resp.Body.Close()
	}
	exec.Wait()

	for i := 1; i <= 6; i++ {
		_, ok := storedBody(t, store, fmt.Sprintf("https://app.example.com/static/%d.js", i))
		if want := i > 2; ok != want {
			t.Errorf("entry %d present = %v, want %v", i, ok, want)
		}
	}
	if total, _ := store.TotalSize(context.Background()); total != 120 {
		t.Errorf("TotalSize() = %d, want 120", total)
	}
}

func TestExecute_ConcurrentRequests(t *testing.T) {
	store := cache.NewMemoryStore(0)
	exec := newTestExecutor(store, &fakeFetcher{handler: okResponse("0123456789")}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := []route.Strategy{route.CacheFirst, route.NetworkFirst, route.StaleWhileRevalidate}[i%3]
			resp, err := exec.Execute(get(t, fmt.Sprintf("https://app.example.com/static/%d.js", i%10)), s)
			if err != nil {
				t.Errorf("Execute() error = %v", err)
				return
			}
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil || string(body) != "0123456789" {
				t.Errorf("body = %q, err = %v", body, err)
			}
		}(i)
	}
	wg.Wait()
	exec.Wait()

	entries, err := store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(entries) != 10 {
		t.Errorf("entries = %d, want 10", len(entries))
	}
	total, _ := store.TotalSize(context.Background())
	if total != int64(len(entries))*10 {
		t.Errorf("TotalSize() = %d, want %d", total, len(entries)*10)
	}
}

func TestExecute_DropsRequesterAcceptEncoding(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	fetcher := &fakeFetcher{handler: func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		seen = append(seen, req.Header.Get("Accept-Encoding"))
		mu.Unlock()
		return newResponse(req, http.StatusOK, "plain"), nil
	}}
	exec := newTestExecutor(cache.NewMemoryStore(0), fetcher, 0)

	strategies := []route.Strategy{route.CacheFirst, route.NetworkFirst, route.StaleWhileRevalidate}
	for i, s := range strategies {
		req := get(t, fmt.Sprintf("https://app.example.com/static/%d.js", i))
		req.Header.Set("Accept-Encoding", "gzip, br")
		resp, err := exec.Execute(req, s)
		if err != nil {
			t.Fatalf("%v: Execute() error = %v", s, err)
		}
		resp.Body.Close()
		if got := req.Header.Get("Accept-Encoding"); got != "gzip, br" {
			t.Errorf("%v: caller's request header changed to %q", s, got)
		}
	}
	exec.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(strategies) {
		t.Fatalf("fetches = %d, want %d", len(seen), len(strategies))
	}
	for i, ae := range seen {
		if ae != "" {
			t.Errorf("fetch %d sent Accept-Encoding %q, want none", i, ae)
		}
	}
}
