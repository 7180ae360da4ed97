package intercept

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/intercept-cache/pkg/cache"
)

// Host holds the active Layer for a process. Registering a new Layer
// supersedes the previous one; requests arriving while no layer is active go
// to the next transport without caching.
type Host struct {
	mu     sync.Mutex
	active atomic.Pointer[Layer]
	next   http.RoundTripper
	logger zerolog.Logger
}

// NewHost creates a Host with no active layer.
func NewHost(next http.RoundTripper, logger zerolog.Logger) *Host {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Host{next: next, logger: logger}
}

// Register installs l and makes it the active layer. A previously registered
// layer is superseded before l is installed, so its background writes finish
// before older stores are deleted. Registering the active layer again is a
// no-op.
func (h *Host) Register(ctx context.Context, l *Layer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.active.Load()
	if prev == l {
		return l.Install(ctx)
	}
	if prev != nil {
		h.active.Store(nil)
		prev.Supersede()
		h.logger.Info().
			Str("previous_version", prev.Version()).
			Str("version", l.Version()).
			Msg("Replacing interception layer")
	}

	if err := l.Install(ctx); err != nil {
		return err
	}
	h.active.Store(l)
	return nil
}

// Active returns the active layer or nil.
func (h *Host) Active() *Layer {
	return h.active.Load()
}

// CurrentStore returns the active layer's store, or ErrNotActive.
func (h *Host) CurrentStore() (cache.Store, error) {
	l := h.active.Load()
	if l == nil {
		return nil, ErrNotActive
	}
	return l.CurrentStore()
}

// Budget returns the active layer's storage ceiling, or cache.DefaultMaxBudget.
func (h *Host) Budget() int64 {
	if l := h.active.Load(); l != nil {
		return l.Budget()
	}
	return cache.DefaultMaxBudget
}

// RoundTrip implements http.RoundTripper.
func (h *Host) RoundTrip(req *http.Request) (*http.Response, error) {
	l := h.active.Load()
	if l == nil {
		passthroughTotal.WithLabelValues("inactive").Inc()
		return h.next.RoundTrip(req)
	}
	resp, err := l.RoundTrip(req)
	if errors.Is(err, ErrNotActive) {
		// Superseded between the load and the call.
		return h.next.RoundTrip(req)
	}
	return resp, err
}

// ServeHTTP implements http.Handler.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := h.active.Load()
	if l == nil {
		http.Error(w, "interception layer not active", http.StatusServiceUnavailable)
		return
	}
	l.ServeHTTP(w, r)
}

// Close supersedes the active layer and waits for its background work.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l := h.active.Swap(nil); l != nil {
		l.Supersede()
	}
}
