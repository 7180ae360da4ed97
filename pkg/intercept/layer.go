// Package intercept provides the interception layer: the mandatory
// intermediary for same-origin GET traffic. A Layer is an http.RoundTripper
// for outgoing clients and an http.Handler acting as a caching reverse proxy.
//
// Each Layer is bound to one cache version. Installing it deletes every store
// tagged with another version before the new store becomes active; a Host
// holds the active Layer and supersedes the previous one on re-registration.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/intercept-cache/pkg/cache"
	"github.com/Sternrassler/intercept-cache/pkg/route"
	"github.com/Sternrassler/intercept-cache/pkg/strategy"
)

// Config configures a Layer.
type Config struct {
	// Origin is the base URL whose traffic is intercepted.
	Origin *url.URL

	// Version tags the cache store.
	Version string

	// Rules is the ordered route table. Nil uses route.DefaultRules.
	Rules []route.Rule

	// Streaming lists endpoint patterns that are never intercepted. Nil uses
	// route.DefaultStreamingPatterns.
	Streaming []string

	// Budget is the hard storage ceiling in bytes. Zero uses
	// cache.DefaultMaxBudget.
	Budget int64
}

// Layer intercepts requests and runs them through the classifier and the
// strategy executor.
type Layer struct {
	origin     *url.URL
	version    string
	namespaces cache.Namespaces
	fetcher    strategy.Fetcher
	next       http.RoundTripper
	logger     zerolog.Logger

	classifier *route.Classifier
	bypass     *route.Bypass
	policy     *cache.Policy
	proxy      *httputil.ReverseProxy

	mu       sync.RWMutex
	state    atomic.Int32
	store    cache.Store
	executor *strategy.Executor

	// inflight counts requests inside the executor. Add only happens under
	// the read lock while Active.
	inflight sync.WaitGroup
}

// New validates cfg and builds an uninstalled Layer. Cacheable traffic is
// fetched through fetcher; everything else goes to next. A malformed
// configuration returns an error matching route.ErrConfigFault and no Layer.
func New(cfg Config, namespaces cache.Namespaces, fetcher strategy.Fetcher, next http.RoundTripper, logger zerolog.Logger) (*Layer, error) {
	if cfg.Origin == nil || cfg.Origin.Scheme == "" || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("%w: origin must be an absolute URL", route.ErrConfigFault)
	}
	if cfg.Version == "" || strings.Contains(cfg.Version, ":") {
		return nil, fmt.Errorf("%w: invalid cache version %q", route.ErrConfigFault, cfg.Version)
	}
	if namespaces == nil || fetcher == nil {
		return nil, fmt.Errorf("%w: namespaces and fetcher are required", route.ErrConfigFault)
	}

	rules := cfg.Rules
	if rules == nil {
		rules = route.DefaultRules()
	}
	classifier, err := route.NewClassifier(rules)
	if err != nil {
		return nil, err
	}

	streaming := cfg.Streaming
	if streaming == nil {
		streaming = route.DefaultStreamingPatterns()
	}
	bypass, err := route.NewBypass(streaming)
	if err != nil {
		return nil, err
	}

	if next == nil {
		next = http.DefaultTransport
	}

	l := &Layer{
		origin:     cfg.Origin,
		version:    cfg.Version,
		namespaces: namespaces,
		fetcher:    fetcher,
		next:       next,
		logger:     logger.With().Str("version", cfg.Version).Logger(),
		classifier: classifier,
		bypass:     bypass,
		policy:     cache.NewPolicy(cfg.Budget, logger),
	}
	l.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(l.origin)
			pr.SetXForwarded()
		},
		Transport:     l,
		FlushInterval: -1,
		ErrorHandler:  l.proxyError,
	}
	return l, nil
}

// State returns the current lifecycle state.
func (l *Layer) State() State {
	return State(l.state.Load())
}

// Version returns the cache version this layer is bound to.
func (l *Layer) Version() string {
	return l.version
}

// Budget returns the enforced storage ceiling in bytes.
func (l *Layer) Budget() int64 {
	return l.policy.Budget()
}

// CurrentStore returns the active store, or ErrNotActive.
func (l *Layer) CurrentStore() (cache.Store, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.State() != Active {
		return nil, ErrNotActive
	}
	return l.store, nil
}

func (l *Layer) setState(s State) {
	l.state.Store(int32(s))
	layerInstalls.WithLabelValues(s.String()).Inc()
}

// Install activates the layer. Every store tagged with another version is
// deleted before the layer's own store becomes active. Installing an active
// layer is a no-op. If retirement fails the layer returns to Uninstalled.
func (l *Layer) Install(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case Active:
		return nil
	case Superseded:
		return ErrSuperseded
	}

	l.setState(Installing)
	l.logger.Info().Msg("Installing interception layer")

	retired, err := l.namespaces.Retire(ctx, l.version)
	if err != nil {
		l.setState(Uninstalled)
		return fmt.Errorf("retire old cache versions: %w", err)
	}
	if retired > 0 {
		l.logger.Info().Int("retired", retired).Msg("Deleted cache stores of previous versions")
	}

	l.store = l.namespaces.Open(l.version)
	l.executor = strategy.NewExecutor(l.store, l.fetcher, l.policy, l.logger)
	l.setState(Active)

	l.logger.Info().
		Str("origin", l.origin.String()).
		Int64("budget", l.policy.Budget()).
		Msg("Interception layer active")
	return nil
}

// Supersede decommissions the layer. New requests are refused with
// ErrNotActive; requests already inside the executor and the background work
// they started are awaited, so nothing writes to the store afterwards.
func (l *Layer) Supersede() {
	l.mu.Lock()
	prev := l.State()
	if prev == Superseded {
		l.mu.Unlock()
		return
	}
	l.setState(Superseded)
	executor := l.executor
	l.mu.Unlock()

	l.inflight.Wait()
	if executor != nil {
		executor.Wait()
	}
	l.logger.Info().Str("previous_state", prev.String()).Msg("Interception layer superseded")
}

// Wait blocks until background fetches and refreshes have finished. Call it
// once traffic has stopped; Supersede drains a layer that is still serving.
func (l *Layer) Wait() {
	l.mu.RLock()
	executor := l.executor
	l.mu.RUnlock()
	if executor != nil {
		executor.Wait()
	}
}

// RoundTrip implements http.RoundTripper. Same-origin GET requests that are
// not excluded run through their route's strategy; all other requests go to
// the next transport untouched.
func (l *Layer) RoundTrip(req *http.Request) (*http.Response, error) {
	if l.State() != Active {
		passthroughTotal.WithLabelValues("inactive").Inc()
		return nil, ErrNotActive
	}

	if reason := l.passthroughReason(req); reason != "" {
		passthroughTotal.WithLabelValues(reason).Inc()
		l.logger.Debug().
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Str("reason", reason).
			Msg("Passing request through")
		return l.next.RoundTrip(req)
	}

	executor, ok := l.enter()
	if !ok {
		passthroughTotal.WithLabelValues("inactive").Inc()
		return nil, ErrNotActive
	}
	defer l.inflight.Done()

	s := l.classifier.ClassifyRequest(req)
	return executor.Execute(req, s)
}

// enter registers a request with the executor while the layer is active.
// Supersede flips the state under the write lock, so once it starts waiting
// no further request can enter.
func (l *Layer) enter() (*strategy.Executor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.State() != Active {
		return nil, false
	}
	l.inflight.Add(1)
	return l.executor, true
}

// passthroughReason returns why req is not intercepted, or "".
func (l *Layer) passthroughReason(req *http.Request) string {
	if !l.sameOrigin(req.URL) {
		return "cross-origin"
	}
	if req.Method != http.MethodGet {
		return "method"
	}
	return l.bypass.Check(req)
}

func (l *Layer) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, l.origin.Scheme) && strings.EqualFold(u.Host, l.origin.Host)
}

// ServeHTTP implements http.Handler by reverse-proxying to the origin through
// the layer.
func (l *Layer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.proxy.ServeHTTP(w, r)
}

func (l *Layer) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ErrNotActive):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		return
	}
	l.logger.Warn().
		Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("Request failed")
	http.Error(w, http.StatusText(status), status)
}
