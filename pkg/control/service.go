package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/intercept-cache/pkg/cache"
)

var controlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "intercept_control_requests_total",
	Help: "Total control channel requests by action and result",
}, []string{"action", "result"}) // result: "success", "protocol_fault", "error"

// StoreSource yields the store control operations act on.
type StoreSource interface {
	CurrentStore() (cache.Store, error)
}

type envelope struct {
	ctx   context.Context
	req   Request
	reply chan Response
}

// Service processes control requests. Requests are submitted through Do and
// dispatched by Serve; each is handled concurrently and answered on its own
// reply channel.
type Service struct {
	source StoreSource
	base   *url.URL
	logger zerolog.Logger

	inbox chan envelope
	done  chan struct{}
}

// NewService creates a service operating on source. Relative URLs in
// removeFromCache requests are resolved against base, which may be nil.
func NewService(source StoreSource, base *url.URL, logger zerolog.Logger) *Service {
	return &Service{
		source: source,
		base:   base,
		logger: logger,
		inbox:  make(chan envelope),
		done:   make(chan struct{}),
	}
}

// Serve dispatches requests until ctx is cancelled. It must be called once.
func (s *Service) Serve(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info().Msg("Control channel serving")
	for {
		select {
		case env := <-s.inbox:
			go func() {
				env.reply <- s.handle(env.ctx, env.req)
			}()
		case <-ctx.Done():
			s.logger.Info().Msg("Control channel stopped")
			return ctx.Err()
		}
	}
}

// Do submits req and waits for its response. A missing ID is generated.
// Malformed requests are answered with an error payload, not an error; the
// returned error is only set when ctx ends or the service is closed.
func (s *Service) Do(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	env := envelope{ctx: ctx, req: req, reply: make(chan Response, 1)}

	select {
	case s.inbox <- env:
	case <-s.done:
		return Response{}, ErrClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-env.reply:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (s *Service) handle(ctx context.Context, req Request) Response {
	action := metricAction(req.Action)
	resp, err := s.dispatch(ctx, req)

	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrProtocolFault):
		result = "protocol_fault"
		s.logger.Warn().Err(err).Str("id", req.ID).Str("action", req.Action).Msg("Malformed control request")
	default:
		result = "error"
		s.logger.Warn().Err(err).Str("id", req.ID).Str("action", req.Action).Msg("Control request failed")
	}
	controlRequestsTotal.WithLabelValues(action, result).Inc()

	if err != nil && resp.Error == "" {
		resp.Error = err.Error()
	}
	resp.ID = req.ID
	return resp
}

func (s *Service) dispatch(ctx context.Context, req Request) (Response, error) {
	switch req.Action {
	case ActionClearCache:
		store, err := s.source.CurrentStore()
		if err != nil {
			return Response{}, err
		}
		if err := store.Clear(ctx); err != nil {
			return Response{}, fmt.Errorf("clear cache: %w", err)
		}
		s.logger.Info().Str("id", req.ID).Msg("Cache cleared")
		return Response{Success: true}, nil

	case ActionRemoveFromCache:
		if req.URL == "" {
			return Response{Error: MsgMissingURL}, fmt.Errorf("%w: removeFromCache without url", ErrProtocolFault)
		}
		key, err := s.keyFor(req.URL)
		if err != nil {
			return Response{Error: MsgInvalidURL}, fmt.Errorf("%w: %v", ErrProtocolFault, err)
		}
		store, err := s.source.CurrentStore()
		if err != nil {
			return Response{}, err
		}
		if err := store.Delete(ctx, key); err != nil {
			return Response{}, fmt.Errorf("remove %s: %w", key, err)
		}
		s.logger.Debug().Str("id", req.ID).Str("key", key.String()).Msg("Removed from cache")
		return Response{Success: true}, nil

	case ActionGetCacheSize:
		store, err := s.source.CurrentStore()
		if err != nil {
			return Response{}, err
		}
		est, err := estimate(ctx, store)
		if err != nil {
			return Response{}, fmt.Errorf("estimate cache size: %w", err)
		}
		return sizeResponse(req.ID, est.Usage, est.Quota), nil

	default:
		return Response{Error: MsgUnknownAction}, fmt.Errorf("%w: unknown action %q", ErrProtocolFault, req.Action)
	}
}

func (s *Service) keyFor(raw string) (cache.CacheKey, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return cache.CacheKey{}, err
	}
	if !u.IsAbs() && s.base != nil {
		u = s.base.ResolveReference(u)
	}
	return cache.NewKey(http.MethodGet, u.String())
}

// estimate reports environment usage and quota, falling back to the store's
// own accounting when the backend cannot estimate.
func estimate(ctx context.Context, store cache.Store) (cache.Estimate, error) {
	if e, ok := store.(cache.Estimator); ok {
		return e.Estimate(ctx)
	}
	total, err := store.TotalSize(ctx)
	if err != nil {
		return cache.Estimate{}, err
	}
	return cache.Estimate{Usage: total}, nil
}

func metricAction(action string) string {
	switch action {
	case ActionClearCache, ActionRemoveFromCache, ActionGetCacheSize:
		return action
	default:
		return "unknown"
	}
}
