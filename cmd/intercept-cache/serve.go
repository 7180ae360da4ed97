package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/intercept-cache/pkg/cache"
	"github.com/Sternrassler/intercept-cache/pkg/config"
	"github.com/Sternrassler/intercept-cache/pkg/control"
	"github.com/Sternrassler/intercept-cache/pkg/intercept"
	"github.com/Sternrassler/intercept-cache/pkg/logging"
	"github.com/Sternrassler/intercept-cache/pkg/metrics"
	"github.com/Sternrassler/intercept-cache/pkg/origin"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy and the control channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, ctx.cfg)
		},
	}
}

// stack is the composition root of a running server.
type stack struct {
	host    *intercept.Host
	layer   *intercept.Layer
	control *control.Service
	redis   *redis.Client
	logger  zerolog.Logger
}

// buildStack wires the store, origin client, layer and control service from
// cfg and installs the layer.
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	logger := logging.NewLogger(logging.ComponentServer)

	originURL, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}

	s := &stack{logger: logger}

	var namespaces cache.Namespaces
	switch cfg.Store.Backend {
	case config.BackendMemory:
		namespaces = cache.NewMemoryNamespaces(cfg.Store.Quota())
	default:
		s.redis = redis.NewClient(&redis.Options{
			Addr: cfg.Store.RedisAddr,
			DB:   cfg.Store.RedisDB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Store.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.Store.RedisAddr).Int("db", cfg.Store.RedisDB).Msg("Connected to Redis")
		namespaces = cache.NewRedisNamespaces(s.redis, cfg.Store.RedisPrefix, cfg.Store.Quota())
	}

	retry := origin.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Origin.RetryAttempts
	fetcher := origin.New(origin.Config{
		Transport: http.DefaultTransport,
		UserAgent: cfg.Origin.UserAgent,
		Retry:     retry,
	}, logging.NewLogger(logging.ComponentOrigin))

	s.layer, err = intercept.New(intercept.Config{
		Origin:    originURL,
		Version:   cfg.Store.Version,
		Rules:     cfg.Routes,
		Streaming: cfg.Streaming,
		Budget:    cfg.Store.MaxBudgetBytes,
	}, namespaces, fetcher, http.DefaultTransport, logging.NewLogger(logging.ComponentLayer))
	if err != nil {
		s.close()
		return nil, err
	}

	s.host = intercept.NewHost(http.DefaultTransport, logging.NewLogger(logging.ComponentLayer))
	if err := s.host.Register(ctx, s.layer); err != nil {
		s.close()
		return nil, fmt.Errorf("install interception layer: %w", err)
	}

	s.control = control.NewService(s.host, originURL, logging.NewLogger(logging.ComponentControl))
	return s, nil
}

func (s *stack) close() {
	if s.host != nil {
		s.host.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

// proxyMux serves health and metrics next to the intercepted traffic.
func (s *stack) proxyMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", s.host)
	return mux
}

func (s *stack) controlMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/control", s.control.Handler())
	return mux
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	controlDone := make(chan error, 1)
	go func() {
		controlDone <- s.control.Serve(ctx)
	}()

	servers := []*http.Server{
		{Addr: cfg.Server.Listen, Handler: s.proxyMux(), ReadHeaderTimeout: 10 * time.Second},
	}
	if cfg.Server.Control != "" {
		servers = append(servers, &http.Server{Addr: cfg.Server.Control, Handler: s.controlMux(), ReadHeaderTimeout: 10 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			s.logger.Info().Str("addr", srv.Addr).Msg("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	s.logger.Info().
		Str("origin", cfg.Origin.URL).
		Str("backend", cfg.Store.Backend).
		Str("version", cfg.Store.Version).
		Msg("Intercept cache started")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		s.logger.Error().Err(serveErr).Msg("Server failed")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Str("addr", srv.Addr).Msg("Shutdown incomplete")
		}
	}
	cancel()
	<-controlDone

	s.logger.Info().Msg("Intercept cache stopped")
	return serveErr
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
