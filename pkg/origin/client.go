// Package origin performs the network fetches the interception layer
// delegates to, classifying failures into network faults.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for origin fetches.
var (
	originRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercept_origin_requests_total",
		Help: "Total origin fetches by status",
	}, []string{"status"})

	originRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intercept_origin_duration_seconds",
		Help:    "Origin fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// maxErrorBody bounds how much of a failing response is buffered.
const maxErrorBody = 1 << 20

// Config holds the fetcher configuration.
type Config struct {
	// Transport reaches the network. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// UserAgent is set on outgoing requests that carry none.
	UserAgent string

	// Retry configures retries of server and network failures.
	Retry RetryConfig
}

// DefaultConfig returns a configuration using the default transport.
func DefaultConfig() Config {
	return Config{
		Transport: http.DefaultTransport,
		Retry:     DefaultRetryConfig(),
	}
}

// Client fetches requests from the origin. It applies no timeout of its own;
// deadlines belong to the transport and the request context.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new origin client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Client{
		httpClient: &http.Client{
			Transport: cfg.Transport,
			// Redirects belong to the requester; a 3xx is relayed as-is.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config:     cfg,
		logger:     logger,
	}
}

// Fetch sends req to the origin. A transport error or a status >= 400 is
// returned as a *FetchError; other responses are returned untouched with
// their body unread.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	startTime := time.Now()
	defer func() {
		originRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	var resp *http.Response
	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func() error {
		out := req.Clone(ctx)
		out.RequestURI = ""
		if c.config.UserAgent != "" && out.Header.Get("User-Agent") == "" {
			out.Header.Set("User-Agent", c.config.UserAgent)
		}

		r, err := c.httpClient.Do(out)
		if err != nil {
			originRequestsTotal.WithLabelValues("network_error").Inc()
			c.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Origin fetch failed")
			return &FetchError{
				Class:   ErrorClassNetwork,
				Message: "origin unreachable",
				Err:     err,
			}
		}

		originRequestsTotal.WithLabelValues(strconv.Itoa(r.StatusCode)).Inc()
		if r.StatusCode >= 400 {
			return failedResponse(r)
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// failedResponse buffers a failing response into a FetchError. Bodies larger
// than maxErrorBody, or cut short by a read error, are marked truncated.
func failedResponse(r *http.Response) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxErrorBody+1))
	fe := &FetchError{
		StatusCode: r.StatusCode,
		Class:      classifyStatus(r.StatusCode),
		Message:    r.Status,
		Header:     r.Header.Clone(),
		Body:       body,
	}
	if len(body) > maxErrorBody {
		fe.Body = body[:maxErrorBody]
		fe.Truncated = true
	}
	if err != nil {
		fe.Err = fmt.Errorf("read error body: %w", err)
		fe.Truncated = true
	}
	return fe
}
