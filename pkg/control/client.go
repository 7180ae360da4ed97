package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Sternrassler/intercept-cache/pkg/cache"
)

// Transport carries one control request to the service and returns its
// response. *Service and *HTTPTransport implement it.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// HTTPTransport reaches a Service's Handler over HTTP.
type HTTPTransport struct {
	URL        string
	HTTPClient *http.Client
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode control request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("build control request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send control request: %w", err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decode control response (status %d): %w", httpResp.StatusCode, err)
	}
	return resp, nil
}

// CacheInfo is the client-side view of cache consumption.
type CacheInfo struct {
	Usage     int64
	Quota     int64
	Available int64
	MaxSize   int64
}

// Client offers typed control operations.
type Client struct {
	transport Transport
}

// NewClient creates a client using t.
func NewClient(t Transport) *Client {
	return &Client{transport: t}
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if resp.Error != "" {
		return resp, &RemoteError{Action: req.Action, Message: resp.Error}
	}
	return resp, nil
}

// ClearCache drops every entry of the current store.
func (c *Client) ClearCache(ctx context.Context) error {
	_, err := c.call(ctx, Request{Action: ActionClearCache})
	return err
}

// RemoveFromCache deletes the entry for rawURL. Absent entries are not an error.
func (c *Client) RemoveFromCache(ctx context.Context, rawURL string) error {
	_, err := c.call(ctx, Request{Action: ActionRemoveFromCache, URL: rawURL})
	return err
}

// CacheSize returns the environment-reported usage and quota.
func (c *Client) CacheSize(ctx context.Context) (cache.Estimate, error) {
	resp, err := c.call(ctx, Request{Action: ActionGetCacheSize})
	if err != nil {
		return cache.Estimate{}, err
	}
	if resp.Usage == nil || resp.Quota == nil {
		return cache.Estimate{}, fmt.Errorf("control %s: response without usage and quota", ActionGetCacheSize)
	}
	return cache.Estimate{Usage: *resp.Usage, Quota: *resp.Quota}, nil
}

// Info combines CacheSize with the configured storage budget.
func (c *Client) Info(ctx context.Context, maxBudget int64) (CacheInfo, error) {
	est, err := c.CacheSize(ctx)
	if err != nil {
		return CacheInfo{}, err
	}
	available := est.Quota - est.Usage
	if available < 0 {
		available = 0
	}
	return CacheInfo{
		Usage:     est.Usage,
		Quota:     est.Quota,
		Available: available,
		MaxSize:   maxBudget,
	}, nil
}
