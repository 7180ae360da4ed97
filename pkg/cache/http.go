package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HeaderCacheStatus is set on every response produced by the interception
// layer to report how it was served.
const HeaderCacheStatus = "X-Intercept-Cache"

// Cache status values reported in HeaderCacheStatus.
const (
	StatusHit      = "hit"
	StatusMiss     = "miss"
	StatusStale    = "stale"
	StatusFallback = "fallback"
)

// IsCacheableRequest reports whether a request may be read from or written to
// the cache: only GET requests without a Range header qualify.
func IsCacheableRequest(req *http.Request) bool {
	if req == nil || req.Method != http.MethodGet {
		return false
	}
	return req.Header.Get("Range") == ""
}

// IsCacheableResponse reports whether a response is a complete, successful
// representation. Partial content is never stored.
func IsCacheableResponse(resp *http.Response) bool {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return false
	}
	return resp.Header.Get("Content-Range") == ""
}

// ResponseToEntry reads the full response body and converts it to a CacheEntry.
// The response body is restored after reading. A body that fails mid-read is
// reported as an error so partial data is never stored.
func ResponseToEntry(key CacheKey, resp *http.Response, storedAt time.Time) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	if !IsCacheableResponse(resp) {
		return nil, fmt.Errorf("response status %d is not cacheable", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.ContentLength >= 0 && int64(len(body)) != resp.ContentLength {
		return nil, fmt.Errorf("read response body: got %d bytes, want %d", len(body), resp.ContentLength)
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return NewEntry(key, resp.StatusCode, resp.Header, body, storedAt), nil
}

// EntryToResponse converts a cache entry back to an HTTP response for req.
// Each call returns an independent body reader.
func EntryToResponse(entry *CacheEntry, req *http.Request) *http.Response {
	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	header := entry.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.FormatInt(entry.SizeBytes, 10))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: entry.SizeBytes,
		Request:       req,
	}
}
