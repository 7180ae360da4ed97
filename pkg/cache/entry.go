package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"time"
)

// CacheEntry represents a stored response.
type CacheEntry struct {
	// Key identifies the entry
	Key CacheKey `json:"key"`

	// Body is the complete response body; immutable once stored
	Body []byte `json:"body"`

	// StatusCode of the stored response (always 200 for stored entries)
	StatusCode int `json:"status_code"`

	// Headers are the response headers in canonical form
	Headers http.Header `json:"headers"`

	// StoredAt orders entries for eviction
	StoredAt time.Time `json:"stored_at"`

	// SizeBytes is len(Body), kept for budget accounting
	SizeBytes int64 `json:"size_bytes"`
}

// NewEntry creates an entry for key with a private copy of body and headers.
func NewEntry(key CacheKey, statusCode int, headers http.Header, body []byte, storedAt time.Time) *CacheEntry {
	return &CacheEntry{
		Key:        key,
		Body:       bytes.Clone(body),
		StatusCode: statusCode,
		Headers:    canonicalHeaders(headers),
		StoredAt:   storedAt,
		SizeBytes:  int64(len(body)),
	}
}

// Validate checks the entry invariants.
func (e *CacheEntry) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	if e.Key.IsZero() {
		return fmt.Errorf("%w: missing key", ErrInvalidEntry)
	}
	if e.SizeBytes != int64(len(e.Body)) {
		return fmt.Errorf("%w: size %d does not match body length %d", ErrInvalidEntry, e.SizeBytes, len(e.Body))
	}
	return nil
}

// Meta returns the entry's eviction metadata.
func (e *CacheEntry) Meta() EntryMeta {
	return EntryMeta{Key: e.Key, SizeBytes: e.SizeBytes, StoredAt: e.StoredAt}
}

// EntryMeta is the body-less view of an entry used for eviction ordering.
type EntryMeta struct {
	Key       CacheKey
	SizeBytes int64
	StoredAt  time.Time
}

func canonicalHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}
