package cache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrNotCacheable indicates the request method can never be a cache key.
	ErrNotCacheable = errors.New("method not cacheable")

	// ErrInvalidURL indicates the URL is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid cache url")
)

// CacheKey identifies a stored response: a normalized (method, absolute URL) pair.
// Only GET requests produce keys.
type CacheKey struct {
	// Method is always "GET" for a valid key
	Method string

	// URL is the normalized absolute URL
	URL string
}

// NewKey builds a normalized CacheKey.
//
// Normalization lowercases scheme and host, drops default ports, the fragment
// and userinfo, sorts the query string and turns an empty path into "/".
func NewKey(method, rawURL string) (CacheKey, error) {
	if !strings.EqualFold(method, http.MethodGet) {
		return CacheKey{}, fmt.Errorf("%w: %s", ErrNotCacheable, method)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	normalized, err := normalizeURL(u)
	if err != nil {
		return CacheKey{}, err
	}

	return CacheKey{Method: http.MethodGet, URL: normalized}, nil
}

// KeyForRequest builds the CacheKey for an outgoing request.
func KeyForRequest(req *http.Request) (CacheKey, error) {
	if req == nil || req.URL == nil {
		return CacheKey{}, fmt.Errorf("%w: request has no url", ErrInvalidURL)
	}
	return NewKey(req.Method, req.URL.String())
}

// String returns the storage form of the key.
//
// Example:
//
//	GET https://example.com/static/app.css?v=2
func (k CacheKey) String() string {
	return k.Method + " " + k.URL
}

// IsZero reports whether the key is unset.
func (k CacheKey) IsZero() bool {
	return k.Method == "" && k.URL == ""
}

// ParseKey is the inverse of CacheKey.String.
func ParseKey(s string) (CacheKey, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok {
		return CacheKey{}, fmt.Errorf("%w: %q", ErrInvalidURL, s)
	}
	return NewKey(method, rawURL)
}

func normalizeURL(u *url.URL) (string, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host = host + ":" + port
	}

	n := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.Query().Encode(),
	}
	if n.Path == "" {
		n.Path = "/"
	}
	return n.String(), nil
}
