package route

import (
	"net/http"
	"regexp"
)

// DefaultStreamingPatterns match long-lived streaming endpoints that are never
// intercepted.
func DefaultStreamingPatterns() []string {
	return []string{`/download_progress/`}
}

// Bypass reasons reported by Bypass.Check.
const (
	ReasonNone      = ""
	ReasonStreaming = "streaming"
	ReasonRange     = "range"
)

// Bypass decides which requests skip the cache entirely.
type Bypass struct {
	streaming []*regexp.Regexp
}

// NewBypass compiles the streaming endpoint patterns.
func NewBypass(streamingPatterns []string) (*Bypass, error) {
	b := &Bypass{}
	for i, p := range streamingPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &ConfigError{Index: i, Pattern: p, Err: err}
		}
		b.streaming = append(b.streaming, re)
	}
	return b, nil
}

// Check returns the reason req must bypass the cache, or ReasonNone.
func (b *Bypass) Check(req *http.Request) string {
	for _, re := range b.streaming {
		if re.MatchString(req.URL.Path) {
			return ReasonStreaming
		}
	}
	if req.Header.Get("Range") != "" {
		return ReasonRange
	}
	return ReasonNone
}
