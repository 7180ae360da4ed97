// Package route classifies outgoing requests into caching strategies.
package route

import (
	"fmt"
	"strings"
)

// Strategy is the per-request policy governing cache vs. network precedence.
type Strategy int

const (
	// NetworkFirst fetches from the origin and falls back to the cache on failure.
	NetworkFirst Strategy = iota

	// CacheFirst serves from the cache and only fetches on a miss.
	CacheFirst

	// StaleWhileRevalidate serves from the cache and refreshes in the background.
	StaleWhileRevalidate
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses a strategy name. Both the kebab-case form and the
// camelCase form ("cacheFirst") are accepted.
func ParseStrategy(name string) (Strategy, error) {
	n := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(name)))
	switch n {
	case "networkfirst":
		return NetworkFirst, nil
	case "cachefirst":
		return CacheFirst, nil
	case "stalewhilerevalidate", "cachewithupdate":
		return StaleWhileRevalidate, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if s < NetworkFirst || s > StaleWhileRevalidate {
		return nil, fmt.Errorf("unknown strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
