package route

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
)

// ErrConfigFault indicates a malformed route configuration.
var ErrConfigFault = errors.New("route config fault")

// ConfigError describes the offending rule.
type ConfigError struct {
	Index   int
	Pattern string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("route rule %d (%q): %v", e.Index, e.Pattern, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigError match ErrConfigFault.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigFault
}

// Rule maps a URL path pattern (regular expression) to a Strategy.
type Rule struct {
	Pattern  string   `toml:"pattern"`
	Strategy Strategy `toml:"strategy"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `/(static|css|js|fonts)/`, Strategy: CacheFirst},
		{Pattern: `/(download|thumbnail|audio)/`, Strategy: StaleWhileRevalidate},
		{Pattern: `/(api|account)/`, Strategy: NetworkFirst},
	}
}

type compiledRule struct {
	re       *regexp.Regexp
	strategy Strategy
}

// Classifier applies an ordered rule list; the first match wins and
// unmatched requests default to NetworkFirst.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier compiles rules. Any malformed rule fails the whole set.
func NewClassifier(rules []Rule) (*Classifier, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, &ConfigError{Index: i, Pattern: r.Pattern, Err: errors.New("empty pattern")}
		}
		if r.Strategy < NetworkFirst || r.Strategy > StaleWhileRevalidate {
			return nil, &ConfigError{Index: i, Pattern: r.Pattern, Err: fmt.Errorf("unknown strategy %d", int(r.Strategy))}
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, &ConfigError{Index: i, Pattern: r.Pattern, Err: err}
		}
		compiled = append(compiled, compiledRule{re: re, strategy: r.Strategy})
	}
	return &Classifier{rules: compiled}, nil
}

// Classify returns the Strategy for a request URL. It is pure and never
// inspects the method beyond its signature; storage eligibility is decided
// by the executor.
func (c *Classifier) Classify(requestURL, method string) Strategy {
	target := requestURL
	if u, err := url.Parse(requestURL); err == nil && u.Path != "" {
		target = u.Path
	}
	for _, r := range c.rules {
		if r.re.MatchString(target) {
			return r.strategy
		}
	}
	return NetworkFirst
}

// ClassifyRequest is Classify for an *http.Request.
func (c *Classifier) ClassifyRequest(req *http.Request) Strategy {
	return c.Classify(req.URL.String(), req.Method)
}
