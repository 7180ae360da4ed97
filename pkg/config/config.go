// Package config loads the interception cache configuration from a TOML file
// and INTERCEPT_CACHE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/Sternrassler/intercept-cache/pkg/cache"
	"github.com/Sternrassler/intercept-cache/pkg/route"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INTERCEPT_CACHE_"

// Server holds listener addresses.
type Server struct {
	Listen  string `toml:"listen"`
	Control string `toml:"control"`
}

// Origin describes the intercepted origin.
type Origin struct {
	URL           string `toml:"url"`
	UserAgent     string `toml:"user_agent"`
	RetryAttempts int    `toml:"retry_attempts"`
}

// Store configures the cache backend.
type Store struct {
	Backend        string `toml:"backend"`
	RedisAddr      string `toml:"redis_addr"`
	RedisDB        int    `toml:"redis_db"`
	RedisPrefix    string `toml:"redis_prefix"`
	Version        string `toml:"version"`
	MaxBudgetBytes int64  `toml:"max_budget_bytes"`

	// QuotaBytes is the advisory quota reported by getCacheSize when the
	// backend reports none. Zero reports the budget.
	QuotaBytes int64 `toml:"quota_bytes"`
}

// Quota returns the advisory quota in bytes.
func (s Store) Quota() int64 {
	if s.QuotaBytes > 0 {
		return s.QuotaBytes
	}
	return s.MaxBudgetBytes
}

// globChars are the Redis SCAN pattern metacharacters.
const globChars = "*?[]\\"

// Logging configures log output.
type Logging struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Prefetch configures cache warming.
type Prefetch struct {
	Concurrency    int `toml:"concurrency"`
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Config is the full configuration.
type Config struct {
	Server    Server       `toml:"server"`
	Origin    Origin       `toml:"origin"`
	Store     Store        `toml:"store"`
	Logging   Logging      `toml:"logging"`
	Prefetch  Prefetch     `toml:"prefetch"`
	Routes    []route.Rule `toml:"routes"`
	Streaming []string     `toml:"streaming"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Listen:  ":8080",
			Control: ":8081",
		},
		Origin: Origin{
			URL:           "http://localhost:3000",
			UserAgent:     "intercept-cache/0.1.0",
			RetryAttempts: 1,
		},
		Store: Store{
			Backend:        BackendRedis,
			RedisAddr:      "localhost:6379",
			RedisPrefix:    cache.DefaultPrefix,
			Version:        "v1",
			MaxBudgetBytes: cache.DefaultMaxBudget,
		},
		Logging: Logging{
			Level: "info",
		},
		Prefetch: Prefetch{
			Concurrency:    4,
			TimeoutSeconds: 300,
		},
		Routes:    route.DefaultRules(),
		Streaming: route.DefaultStreamingPatterns(),
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// Tables in the file replace the built-in ones rather than extend them.
		cfg.Routes, cfg.Streaming = nil, nil

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %v", route.ErrConfigFault, err)
		}
		if cfg.Routes == nil {
			cfg.Routes = route.DefaultRules()
		}
		if cfg.Streaming == nil {
			cfg.Streaming = route.DefaultStreamingPatterns()
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Listen = getEnv("LISTEN", c.Server.Listen)
	c.Server.Control = getEnv("CONTROL", c.Server.Control)
	c.Origin.URL = getEnv("ORIGIN", c.Origin.URL)
	c.Origin.UserAgent = getEnv("USER_AGENT", c.Origin.UserAgent)
	c.Store.Backend = getEnv("STORE", c.Store.Backend)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPrefix = getEnv("REDIS_PREFIX", c.Store.RedisPrefix)
	c.Store.Version = getEnv("VERSION", c.Store.Version)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)

	var err error
	if c.Origin.RetryAttempts, err = getEnvInt("RETRY_ATTEMPTS", c.Origin.RetryAttempts); err != nil {
		return err
	}
	if c.Store.RedisDB, err = getEnvInt("REDIS_DB", c.Store.RedisDB); err != nil {
		return err
	}
	if c.Store.MaxBudgetBytes, err = getEnvInt64("MAX_BUDGET", c.Store.MaxBudgetBytes); err != nil {
		return err
	}
	if c.Store.QuotaBytes, err = getEnvInt64("QUOTA", c.Store.QuotaBytes); err != nil {
		return err
	}
	if c.Logging.Pretty, err = getEnvBool("LOG_PRETTY", c.Logging.Pretty); err != nil {
		return err
	}
	return nil
}

// Validate ensures the configuration is usable. Failures match
// route.ErrConfigFault.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fault("server.listen must be set")
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.Origin.RetryAttempts < 1 {
		return fault("origin.retry_attempts must be at least 1")
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fault("store.redis_addr must be set for the redis backend")
		}
		if c.Store.RedisPrefix == "" || strings.ContainsAny(c.Store.RedisPrefix, globChars) {
			return fault("store.redis_prefix must be set and contain no glob characters")
		}
	case BackendMemory:
	default:
		return fault(fmt.Sprintf("store.backend must be %q or %q, got %q", BackendRedis, BackendMemory, c.Store.Backend))
	}

	if c.Store.Version == "" || strings.ContainsAny(c.Store.Version, ":"+globChars) {
		return fault(fmt.Sprintf("store.version %q must be non-empty without ':' or glob characters", c.Store.Version))
	}
	if c.Store.MaxBudgetBytes <= 0 {
		return fault("store.max_budget_bytes must be positive")
	}
	if c.Store.QuotaBytes < 0 {
		return fault("store.quota_bytes must not be negative")
	}

	if _, err := route.NewClassifier(c.Routes); err != nil {
		return err
	}
	if _, err := route.NewBypass(c.Streaming); err != nil {
		return err
	}

	if c.Prefetch.Concurrency < 1 {
		return fault("prefetch.concurrency must be at least 1")
	}
	return nil
}

// OriginURL parses the origin URL.
func (c *Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin.URL)
	if err != nil {
		return nil, fault(fmt.Sprintf("origin.url: %v", err))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fault(fmt.Sprintf("origin.url %q must be an absolute http(s) URL", c.Origin.URL))
	}
	return u, nil
}

func fault(msg string) error {
	return fmt.Errorf("%w: %s", route.ErrConfigFault, msg)
}

// getEnv returns the INTERCEPT_CACHE_-prefixed variable or defaultValue.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, envFault(key, raw, err)
	}
	return v, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, envFault(key, raw, err)
	}
	return v, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, envFault(key, raw, err)
	}
	return v, nil
}

func envFault(key, raw string, err error) error {
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		err = numErr.Err
	}
	return fault(fmt.Sprintf("%s%s=%q: %v", EnvPrefix, key, raw, err))
}
