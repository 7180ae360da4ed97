// Package logging configures zerolog for the interception cache.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs cache hits, misses and stores.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs lifecycle events.
	LevelInfo LogLevel = "info"

	// LevelWarn logs swallowed caching failures.
	LevelWarn LogLevel = "warn"

	// LevelError logs fatal startup faults only.
	LevelError LogLevel = "error"
)

// Component names attached to loggers as the "component" field.
const (
	ComponentServer   = "server"
	ComponentLayer    = "intercept"
	ComponentStrategy = "strategy"
	ComponentOrigin   = "origin"
	ComponentCache    = "cache"
	ComponentControl  = "control"
	ComponentPrefetch = "prefetch"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level. Unknown values mean info.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger derived from the global one for component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug:
//   - Cache hit/miss per request (key, strategy)
//   - Responses stored (key, size)
//   - Requests passed through without interception (reason)
//
// Info:
//   - Layer install, supersede and version retirement
//   - Budget enforcement that evicted entries
//   - Control channel clearCache
//   - Server startup/shutdown
//
// Warn:
//   - Caching failures swallowed by a strategy (budget check, store write)
//   - Background refresh failures
//   - Origin retries
//   - Malformed control requests
//
// Error:
//   - Configuration faults and startup failures
//
// Context Fields:
//   - component: one of the Component* constants
//   - version: cache version tag of the layer
//   - key: cache key ("GET <url>")
//   - strategy: cache-first, network-first or stale-while-revalidate
//   - reason: why a request bypassed the cache
//   - evicted: entries removed by budget enforcement
