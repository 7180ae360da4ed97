package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// emitLayerEvents writes one representative event per level, the way the
// layer and strategies log them.
func emitLayerEvents(logger zerolog.Logger) {
	logger.Trace().Str("key", "GET https://app.example.com/static/app.js").Msg("Classified request")
	logger.Debug().Str("key", "GET https://app.example.com/static/app.js").Str("strategy", "cache-first").Msg("Cache hit")
	logger.Info().Str("version", "v2").Int("retired", 1).Msg("Deleted cache stores of previous versions")
	logger.Warn().Str("stage", "put").Msg("Cache write failed")
	logger.Error().Str("field", "store.redis_prefix").Msg("Invalid configuration")
}

// decodeLines returns the message and level of every JSON log line.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", sc.Text(), err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("default level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("default output should be JSON")
	}
}

func TestSetup_LevelSelectsEvents(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
	}{
		{"trace", []string{"Classified request", "Cache hit", "Deleted cache stores of previous versions", "Cache write failed", "Invalid configuration"}},
		{LevelDebug, []string{"Cache hit", "Deleted cache stores of previous versions", "Cache write failed", "Invalid configuration"}},
		{LevelInfo, []string{"Deleted cache stores of previous versions", "Cache write failed", "Invalid configuration"}},
		{LevelWarn, []string{"Cache write failed", "Invalid configuration"}},
		{LevelError, []string{"Invalid configuration"}},
		{"off", nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			emitLayerEvents(Setup(Config{Level: tt.level, Output: buf}))

			lines := decodeLines(t, buf)
			if len(lines) != len(tt.want) {
				t.Fatalf("got %d lines, want %d: %v", len(lines), len(tt.want), lines)
			}
			for i, msg := range tt.want {
				if lines[i]["message"] != msg {
					t.Errorf("line %d message = %v, want %q", i, lines[i]["message"], msg)
				}
				if _, ok := lines[i]["time"]; !ok {
					t.Errorf("line %d has no timestamp", i)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"WARNING", zerolog.WarnLevel},
		{" Debug ", zerolog.DebugLevel},
		{"trace", zerolog.TraceLevel},
		{"off", zerolog.Disabled},
		{"disabled", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewLogger_ComponentFields(t *testing.T) {
	tests := []struct {
		component string
		event     func(zerolog.Logger)
		field     string
		value     any
	}{
		{
			component: ComponentLayer,
			event:     func(l zerolog.Logger) { l.Info().Str("version", "v3").Msg("Interception layer active") },
			field:     "version",
			value:     "v3",
		},
		{
			component: ComponentStrategy,
			event: func(l zerolog.Logger) {
				l.Warn().Str("key", "GET https://app.example.com/thumbnail/1.png").Msg("Background refresh failed")
			},
			field: "key",
			value: "GET https://app.example.com/thumbnail/1.png",
		},
		{
			component: ComponentCache,
			event:     func(l zerolog.Logger) { l.Info().Int("evicted", 4).Msg("Cache over budget, evicted oldest entries") },
			field:     "evicted",
			value:     float64(4),
		},
		{
			component: ComponentControl,
			event:     func(l zerolog.Logger) { l.Warn().Str("action", "resize").Msg("Unknown action") },
			field:     "action",
			value:     "resize",
		},
	}

	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			buf := &bytes.Buffer{}
			Setup(Config{Level: LevelInfo, Output: buf})

			tt.event(NewLogger(tt.component))

			lines := decodeLines(t, buf)
			if len(lines) != 1 {
				t.Fatalf("got %d lines, want 1", len(lines))
			}
			if lines[0]["component"] != tt.component {
				t.Errorf("component = %v, want %q", lines[0]["component"], tt.component)
			}
			if lines[0][tt.field] != tt.value {
				t.Errorf("%s = %v, want %v", tt.field, lines[0][tt.field], tt.value)
			}
		})
	}
}

func TestSetup_PrettyOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{
		Level:  LevelInfo,
		Pretty: true,
		Output: buf,
	})

	logger.Info().Str("key", "GET https://app.example.com/").Msg("Cache hit")

	output := buf.String()
	if strings.HasPrefix(output, "{") {
		t.Errorf("Expected console output, got JSON %q", output)
	}
	if !strings.Contains(output, "Cache hit") {
		t.Errorf("Expected output to contain message, got %q", output)
	}
}

func TestSetup_NilOutputDefaultsToStderr(t *testing.T) {
	logger := Setup(Config{Level: LevelError})
	// Must not panic on a nil writer.
	logger.Debug().Msg("filtered")

	Setup(DefaultConfig())
}
