package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Pretty should default to false")
	}
	if cfg.Output == nil {
		t.Error("Output should default to stderr")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input Level
		want  zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidLevel(t *testing.T) {
	for _, l := range []Level{"", "debug", "Info", "warn", "warning", "error"} {
		if err := ValidLevel(l); err != nil {
			t.Errorf("ValidLevel(%q) = %v", l, err)
		}
	}
	if err := ValidLevel("trace"); err == nil {
		t.Error("ValidLevel(trace) should fail")
	}
}

func TestNewLogger_TagsComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("fetcher")
	logger.Info().Str("schema", "hosp").Msg("Page fetched")

	out := buf.String()
	for _, want := range []string{`"component":"fetcher"`, `"schema":"hosp"`, "Page fetched"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %s", out, want)
		}
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Output: buf})
	defer Setup(Config{Level: LevelInfo, Output: &bytes.Buffer{}})

	logger := NewLogger("test")
	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")
	logger.Error().Msg("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below warn leaked: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("warn and error messages missing: %q", out)
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})
	defer Setup(Config{Level: LevelInfo, Output: &bytes.Buffer{}})

	logger := NewLogger("sink")
	logger.Info().Msg("Schema saved")

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Errorf("pretty output should not be JSON: %q", out)
	}
	if !strings.Contains(out, "Schema saved") {
		t.Errorf("output %q missing message", out)
	}
}
