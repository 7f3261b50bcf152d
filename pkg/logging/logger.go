// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is a textual log level as written in configuration.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration.
type Config struct {
	Level Level

	// Pretty switches from JSON lines to console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs a logger built from cfg as the global zerolog logger and
// returns it. Component loggers created afterwards inherit its output.
func Setup(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a configured level to zerolog. Unknown values fall back
// to info.
func ParseLevel(level Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether level names one of the supported levels.
func ValidLevel(level Level) error {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Level usage:
//
// Debug: per-page and per-batch detail, individual retry attempts.
// Info: run start and summary, schema saved, fetch progress, empty schemas.
// Warn: degraded fetch with partial data, cancelled fetch, bookkeeping failures.
// Error: failed pages, failed batches, streak abort, startup failures.
//
// Common fields: run_id, mode, schema, collection, page, attempt, status,
// records, batch, streak, error_class.
