// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service, when set, is attached to every entry.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Output:  os.Stderr,
		Service: "cpi-ingest",
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger tagged with a component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForFamily returns a child logger tagged with a series family and target month.
func ForFamily(logger zerolog.Logger, family, target string) zerolog.Logger {
	return logger.With().Str("family", family).Str("target", target).Logger()
}

// Log levels:
//
// Debug: per-chunk fetches, gate polls that found the target still pending,
// quota counter state.
//
// Info: cycle start and finish, rows written, publication detected,
// service startup and shutdown.
//
// Warn: upstream retries, quota nearly spent, scheduled runs skipped
// because the previous cycle was still running.
//
// Error: cycles that failed or timed out, store write failures,
// configuration errors.
//
// Context fields:
//   - component: emitting package
//   - family: series family name
//   - target: target month (YYYY-MM)
//   - dataset: store dataset name
//   - series: upstream series ids of a chunk
//   - attempt: gate or retry attempt number
//   - error_class: upstream error class (client, server, rate_limit, network, envelope)
//   - rows: number of derived rows written
