package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig controls how the service logger is built.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic).
	Level string

	// Format selects json output or a human-readable console writer.
	Format string

	// Output is the destination stream (stdout, stderr).
	Output string

	// AddSource adds the caller's file and line to each entry.
	AddSource bool

	// TimeFormat overrides the timestamp format. Defaults to RFC3339.
	TimeFormat string
}

// NewLogger builds the service's zerolog logger from configuration.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	switch strings.ToLower(cfg.Format) {
	case "console", "pretty":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: zerolog.TimeFieldFormat}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.AddSource {
		ctx = ctx.Caller()
	}

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	return ctx.Logger().Level(level)
}

// parseLevel maps a config string onto a zerolog level, defaulting to
// info for anything unrecognized.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithOrderContext adds common order fields to a logger.
func WithOrderContext(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().
		Str("order_id", orderID).
		Logger()
}

// WithProcessContext adds process run fields to a logger.
func WithProcessContext(logger zerolog.Logger, processName, runID string) zerolog.Logger {
	return logger.With().
		Str("process", processName).
		Str("run_id", runID).
		Logger()
}

// WithActivityContext adds activity execution fields to a logger.
func WithActivityContext(logger zerolog.Logger, activity string, attempt int) zerolog.Logger {
	return logger.With().
		Str("activity", activity).
		Int("attempt", attempt).
		Logger()
}

// WithSignalContext adds signal delivery fields to a logger.
func WithSignalContext(logger zerolog.Logger, runID, signal string) zerolog.Logger {
	return logger.With().
		Str("run_id", runID).
		Str("signal", signal).
		Logger()
}
