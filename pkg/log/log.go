// Package log configures the process-wide zerolog logger used by every
// APM component.
package log

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

func init() {
	Init(Config{Level: InfoLevel})
}

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithCommand creates a child logger tagged with a command-control slot
// index and opcode, so every log line from one command's sequencing can
// be grepped out of the stream.
func WithCommand(logger zerolog.Logger, slot int, opcode string) zerolog.Logger {
	return logger.With().Int("slot", slot).Str("opcode", opcode).Logger()
}

// WithTraceID attaches a per-command correlation id minted at slot
// allocation time (see pkg/apm/cmdctrl).
func WithTraceID(logger zerolog.Logger, traceID string) zerolog.Logger {
	return logger.With().Str("trace_id", traceID).Logger()
}

// NewTraceID mints a fresh per-command correlation id.
func NewTraceID() uuid.UUID {
	return uuid.New()
}
