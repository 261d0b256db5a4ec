// Package logger configures the process-wide zerolog logger and hands out
// per-component child loggers tagged with a "module" field.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the root logger. It is usable before Init (writes info+ to stderr).
var Log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init replaces the root logger. Valid levels: debug, info, warn, error.
// Unknown levels fall back to info.
func Init(level string) {
	InitWriter(os.Stdout, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	Log = zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// Module returns a logger with a module field for scoped logging.
func Module(name string) zerolog.Logger {
	return Log.With().Str("module", name).Logger()
}
