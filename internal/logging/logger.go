// Package logging provides the process-wide structured logger.
package logging

import (
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the root logger is constructed.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New builds the process-wide zerolog.Logger carrying a "service" field.
// Components should derive sub-loggers with .With().Str("component", "...").Logger()
// rather than reaching for a package-level global.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stdout
	var logger zerolog.Logger
	if strings.ToLower(cfg.Format) == "pretty" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}).
			With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(writer).With().Timestamp().Caller().Logger()
	}

	return logger.With().Str("service", "gateway").Logger()
}

// RecoverPanic recovers a panic inside a goroutine, logs it with a stack trace,
// and invokes onRecover (if non-nil) so the caller can turn the panic into a
// connection close instead of letting it take down the process.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any, onRecover func()) {
	if r := recover(); r != nil {
		evt := logger.Error().
			Interface("panic", r).
			Str("goroutine", goroutine).
			Bytes("stack", debug.Stack())
		for k, v := range fields {
			evt = evt.Interface(k, v)
		}
		evt.Msg("recovered from panic")
		if onRecover != nil {
			onRecover()
		}
	}
}
