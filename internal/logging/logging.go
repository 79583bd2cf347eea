// Package logging wraps zerolog with the defaults every aegis-play binary
// uses: a timestamp, the pid and a service tag on every event.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	logger zerolog.Logger
}

type Options struct {
	Service string
	Debug   bool
	Console bool
	Output  io.Writer
}

func New(opts Options) *Logger {
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.0000"}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	l := zerolog.New(out).Level(level).With().
		Timestamp().
		Int("pid", os.Getpid()).
		Str("service", opts.Service).
		Logger()
	return &Logger{logger: l}
}

// Nop returns a logger that drops everything. Used by tests.
func Nop() *Logger { return &Logger{logger: zerolog.Nop()} }

// With creates a child logger context.
func (l *Logger) With() zerolog.Context { return l.logger.With() }

// Extend builds a new Logger from a child context.
func (l *Logger) Extend(ctx zerolog.Context) *Logger { return &Logger{logger: ctx.Logger()} }

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return l.Extend(l.logger.With().Str("component", component))
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.logger.Fatal() }

func (l *Logger) WithLevel(level zerolog.Level) *zerolog.Event { return l.logger.WithLevel(level) }

// Zerolog exposes the underlying logger for libraries that take one.
func (l *Logger) Zerolog() *zerolog.Logger { return &l.logger }
