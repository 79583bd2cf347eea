package logging

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionFactory routes pion's internal logs (ice, dtls, sctp...) through
// zerolog. Scope names become the "mod" field.
type PionFactory struct {
	log   *Logger
	level zerolog.Level
}

var _ logging.LoggerFactory = (*PionFactory)(nil)

func NewPionFactory(root *Logger, level zerolog.Level) *PionFactory {
	return &PionFactory{log: root, level: level}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	l := f.log.logger.Level(f.level).With().Str("mod", scope).Logger()
	return pionLogger{log: l}
}

type pionLogger struct {
	log zerolog.Logger
}

func (p pionLogger) Trace(msg string)                  { p.log.Trace().Msg(msg) }
func (p pionLogger) Tracef(format string, args ...any) { p.log.Trace().Msgf(format, args...) }
func (p pionLogger) Debug(msg string)                  { p.log.Debug().Msg(msg) }
func (p pionLogger) Debugf(format string, args ...any) { p.log.Debug().Msgf(format, args...) }
func (p pionLogger) Info(msg string)                   { p.log.Info().Msg(msg) }
func (p pionLogger) Infof(format string, args ...any)  { p.log.Info().Msgf(format, args...) }
func (p pionLogger) Warn(msg string)                   { p.log.Warn().Msg(msg) }
func (p pionLogger) Warnf(format string, args ...any)  { p.log.Warn().Msgf(format, args...) }
func (p pionLogger) Error(msg string)                  { p.log.Error().Msg(msg) }
func (p pionLogger) Errorf(format string, args ...any) { p.log.Error().Msgf(format, args...) }
