package webrtctransport

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// loggerFactory bridges pion's internal logging onto the process zerolog
// logger so ICE/DTLS/SCTP diagnostics land in the same stream as everything
// else.
type loggerFactory struct {
	logger zerolog.Logger
}

func newLoggerFactory(logger zerolog.Logger) logging.LoggerFactory {
	return &loggerFactory{logger: logger}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{logger: f.logger.With().Str("pion", scope).Logger()}
}

type leveledLogger struct {
	logger zerolog.Logger
}

// Pion's trace level is chattier than anything we want at debug; map it to
// zerolog's trace so it only shows up when explicitly requested.
func (l *leveledLogger) Trace(msg string)                  { l.logger.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.logger.Trace().Msgf(format, args...) }
func (l *leveledLogger) Debug(msg string)                  { l.logger.Debug().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.logger.Debug().Msgf(format, args...) }
func (l *leveledLogger) Info(msg string)                   { l.logger.Info().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...any)  { l.logger.Info().Msgf(format, args...) }
func (l *leveledLogger) Warn(msg string)                   { l.logger.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...any)  { l.logger.Warn().Msgf(format, args...) }
func (l *leveledLogger) Error(msg string)                  { l.logger.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.logger.Error().Msgf(format, args...) }
