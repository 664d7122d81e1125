package amqpconnector

import "go.uber.org/zap"

// LogLevel controls the verbosity passed to a Logger.
type LogLevel int8

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// Logger is the logging interface the connector depends on. It mirrors the
// shape of a typical broker-client logger: a single Log method taking
// alternating key/value pairs, so any structured logger can be adapted in a
// few lines without the connector importing a concrete logging package.
type Logger interface {
	Level() LogLevel
	Log(level LogLevel, msg string, keyvals ...interface{})
}

// nopLogger discards everything; it is the default when no Logger is given.
type nopLogger struct{}

func (nopLogger) Level() LogLevel                      { return LogLevelNone }
func (nopLogger) Log(LogLevel, string, ...interface{}) {}

// NewZapLogger adapts a *zap.SugaredLogger into a Logger at the given level.
func NewZapLogger(z *zap.SugaredLogger, level LogLevel) Logger {
	return &zapLogger{z: z, level: level}
}

type zapLogger struct {
	z     *zap.SugaredLogger
	level LogLevel
}

func (l *zapLogger) Level() LogLevel { return l.level }

func (l *zapLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	if level > l.level {
		return
	}
	switch level {
	case LogLevelError:
		l.z.Errorw(msg, keyvals...)
	case LogLevelWarn:
		l.z.Warnw(msg, keyvals...)
	case LogLevelInfo:
		l.z.Infow(msg, keyvals...)
	case LogLevelDebug:
		l.z.Debugw(msg, keyvals...)
	}
}
