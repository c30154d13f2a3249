package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is what the layers of the engine log through.
type Logger interface {
	// WithField returns a Logger that adds key=value to every entry.
	WithField(key string, value interface{}) Logger
	// WithError returns a Logger that adds err to every entry.
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LoggerFactory creates the loggers of this package when set with
// SetLoggerFactory. flag is true for layers enabled by Setup; fields and
// out may be nil.
type LoggerFactory func(flag bool, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus loggers created by default.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// Fields are attached to every entry of a logger.
type Fields map[string]interface{}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}
