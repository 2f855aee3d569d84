package logflags

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used by every kcdap package.
type Logger interface {
	// WithField returns a new Logger enriched with the given field.
	WithField(key string, value interface{}) Logger
	// WithFields returns a new Logger enriched with the given fields.
	WithFields(fields Fields) Logger
	// WithError returns a new Logger enriched with the given error.
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Printf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Fields are attached to every entry of a Logger.
type Fields map[string]interface{}

var plainFormatter = &logrus.TextFormatter{FullTimestamp: true}
var colorFormatter = &logrus.TextFormatter{FullTimestamp: true, ForceColors: true}

type logrusLogger struct {
	*logrus.Entry
}

// newLogger returns a logrus based Logger writing to out. A nil out means
// standard error, colored when it is a terminal.
func newLogger(level logrus.Level, fields Fields, out io.Writer) *logrusLogger {
	l := logrus.New()
	l.Level = level
	l.Formatter = plainFormatter
	switch {
	case out != nil:
		l.Out = out
	case isatty.IsTerminal(os.Stderr.Fd()):
		l.Out = colorable.NewColorableStderr()
		l.Formatter = colorFormatter
	}
	return &logrusLogger{l.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}
