package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger writes one JSON object per event. Events are snake_case names and
// carry their context in fields.
type Logger struct {
	base *logrus.Logger
}

func NewLogger() *Logger {
	return NewLoggerWithOutput(os.Stdout, logrus.InfoLevel)
}

func NewLoggerWithOutput(out io.Writer, level logrus.Level) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(level)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	return &Logger{base: base}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return NewLoggerWithOutput(io.Discard, logrus.PanicLevel)
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.base.WithFields(fields).Debug(message)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.base.WithFields(fields).Info(message)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.base.WithFields(fields).Warn(message)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.base.WithFields(fields).Error(message)
}
