// Package logger is a thin structured-logging shim over logrus shared by
// every package in this module, so call sites log key/value pairs without
// taking a direct logrus dependency.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

func SetFormatter(formatter logrus.Formatter) {
	log.SetFormatter(formatter)
}

// Named returns a Logger that tags every entry with a "component" field,
// e.g. logger.Named("extract") or logger.Named("apply").
func Named(component string) *Logger {
	return &Logger{entry: log.WithField("component", component)}
}

// Logger is a component-scoped logger returned by Named.
type Logger struct {
	entry *logrus.Entry
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.entry.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.entry.WithFields(toFields(keysAndValues)).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.entry.WithFields(toFields(keysAndValues)).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.entry.WithFields(toFields(keysAndValues)).Error(msg)
}

// Fatal logs at error level and terminates the process. Reserved for the
// CLI entrypoint; library code must never call this.
func Fatal(msg string, keysAndValues ...any) {
	if len(keysAndValues) > 0 {
		log.WithFields(toFields(keysAndValues)).Error(msg)
	} else {
		log.Error(msg)
	}
	os.Exit(1)
}

func toFields(keysAndValues []any) logrus.Fields {
	fields := make(logrus.Fields)
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			key, ok := keysAndValues[i].(string)
			if ok {
				fields[key] = keysAndValues[i+1]
			}
		}
	}
	return fields
}
