package logger

import (
	"github.com/pion/logging"
	log "github.com/sirupsen/logrus"
)

// PionFactory implements logging.LoggerFactory on top of a logrus logger.
// Every scope gets its own entry tagged with a "scope" field; ScopeLevels
// lowers or raises individual pion scopes below the logger's own level.
type PionFactory struct {
	Logger      *log.Logger
	ScopeLevels map[string]log.Level
}

// NewPionFactory returns a factory writing to l. pion's internals are chatty
// at debug level, so scopes default to warn unless overridden.
func NewPionFactory(l *log.Logger) *PionFactory {
	return &PionFactory{Logger: l}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	level := log.WarnLevel
	if lvl, ok := f.ScopeLevels[scope]; ok {
		level = lvl
	}
	return &pionLogger{
		entry: f.Logger.WithField("scope", scope),
		level: level,
	}
}

type pionLogger struct {
	entry *log.Entry
	level log.Level
}

func (l *pionLogger) enabled(level log.Level) bool {
	return level <= l.level && l.entry.Logger.IsLevelEnabled(level)
}

func (l *pionLogger) Trace(msg string) {
	if l.enabled(log.TraceLevel) {
		l.entry.Trace(msg)
	}
}

func (l *pionLogger) Tracef(format string, args ...interface{}) {
	if l.enabled(log.TraceLevel) {
		l.entry.Tracef(format, args...)
	}
}

func (l *pionLogger) Debug(msg string) {
	if l.enabled(log.DebugLevel) {
		l.entry.Debug(msg)
	}
}

func (l *pionLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(log.DebugLevel) {
		l.entry.Debugf(format, args...)
	}
}

func (l *pionLogger) Info(msg string) {
	if l.enabled(log.InfoLevel) {
		l.entry.Info(msg)
	}
}

func (l *pionLogger) Infof(format string, args ...interface{}) {
	if l.enabled(log.InfoLevel) {
		l.entry.Infof(format, args...)
	}
}

func (l *pionLogger) Warn(msg string) {
	if l.enabled(log.WarnLevel) {
		l.entry.Warn(msg)
	}
}

func (l *pionLogger) Warnf(format string, args ...interface{}) {
	if l.enabled(log.WarnLevel) {
		l.entry.Warnf(format, args...)
	}
}

func (l *pionLogger) Error(msg string) {
	if l.enabled(log.ErrorLevel) {
		l.entry.Error(msg)
	}
}

func (l *pionLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(log.ErrorLevel) {
		l.entry.Errorf(format, args...)
	}
}
