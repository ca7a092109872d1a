package main

import (
	"github.com/apex/log"
	"github.com/pion/logging"
)

// loggerFactory routes the emulator's pion loggers into apex/log, tagging
// every entry with the component scope.
type loggerFactory struct {
	log log.Interface
}

var _ logging.LoggerFactory = loggerFactory{}

func newLoggerFactory(l log.Interface) loggerFactory {
	return loggerFactory{log: l}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{entry: f.log.WithField("scope", scope)}
}

// scopedLogger implements logging.LeveledLogger. apex/log has no trace
// level; trace goes to debug.
type scopedLogger struct {
	entry *log.Entry
}

func (l scopedLogger) Trace(msg string)                  { l.entry.Debug(msg) }
func (l scopedLogger) Tracef(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l scopedLogger) Debug(msg string)                  { l.entry.Debug(msg) }
func (l scopedLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l scopedLogger) Info(msg string)                   { l.entry.Info(msg) }
func (l scopedLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l scopedLogger) Warn(msg string)                   { l.entry.Warn(msg) }
func (l scopedLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l scopedLogger) Error(msg string)                  { l.entry.Error(msg) }
func (l scopedLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

