package session

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// SlogLoggerFactory adapts pion's logging factory to slog so the ICE
// engine's internals land in the same stream as everything else.
type SlogLoggerFactory struct {
	Base *slog.Logger
}

func (f SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	base := f.Base
	if base == nil {
		base = slog.Default()
	}
	return &slogLeveled{log: base.With("pion", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

// pion's trace level maps onto debug; slog has no finer level.
func (l *slogLeveled) Trace(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveled) Tracef(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Debug(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveled) Debugf(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Info(msg string)                           { l.log.Info(msg) }
func (l *slogLeveled) Infof(format string, args ...interface{})  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Warn(msg string)                           { l.log.Warn(msg) }
func (l *slogLeveled) Warnf(format string, args ...interface{})  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Error(msg string)                          { l.log.Error(msg) }
func (l *slogLeveled) Errorf(format string, args ...interface{}) { l.log.Error(fmt.Sprintf(format, args...)) }
