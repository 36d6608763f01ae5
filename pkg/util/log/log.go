// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log implements a logging facade over seelog so the rest of the
// agent never touches the backend directly. The level and the underlying
// logger can be swapped at runtime.
package log

import (
	"fmt"
	"sync"

	"github.com/cihub/seelog"
)

// AgentLogger wraps a seelog logger behind a mutex so the backend can be
// replaced while other goroutines are logging.
type AgentLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

var logger = &AgentLogger{
	inner: seelog.Default,
	level: seelog.InfoLvl,
}

// SetupLogger configures the package-level logger.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(level)
	if !ok {
		lvl = seelog.InfoLvl
	}

	logger.l.Lock()
	defer logger.l.Unlock()
	logger.inner = l
	logger.level = lvl
}

// GetLogLevel returns the current log level.
func GetLogLevel() seelog.LogLevel {
	logger.l.RLock()
	defer logger.l.RUnlock()
	return logger.level
}

func (al *AgentLogger) shouldLog(lvl seelog.LogLevel) (seelog.LoggerInterface, bool) {
	al.l.RLock()
	defer al.l.RUnlock()
	if lvl < al.level || al.inner == nil {
		return nil, false
	}
	return al.inner, true
}

// Trace logs at the trace level.
func Trace(v ...interface{}) {
	if l, ok := logger.shouldLog(seelog.TraceLvl); ok {
		l.Trace(v...)
	}
}

// Tracef logs with format at the trace level.
func Tracef(format string, params ...interface{}) {
	if l, ok := logger.shouldLog(seelog.TraceLvl); ok {
		l.Tracef(format, params...)
	}
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if l, ok := logger.shouldLog(seelog.DebugLvl); ok {
		l.Debug(v...)
	}
}

// Debugf logs with format at the debug level.
func Debugf(format string, params ...interface{}) {
	if l, ok := logger.shouldLog(seelog.DebugLvl); ok {
		l.Debugf(format, params...)
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if l, ok := logger.shouldLog(seelog.InfoLvl); ok {
		l.Info(v...)
	}
}

// Infof logs with format at the info level.
func Infof(format string, params ...interface{}) {
	if l, ok := logger.shouldLog(seelog.InfoLvl); ok {
		l.Infof(format, params...)
	}
}

// Warn logs at the warn level and returns an error containing the formated
// log message so callers can both log and propagate.
func Warn(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	if l, ok := logger.shouldLog(seelog.WarnLvl); ok {
		l.Warn(v...) //nolint:errcheck
	}
	return err
}

// Warnf logs with format at the warn level and returns an error containing
// the formated log message.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if l, ok := logger.shouldLog(seelog.WarnLvl); ok {
		l.Warnf(format, params...) //nolint:errcheck
	}
	return err
}

// Error logs at the error level and returns an error containing the formated
// log message.
func Error(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	if l, ok := logger.shouldLog(seelog.ErrorLvl); ok {
		l.Error(v...) //nolint:errcheck
	}
	return err
}

// Errorf logs with format at the error level and returns an error containing
// the formated log message.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if l, ok := logger.shouldLog(seelog.ErrorLvl); ok {
		l.Errorf(format, params...) //nolint:errcheck
	}
	return err
}

// Critical logs at the critical level and returns an error containing the
// formated log message.
func Critical(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	if l, ok := logger.shouldLog(seelog.CriticalLvl); ok {
		l.Critical(v...) //nolint:errcheck
	}
	return err
}

// Criticalf logs with format at the critical level and returns an error
// containing the formated log message.
func Criticalf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if l, ok := logger.shouldLog(seelog.CriticalLvl); ok {
		l.Criticalf(format, params...) //nolint:errcheck
	}
	return err
}

// Flush flushes the underlying logger.
func Flush() {
	logger.l.RLock()
	defer logger.l.RUnlock()
	if logger.inner != nil {
		logger.inner.Flush()
	}
}
