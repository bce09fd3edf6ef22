package core

import (
	"fmt"
	"log"
	"os"
)

// Logger is the logging abstraction used across stator components.
// Implementations must be safe for concurrent use.
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})
}

// defaultLogger implements Logger on top of Go's standard log package.
// Errors and warnings go to stderr, the rest to stdout.
type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
}

// NewDefaultLogger creates the standard stator logger.
func NewDefaultLogger() Logger {
	return NewPrefixLogger("")
}

// NewPrefixLogger creates a default logger whose lines carry a component
// tag, e.g. "[WARN] (sweeper) ...". An empty component behaves like
// NewDefaultLogger.
func NewPrefixLogger(component string) Logger {
	tag := func(level string) string {
		if component == "" {
			return "[" + level + "] "
		}
		return "[" + level + "] (" + component + ") "
	}
	return &defaultLogger{
		errorLogger: log.New(os.Stderr, tag("ERROR"), log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(os.Stderr, tag("WARN"), log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(os.Stdout, tag("INFO"), log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(os.Stdout, tag("DEBUG"), log.LstdFlags|log.Lshortfile),
	}
}

func (l *defaultLogger) Error(args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Warn(args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Info(args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Debug(args ...interface{}) {
	l.debugLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.debugLogger.Output(3, fmt.Sprintf(format, args...))
}

// nopLogger discards everything. Useful in tests and benchmarks.
type nopLogger struct{}

// NewNopLogger returns a Logger that discards all output.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Error(...interface{})          {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warn(...interface{})           {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Info(...interface{})           {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debug(...interface{})          {}
func (nopLogger) Debugf(string, ...interface{}) {}
