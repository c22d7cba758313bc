// Package observability defines shared logging and metrics primitives.
package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a logging field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger atomic.Pointer[loggerBox]

type loggerBox struct{ l Logger }

func init() {
	defaultLogger.Store(&loggerBox{l: noopLogger{}})
}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger.Store(&loggerBox{l: noopLogger{}})
		return
	}
	defaultLogger.Store(&loggerBox{l: logger})
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger.Load().l
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger writes structured lines through the standard library logger.
// Debug output is suppressed unless verbose mode is enabled.
type StdLogger struct {
	out     *log.Logger
	verbose atomic.Bool
}

// NewStdLogger constructs a stderr-backed logger.
func NewStdLogger(verbose bool) *StdLogger {
	l := &StdLogger{out: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
	l.verbose.Store(verbose)
	return l
}

// SetVerbose toggles debug-level output at runtime.
func (l *StdLogger) SetVerbose(enabled bool) {
	l.verbose.Store(enabled)
}

// Verbose reports whether debug-level output is enabled.
func (l *StdLogger) Verbose() bool {
	return l.verbose.Load()
}

// Debug logs at debug level when verbose mode is on.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.verbose.Load() {
		return
	}
	l.out.Println(render("DEBUG", msg, fields))
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.out.Println(render("INFO", msg, fields))
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.out.Println(render("ERROR", msg, fields))
}

func render(level, msg string, fields []Field) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		fmt.Fprintf(&b, "%v", f.Value)
	}
	return b.String()
}
