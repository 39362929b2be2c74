// Package observability defines shared logging, metrics, and alarm primitives.
package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var (
	loggerMu      sync.RWMutex
	defaultLogger Logger = noopLogger{}
)

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// TextLogger writes key=value formatted lines through a standard library logger.
type TextLogger struct {
	out     *log.Logger
	verbose bool
}

// NewTextLogger constructs a TextLogger writing to stderr. verbose enables Debug output.
func NewTextLogger(prefix string, verbose bool) *TextLogger {
	return &TextLogger{
		out:     log.New(os.Stderr, prefix, log.LstdFlags|log.Lmicroseconds),
		verbose: verbose,
	}
}

// Debug emits a debug-level line when verbose logging is enabled.
func (l *TextLogger) Debug(msg string, fields ...Field) {
	if !l.verbose {
		return
	}
	l.emit("DEBUG", msg, fields)
}

// Info emits an info-level line.
func (l *TextLogger) Info(msg string, fields ...Field) { l.emit("INFO", msg, fields) }

// Warn emits a warning-level line.
func (l *TextLogger) Warn(msg string, fields ...Field) { l.emit("WARN", msg, fields) }

// Error emits an error-level line.
func (l *TextLogger) Error(msg string, fields ...Field) { l.emit("ERROR", msg, fields) }

func (l *TextLogger) emit(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", f.Value)
	}
	l.out.Print(b.String())
}
