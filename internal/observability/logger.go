// Package observability defines shared logging and metrics primitives.
package observability

import "log"

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
func F(key string, value any) Field { return Field{Key: key, Value: value} }

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger routes structured records to the standard library logger.
type StdLogger struct {
	Verbose bool
}

func (l StdLogger) Debug(msg string, fields ...Field) {
	if l.Verbose {
		l.emit("DEBUG", msg, fields)
	}
}

func (l StdLogger) Info(msg string, fields ...Field)  { l.emit("INFO", msg, fields) }
func (l StdLogger) Warn(msg string, fields ...Field)  { l.emit("WARN", msg, fields) }
func (l StdLogger) Error(msg string, fields ...Field) { l.emit("ERROR", msg, fields) }

func (StdLogger) emit(level, msg string, fields []Field) {
	if len(fields) == 0 {
		log.Printf("%s %s", level, msg)
		return
	}
	args := make([]any, 0, len(fields))
	format := "%s %s"
	for _, f := range fields {
		format += " " + f.Key + "=%v"
		args = append(args, f.Value)
	}
	log.Printf(format, append([]any{level, msg}, args...)...)
}
