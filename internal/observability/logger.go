// Package observability defines shared logging primitives.
package observability

// Logger captures structured logging behaviours shared across layers.
// Components receive a Logger at construction time.
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

// Err wraps an error as a log field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Nop returns a logger that discards every entry.
func Nop() Logger {
	return noopLogger{}
}

// OrNop returns logger, or a discarding logger when nil.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
