package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Level represents the severity level of a log message
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// Logger interface defines the logging contract
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithContext(ctx context.Context) Logger
	WithFields(fields ...Field) Logger
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Options controls the output of New.
type Options struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// logger is the default implementation, backed by log/slog
type logger struct {
	level  Level
	base   *slog.Logger
	fields []Field
	ctx    context.Context
}

// New creates a new text logger writing to stderr
func New(level string) Logger {
	return NewWithOptions(Options{Level: level})
}

// NewWithOptions creates a logger with an explicit format and writer
func NewWithOptions(opts Options) Logger {
	lvl := ParseLevel(opts.Level)
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: toSlogLevel(lvl)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return &logger{
		level:  lvl,
		base:   slog.New(handler),
		fields: []Field{},
		ctx:    context.Background(),
	}
}

// NewNop returns a logger that discards everything
func NewNop() Logger {
	return NewWithOptions(Options{Level: "fatal", Output: io.Discard})
}

// ParseLevel maps a configuration string to a Level, defaulting to info
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// WithContext creates a new logger with context
func (l *logger) WithContext(ctx context.Context) Logger {
	return &logger{
		level:  l.level,
		base:   l.base,
		fields: l.fields,
		ctx:    ctx,
	}
}

// WithFields creates a new logger with additional fields
func (l *logger) WithFields(fields ...Field) Logger {
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)

	return &logger{
		level:  l.level,
		base:   l.base,
		fields: newFields,
		ctx:    l.ctx,
	}
}

// Debug logs a debug message
func (l *logger) Debug(msg string, fields ...Field) {
	if l.level <= DebugLevel {
		l.log(slog.LevelDebug, msg, fields...)
	}
}

// Info logs an info message
func (l *logger) Info(msg string, fields ...Field) {
	if l.level <= InfoLevel {
		l.log(slog.LevelInfo, msg, fields...)
	}
}

// Warn logs a warning message
func (l *logger) Warn(msg string, fields ...Field) {
	if l.level <= WarnLevel {
		l.log(slog.LevelWarn, msg, fields...)
	}
}

// Error logs an error message
func (l *logger) Error(msg string, fields ...Field) {
	if l.level <= ErrorLevel {
		l.log(slog.LevelError, msg, fields...)
	}
}

// Fatal logs a fatal message and exits
func (l *logger) Fatal(msg string, fields ...Field) {
	l.log(slog.LevelError+4, msg, fields...)
	os.Exit(1)
}

func (l *logger) log(level slog.Level, msg string, fields ...Field) {
	attrs := make([]slog.Attr, 0, len(l.fields)+len(fields)+2)
	for _, f := range l.fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}

	// Correlate with the active span, if any
	if span := trace.SpanContextFromContext(l.ctx); span.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", span.TraceID().String()),
			slog.String("span_id", span.SpanID().String()))
	}

	l.base.LogAttrs(l.ctx, level, msg, attrs...)
}

func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	case FatalLevel:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// Helper functions for creating fields
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
