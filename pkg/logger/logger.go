// Package logger provides structured logging for Eventflow.
// It uses zerolog for high-performance, structured JSON logging.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Severity represents a log severity level. Higher values are more verbose.
type Severity int

// Severity levels
const (
	SeverityNone Severity = iota
	SeverityFatal
	SeverityError
	SeverityWarning
	SeverityInfo
	SeverityDebug
)

// String returns the severity name
func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityDebug:
		return "debug"
	default:
		return "none"
	}
}

func (s Severity) zerologLevel() zerolog.Level {
	switch s {
	case SeverityFatal:
		return zerolog.FatalLevel
	case SeverityError:
		return zerolog.ErrorLevel
	case SeverityWarning:
		return zerolog.WarnLevel
	case SeverityInfo:
		return zerolog.InfoLevel
	case SeverityDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.Disabled
	}
}

// SeverityFromEnv reads the minimum severity from the LOG_LEVEL environment
// variable. An event is emitted when its numeric severity is at or below the
// minimum, i.e. when it is at least as important (Fatal=1 ... Debug=5).
// Unknown values fall back to Debug and emit a single warning.
func SeverityFromEnv() Severity {
	return ParseSeverity(os.Getenv("LOG_LEVEL"))
}

// ParseSeverity parses the LOG_LEVEL grammar:
// none|0|false, debug|d|5, info|i|4|"", warn|w|3, error|e|2, fatal|f|1.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "0", "false":
		return SeverityNone
	case "debug", "d", "5":
		return SeverityDebug
	case "info", "i", "4", "":
		return SeverityInfo
	case "warn", "w", "3":
		return SeverityWarning
	case "error", "e", "2":
		return SeverityError
	case "fatal", "f", "1":
		return SeverityFatal
	default:
		fmt.Fprintf(os.Stderr, "eventflow: unknown LOG_LEVEL %q, using debug\n", raw)
		return SeverityDebug
	}
}

// Logger wraps zerolog.Logger with the framework logging contract
type Logger struct {
	zl  zerolog.Logger
	min Severity
}

// New creates a new Logger writing to output at the given minimum severity
func New(min Severity, format string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	if format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Level(min.zerologLevel()).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(output).Level(min.zerologLevel()).With().Timestamp().Logger()
	}

	return &Logger{zl: zl, min: min}
}

// Default creates a logger configured from the LOG_LEVEL environment variable
func Default() *Logger {
	return New(SeverityFromEnv(), "json", os.Stdout)
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), min: SeverityNone}
}

// Log emits a message at the given severity with structured context fields
func (l *Logger) Log(severity Severity, message string, fields map[string]interface{}) {
	if severity == SeverityNone || severity > l.min {
		return
	}
	ev := l.zl.WithLevel(severity.zerologLevel())
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(message)
}

// WithFields returns a child logger with the fields attached to every event
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger(), min: l.min}
}

// With returns a new logger context builder
func (l *Logger) With() *LoggerContext {
	return &LoggerContext{ctx: l.zl.With(), min: l.min}
}

// LoggerContext is a helper for building log context
type LoggerContext struct {
	ctx zerolog.Context
	min Severity
}

// Str adds a string field
func (c *LoggerContext) Str(key, value string) *LoggerContext {
	c.ctx = c.ctx.Str(key, value)
	return c
}

// Int adds an integer field
func (c *LoggerContext) Int(key string, value int) *LoggerContext {
	c.ctx = c.ctx.Int(key, value)
	return c
}

// Int64 adds an int64 field
func (c *LoggerContext) Int64(key string, value int64) *LoggerContext {
	c.ctx = c.ctx.Int64(key, value)
	return c
}

// Err adds an error field
func (c *LoggerContext) Err(err error) *LoggerContext {
	c.ctx = c.ctx.Err(err)
	return c
}

// Logger returns a new logger with the context applied
func (c *LoggerContext) Logger() *Logger {
	return &Logger{zl: c.ctx.Logger(), min: c.min}
}

// Debug logs at debug level
func (l *Logger) Debug() *LogEvent {
	return &LogEvent{event: l.zl.Debug()}
}

// Info logs at info level
func (l *Logger) Info() *LogEvent {
	return &LogEvent{event: l.zl.Info()}
}

// Warn logs at warning level
func (l *Logger) Warn() *LogEvent {
	return &LogEvent{event: l.zl.Warn()}
}

// Error logs at error level
func (l *Logger) Error() *LogEvent {
	return &LogEvent{event: l.zl.Error()}
}

// Fatal logs at fatal level and exits
func (l *Logger) Fatal() *LogEvent {
	return &LogEvent{event: l.zl.Fatal()}
}

// LogEvent wraps a zerolog.Event
type LogEvent struct {
	event *zerolog.Event
}

// Str adds a string field
func (e *LogEvent) Str(key, value string) *LogEvent {
	e.event = e.event.Str(key, value)
	return e
}

// Int adds an integer field
func (e *LogEvent) Int(key string, value int) *LogEvent {
	e.event = e.event.Int(key, value)
	return e
}

// Int64 adds an int64 field
func (e *LogEvent) Int64(key string, value int64) *LogEvent {
	e.event = e.event.Int64(key, value)
	return e
}

// Float64 adds a float64 field
func (e *LogEvent) Float64(key string, value float64) *LogEvent {
	e.event = e.event.Float64(key, value)
	return e
}

// Bool adds a boolean field
func (e *LogEvent) Bool(key string, value bool) *LogEvent {
	e.event = e.event.Bool(key, value)
	return e
}

// Err adds an error field
func (e *LogEvent) Err(err error) *LogEvent {
	e.event = e.event.Err(err)
	return e
}

// Interface adds an interface{} field
func (e *LogEvent) Interface(key string, value interface{}) *LogEvent {
	e.event = e.event.Interface(key, value)
	return e
}

// Dur adds a duration field
func (e *LogEvent) Dur(key string, d time.Duration) *LogEvent {
	e.event = e.event.Dur(key, d)
	return e
}

// Msg sends the log event with a message
func (e *LogEvent) Msg(msg string) {
	e.event.Msg(msg)
}

// Msgf sends the log event with a formatted message
func (e *LogEvent) Msgf(format string, v ...interface{}) {
	e.event.Msgf(format, v...)
}
