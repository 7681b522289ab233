// Package logger provides structured, level-gated logging for the service.
//
// Each entry carries the emitting module and a short snake_case action so
// lines can be filtered without parsing the message. The console format is
//
//	2006-01-02 15:04:05.000 WRN ANALYZER recognizer_failed pattern: boom
//
// and the JSON format emits the same data as fields
// (time, level, module, action, message).
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are silently dropped.
//
// Usage:
//
//	log := logger.New("ANALYZER", cfg.LogLevel)
//	log.Info("initialized", "3 recognizers ready")
//	log.Warnf("recognizer_failed", "%s: %v", name, err)
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Level represents a log severity.
type Level int

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const timeFormat = "2006-01-02 15:04:05.000"

var (
	outputMu sync.RWMutex
	output   io.Writer = consoleWriter(os.Stderr)
)

// Configure selects the process-wide sink for loggers created afterwards.
// format is "json" or "console" (default).
func Configure(format string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	if strings.EqualFold(format, "json") {
		output = w
		return
	}
	output = consoleWriter(w)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:           w,
		NoColor:       true,
		TimeFormat:    timeFormat,
		PartsOrder:    []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, "module", "action", zerolog.MessageFieldName},
		FieldsExclude: []string{"module", "action"},
	}
}

// Logger writes structured log lines for a single module.
type Logger struct {
	module string
	level  Level
	zl     zerolog.Logger
}

// New creates a Logger for the given module, gated at the given level string.
// Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()
	return newWithWriter(module, levelStr, w)
}

func newWithWriter(module, levelStr string, w io.Writer) *Logger {
	module = strings.ToUpper(module)
	return &Logger{
		module: module,
		level:  parseLevel(levelStr),
		zl:     zerolog.New(w).With().Timestamp().Str("module", module).Logger(),
	}
}

// Module returns the upper-cased module name.
func (l *Logger) Module() string { return l.module }

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(levelStr string) {
	l.level = parseLevel(levelStr)
}

// WithContext returns a copy of l that stamps trace_id and span_id on every
// entry when ctx carries a valid span.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return l
	}
	cp := *l
	cp.zl = l.zl.With().Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String()).Logger()
	return &cp
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(LevelInfo, action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(LevelWarn, action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(LevelError, action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	if l.enabled(LevelDebug) {
		l.Debug(action, fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	if l.enabled(LevelInfo) {
		l.Info(action, fmt.Sprintf(format, args...))
	}
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

func (l *Logger) enabled(level Level) bool { return level >= l.level }

func (l *Logger) write(level Level, action, msg string) {
	if !l.enabled(level) {
		return
	}
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.zl.Debug()
	case LevelInfo:
		ev = l.zl.Info()
	case LevelWarn:
		ev = l.zl.Warn()
	default:
		ev = l.zl.Error()
	}
	ev.Str("action", action).Msg(msg)
}

// parseLevel converts a string to a Level, defaulting to LevelInfo.
func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
