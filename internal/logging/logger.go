// Package logging provides a small component-tagged wrapper around slog,
// matching the tagged-logger convention used throughout the core.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

var base = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetLevel adjusts the process-wide minimum log level.
func SetLevel(level slog.Level) {
	base = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Logger is a component-scoped logger. The zero value is not usable;
// construct with NewComponentLogger.
type Logger struct {
	component string
	kv        []any
}

// NewComponentLogger returns a Logger tagged with component, the value
// every log line emits under the "component" key.
func NewComponentLogger(component string) *Logger {
	return &Logger{component: component}
}

// With returns a derived Logger carrying additional key-value pairs on
// every subsequent line, without mutating the receiver.
func (l *Logger) With(kv ...any) *Logger {
	merged := make([]any, 0, len(l.kv)+len(kv))
	merged = append(merged, l.kv...)
	merged = append(merged, kv...)
	return &Logger{component: l.component, kv: merged}
}

func (l *Logger) log(ctx context.Context, level slog.Level, format string, args ...any) {
	attrs := make([]any, 0, len(l.kv)+2)
	attrs = append(attrs, "component", l.component)
	attrs = append(attrs, l.kv...)
	base.Log(ctx, level, sprintf(format, args...), attrs...)
}

func (l *Logger) Debug(format string, args ...any) { l.log(context.Background(), slog.LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(context.Background(), slog.LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(context.Background(), slog.LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(context.Background(), slog.LevelError, format, args...) }

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
