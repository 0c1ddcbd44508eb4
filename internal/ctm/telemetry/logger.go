// Package telemetry wires structured logging and OTel tracing/metrics for
// the CTM core, following cmd/task-orchestrator's slog idiom in the teacher
// repository.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logger is the printf-style logging surface every CTM component takes,
// matching the interface implied by the teacher's circuit-breaker call
// sites (logger.Info("[%s] ...", name)).
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	With(component string) Logger
}

type slogLogger struct {
	h         *slog.Logger
	component string
}

// NewLogger builds a Logger backed by log/slog. format is "text" or "json".
func NewLogger(level slog.Level, format string, w *os.File) Logger {
	if w == nil {
		w = os.Stderr
	}
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &slogLogger{h: slog.New(handler)}
}

// ParseLevel maps a CLI/env log-level string to a slog.Level, defaulting to
// info on anything unrecognised (never errors — logging must not be a
// reason for a hook to fail).
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *slogLogger) log(level slog.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	attrs := []any{}
	if l.component != "" {
		attrs = append(attrs, "component", l.component)
	}
	l.h.Log(context.Background(), level, msg, attrs...)
}

func (l *slogLogger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(format string, args ...any) { l.log(slog.LevelError, format, args...) }

func (l *slogLogger) With(component string) Logger {
	return &slogLogger{h: l.h, component: component}
}

// NoopLogger discards everything; useful for tests that don't want log
// noise but still need a Logger to satisfy a constructor.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...any)  {}
func (NoopLogger) Info(string, ...any)   {}
func (NoopLogger) Warn(string, ...any)   {}
func (NoopLogger) Error(string, ...any)  {}
func (n NoopLogger) With(string) Logger  { return n }
