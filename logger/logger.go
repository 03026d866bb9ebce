// Package logger wraps log/slog with component and function scoping.
//
//	log := logger.New("billing").Function("ExecuteGroupBilling")
//	log.Info("starting run", "period", key)
//	return log.Err("failed to create invoice", err, "payer", id)
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var base atomic.Pointer[slog.Logger]

func init() {
	base.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// Setup replaces the process-wide handler. format is "json" or "text".
func Setup(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	l := slog.New(h)
	base.Store(l)
	slog.SetDefault(l)
}

// Discard silences all output. Used by tests.
func Discard() {
	base.Store(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Logger is a component-scoped structured logger.
type Logger struct {
	component string
	function  string
}

// New returns a logger for a component.
func New(component string) Logger {
	return Logger{component: component}
}

// Function returns a copy scoped to a function name.
func (l Logger) Function(name string) Logger {
	l.function = name
	return l
}

func (l Logger) attrs(args []any) []any {
	out := make([]any, 0, len(args)+4)
	out = append(out, "component", l.component)
	if l.function != "" {
		out = append(out, "function", l.function)
	}
	return append(out, args...)
}

func (l Logger) Debug(msg string, args ...any) { base.Load().Debug(msg, l.attrs(args)...) }
func (l Logger) Info(msg string, args ...any)  { base.Load().Info(msg, l.attrs(args)...) }
func (l Logger) Warn(msg string, args ...any)  { base.Load().Warn(msg, l.attrs(args)...) }

// Er logs an error without returning one.
func (l Logger) Er(msg string, err error, args ...any) {
	base.Load().Error(msg, l.attrs(append(args, "error", err))...)
}

// Err logs an error and returns it wrapped with msg.
func (l Logger) Err(msg string, err error, args ...any) error {
	l.Er(msg, err, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

// Error logs msg with attributes and returns it as an error.
func (l Logger) Error(msg string, args ...any) error {
	base.Load().Error(msg, l.attrs(args)...)
	return errors.New(msg)
}

// ErrMsg logs msg and returns it as an error.
func (l Logger) ErrMsg(msg string) error {
	return l.Error(msg)
}
