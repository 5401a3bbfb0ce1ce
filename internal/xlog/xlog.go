// Package xlog is certmaster's structured logger: a thin Logger interface
// over log/slog, a colourised terminal handler for interactive use and a
// JSON handler for production, plus a package-level Root logger.
package xlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Logger is the logging interface every component takes by constructor
// injection.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	With(ctx ...any) Logger
}

const levelTrace = slog.Level(-8)

type logger struct {
	inner *slog.Logger
}

// NewLogger wraps an arbitrary slog.Handler as a Logger.
func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) log(level slog.Level, msg string, ctx []any) {
	l.inner.Log(context.Background(), level, msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(levelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(slog.LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(slog.LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(slog.LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.log(slog.LevelError, msg, ctx) }

func (l *logger) With(ctx ...any) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}

var (
	mu   sync.Mutex
	root Logger = NewLogger(NewTerminalHandler(os.Stderr))
)

// SetDefault installs l as the process-wide root logger, in the same way
// SetDefault on any other process-wide logger.
func SetDefault(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

// Root returns the process-wide root logger.
func Root() Logger {
	mu.Lock()
	defer mu.Unlock()
	return root
}

// terminalHandler renders records as a single colourised line, in the
// cadence of a conventional terminal log handler.
type terminalHandler struct {
	out   io.Writer
	mu    sync.Mutex
	attrs []slog.Attr
}

// NewTerminalHandler returns a handler suited for an interactive terminal
// (REPL, foreground worker).
func NewTerminalHandler(out io.Writer) slog.Handler {
	return &terminalHandler{out: out}
}

func (h *terminalHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(h.out, "%s [%s] %-40s", r.Time.Format("01-02|15:04:05.000"), levelString(r.Level), r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value)
		return true
	})
	fmt.Fprintln(h.out)
	return nil
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &terminalHandler{out: h.out, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *terminalHandler) WithGroup(string) slog.Handler { return h }

func levelString(lvl slog.Level) string {
	switch {
	case lvl <= levelTrace:
		return "TRACE"
	case lvl <= slog.LevelDebug:
		return "DEBUG"
	case lvl <= slog.LevelInfo:
		return "INFO "
	case lvl <= slog.LevelWarn:
		return "WARN "
	default:
		return "ERROR"
	}
}

// JSONHandler returns a production-grade structured handler, suitable for
// shipping worker logs to a collector.
func JSONHandler(out io.Writer) slog.Handler {
	return slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: levelTrace,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			}
			return a
		},
	})
}
