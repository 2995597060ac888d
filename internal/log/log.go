// Package log is the structured logger shared by every cardshare component.
// Records carry the build identity, the active trace ids and, for errors, the
// wrap chain with call sites recorded by internal/xerrors.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App       string
	Component string
	Version   string
	Commit    string
	BuildId   string

	Level slog.Level
	// StacktraceLevel and above get a stack attr, zero means error
	StacktraceLevel slog.Level
	JsonFormat      bool

	IncludeErrorLinks bool
	// MaxErrorLinks bounds error_links, zero means 8
	MaxErrorLinks int

	// Writer defaults to stdout
	Writer io.Writer
}

// New builds the slog-backed Logger, every record carries the build identity from opts.
func New(opts Options) (Logger, error) { return newSlog(opts) }

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
}

type loggerKey struct{}

// WithContext attaches l to ctx for FromContext.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the Logger attached to ctx, or Nop when there is none.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}

// Nop returns a Logger that drops everything, used by tests and optional dependencies.
func Nop() Logger { return discard{} }

type discard struct{}

func (d discard) With(...any) Logger                         { return d }
func (discard) Debug(context.Context, string, ...any)        {}
func (discard) Info(context.Context, string, ...any)         {}
func (discard) Warn(context.Context, string, ...any)         {}
func (discard) Error(context.Context, error, string, ...any) {}
func (discard) Sync() error                                  { return nil }
