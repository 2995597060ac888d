package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type slogLogger struct {
	h    slog.Handler
	base []slog.Attr
	// links is the error_links depth, 0 leaves error_links out
	links int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}

	var h slog.Handler = slog.NewTextHandler(w, ho)
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, ho)
	}

	stackAt := opts.StacktraceLevel
	if stackAt == 0 {
		stackAt = slog.LevelError
	}

	l := &slogLogger{
		h:    enrichHandler{next: h, stackAt: stackAt},
		base: []slog.Attr{slog.String("app", opts.App)},
	}
	for _, id := range [][2]string{
		{"component", opts.Component},
		{"version", opts.Version},
		{"commit", opts.Commit},
		{"build_id", opts.BuildId},
	} {
		if id[1] != "" {
			l.base = append(l.base, slog.String(id[0], id[1]))
		}
	}
	if opts.IncludeErrorLinks {
		l.links = opts.MaxErrorLinks
		if l.links <= 0 {
			l.links = 8
		}
	}
	return l, nil
}

// pairs turns alternating key/value arguments into attrs, dropping non-string keys and a dangling key
func pairs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

func (s *slogLogger) With(kv ...any) Logger {
	return &slogLogger{
		h:     s.h,
		base:  append(slices.Clip(s.base), pairs(kv)...),
		links: s.links,
	}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, errorFields(err, s.links)...)
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

// emit must be called directly from a level method so the source pc lands on the caller
func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	var pc [1]uintptr
	// skip Callers, emit and the level method
	runtime.Callers(3, pc[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pc[0])
	r.AddAttrs(s.base...)
	r.AddAttrs(pairs(kv)...)
	_ = s.h.Handle(ctx, r)
}

// enrichHandler stamps trace ids and, at stackAt and above, a stack
type enrichHandler struct {
	next    slog.Handler
	stackAt slog.Level
}

func (h enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.stackAt {
		r.AddAttrs(slog.String("stack", recordStack(r)))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{next: h.next.WithAttrs(attrs), stackAt: h.stackAt}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{next: h.next.WithGroup(name), stackAt: h.stackAt}
}

// recordStack prefers the stack captured on the logged error, otherwise the current one
func recordStack(r slog.Record) string {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if st, ok := a.Value.Any().(stackTracer); ok {
			pcs = st.StackPCs()
		}
		return false
	})
	if len(pcs) == 0 {
		pcs = make([]uintptr, 64)
		pcs = pcs[:runtime.Callers(2, pcs)]
	}
	return renderStack(pcs)
}
