package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errNoHijack = errors.New("httpmw: response writer cannot hijack")

// accessWriter records what the handler sent. When the request span is
// recording it also opens a response.write child span on the first byte,
// carrying time to first byte and the time spent blocked on the client.
type accessWriter struct {
	http.ResponseWriter

	code  int
	bytes int64

	ctx     context.Context
	began   time.Time
	wrote   bool
	span    trace.Span
	blocked time.Duration
	err     error
}

func newAccessWriter(w http.ResponseWriter, r *http.Request) *accessWriter {
	return &accessWriter{ResponseWriter: w, ctx: r.Context(), began: time.Now()}
}

func (aw *accessWriter) status() int {
	if aw.code == 0 {
		return http.StatusOK
	}
	return aw.code
}

func (aw *accessWriter) firstWrite() {
	if aw.wrote {
		return
	}
	aw.wrote = true
	if !trace.SpanFromContext(aw.ctx).IsRecording() {
		return
	}
	ttfb := time.Since(aw.began).Seconds()
	aw.ctx, aw.span = otel.Tracer("cardshare/httpmw").Start(aw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", ttfb)))
}

// end closes the response.write span if one was opened
func (aw *accessWriter) end() {
	if aw.span == nil {
		return
	}
	aw.span.SetAttributes(
		attribute.Int("http.response.status_code", aw.status()),
		attribute.Int64("http.response.body.size", aw.bytes),
		attribute.Float64("http.server.write.block_seconds", aw.blocked.Seconds()),
	)
	if aw.err != nil {
		aw.span.RecordError(aw.err)
		aw.span.SetStatus(codes.Error, aw.err.Error())
	}
	aw.span.End()
}

func (aw *accessWriter) WriteHeader(code int) {
	aw.firstWrite()
	aw.code = code
	t := time.Now()
	aw.ResponseWriter.WriteHeader(code)
	aw.blocked += time.Since(t)
}

func (aw *accessWriter) Write(p []byte) (int, error) {
	aw.firstWrite()
	if aw.code == 0 {
		aw.code = http.StatusOK
	}
	t := time.Now()
	n, err := aw.ResponseWriter.Write(p)
	aw.blocked += time.Since(t)
	aw.bytes += int64(n)
	if aw.err == nil {
		aw.err = err
	}
	return n, err
}

func (aw *accessWriter) Flush() {
	if f, ok := aw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (aw *accessWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := aw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errNoHijack
}
