package httpmw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/cardshare/internal/log"
)

// WithLogger stores a request scoped logger in the context. Only values we
// control or have normalized are attached: query strings, headers and the
// Host header are left out.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			fields := requestFields(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", fields.requestID),
					attribute.String("client.address", fields.client),
					attribute.String("network.peer.address", fields.peer),
					attribute.String("url.scheme", fields.scheme),
				)
			}

			L := base.With(
				"request_id", fields.requestID,
				"client.address", fields.client,
				"network.peer.address", fields.peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", fields.scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

type reqFields struct {
	requestID string
	// client is the rate limit identity, peer the connecting load balancer
	client, peer string
	scheme       string
}

func requestFields(r *http.Request) reqFields {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	return reqFields{
		requestID: RequestIDFromContext(r.Context()),
		client:    ClientIDFromContext(r.Context()),
		peer:      peer,
		scheme:    schemeFromRequest(r),
	}
}

// unlogged paths are polled by the load balancer
var unlogged = map[string]bool{"/-/ready": true, "/-/healthy": true}

// AccessLog writes one "http request" line per request once the handler
// returns, through the logger WithLogger placed in the context.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			aw := newAccessWriter(w, r)
			next.ServeHTTP(aw, r)
			aw.end()

			if unlogged[r.URL.Path] {
				return
			}
			ctx := r.Context()
			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", aw.status(),
				"http.server.request.duration", time.Since(aw.began).Seconds(),
				"http.response.body.size", aw.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", RoutePattern(r),
			)
		})
	}
}

// schemeFromRequest prefers X-Forwarded-Proto from the load balancer, then the
// URL, then the TLS state. Anything but http or https is ignored.
func schemeFromRequest(r *http.Request) string {
	known := func(s string) (string, bool) {
		s = strings.ToLower(strings.TrimSpace(s))
		return s, s == "http" || s == "https"
	}
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s, ok := known(first); ok {
			return s
		}
	}
	if r.URL != nil {
		if s, ok := known(r.URL.Scheme); ok {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the card handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := log.WithContext(r.Context(), log.FromContext(r.Context()).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
