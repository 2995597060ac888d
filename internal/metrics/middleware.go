package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// recorder remembers the status and body size a handler produced
type recorder struct {
	http.ResponseWriter
	code  int
	bytes int
}

func (rec *recorder) WriteHeader(code int) {
	rec.code = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(p []byte) (int, error) {
	if rec.code == 0 {
		rec.code = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(p)
	rec.bytes += n
	return n, err
}

func (rec *recorder) status() int {
	if rec.code == 0 {
		return http.StatusOK
	}
	return rec.code
}

// Middleware records the http_* families for every request. Routes are
// labelled by chi pattern, e.g. /api/cards/{id}, never by raw path.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the router fills this in, it has to exist before next runs
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.http.inflight.Inc()
		defer m.http.inflight.Dec()

		began := time.Now()
		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		m.observeRequest(r.Context(), r.Method, routeLabel(r.Context()), rec, time.Since(began))
	})
}

func (m *ServerMetrics) observeRequest(ctx context.Context, method, route string, rec *recorder, took time.Duration) {
	code := rec.status()
	m.http.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	if code >= http.StatusInternalServerError {
		m.http.errors.WithLabelValues(method, route).Inc()
	}

	dur := m.http.duration.WithLabelValues(method, route)
	eo, canExemplar := dur.(prometheus.ExemplarObserver)
	if ex := traceExemplar(ctx); ex != nil && canExemplar {
		eo.ObserveWithExemplar(took.Seconds(), ex)
	} else {
		dur.Observe(took.Seconds())
	}

	m.http.respBytes.WithLabelValues(method, route).Observe(float64(rec.bytes))
}

func routeLabel(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// traceExemplar links a latency sample to its trace when the request was sampled
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
