package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/cardshare/internal/health"
	"github.com/keithlinneman/cardshare/internal/httpmw"
	"github.com/keithlinneman/cardshare/internal/log"
	"github.com/keithlinneman/cardshare/internal/xerrors"
)

// DefaultMaxBodyBytes is the router-wide body cap, routes may lower it.
const DefaultMaxBodyBytes = 64 << 10

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 8080

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"
)

// NewHandler returns the public handler: the card routes behind the shared
// middleware stack. main owns the *http.Server so it controls shutdown.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	// first entry sees the request first, nil entries are skipped
	return httpmw.Chain(router(opts),
		// on every response, panics included
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		// the flood guard and the card limiter key on this
		httpmw.ClientIDWithOptions(opts.ClientIDOpts),
		// flooded clients never start a span
		opts.FloodMW,
		traceRequests,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		// innermost so the request logger carries trace ids
		httpmw.WithLogger(opts.Logger),
	)
}

func router(opts Options) chi.Router {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(
		// card payloads are the only sizable responses
		middleware.Compress(5, "application/json"),
		httpmw.AnnotateHTTPRoute,
		httpmw.AccessLog(),
		httpmw.MaxBody(maxBody),
	)

	if opts.Health != nil {
		r.Get(healthyPath, health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get(readyPath, health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// traceRequests starts the server span. Health checks are not traced and
// the provisional span name is replaced by AnnotateHTTPRoute once chi matches.
func traceRequests(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthyPath && r.URL.Path != readyPath
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// callers are browsers, never a trusted upstream
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Server timeout defaults.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	shutdownTimeout          = 5 * time.Second
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and serves NewHandler(opts) in the background.
// The returned stop drains in-flight requests, later calls return the first result.
func Start(ctx context.Context, opts Options) (stop func(context.Context) error, err error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := ":" + strconv.Itoa(port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}
	srv := NewServer(addr, NewHandler(opts))

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, shutdownTimeout)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
