package opshttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/keithlinneman/cardshare/internal/health"
	"github.com/keithlinneman/cardshare/internal/httpmw"
	"github.com/keithlinneman/cardshare/internal/log"
	"github.com/keithlinneman/cardshare/internal/xerrors"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 9000

// NewHandler serves /metrics, /-/healthy, /-/ready and, when enabled, pprof.
// Requests from public addresses are refused before any route runs.
func NewHandler(L log.Logger, opts Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("/-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("/-/ready", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		// the subtree must not fall through to another handler
		mux.Handle("/debug/pprof/", http.NotFoundHandler())
	}

	var h http.Handler = mux
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return privateOnly(L, h)
}

// Start listens on opts.Port and serves NewHandler in the background. stop
// shuts the listener down gracefully, later calls return the first result.
func Start(ctx context.Context, L log.Logger, opts Options) (stop func(context.Context) error, err error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := ":" + strconv.Itoa(port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen for ops server on %s", addr)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// a cpu profile streams for 30s by default
		WriteTimeout:   time.Minute,
		IdleTimeout:    time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}

// RegisterPprof mounts the net/http/pprof handlers under /debug/pprof/.
func RegisterPprof(mux *http.ServeMux) {
	for path, fn := range map[string]http.HandlerFunc{
		"/debug/pprof/":        pprof.Index,
		"/debug/pprof/cmdline": pprof.Cmdline,
		"/debug/pprof/profile": pprof.Profile,
		"/debug/pprof/symbol":  pprof.Symbol,
		"/debug/pprof/trace":   pprof.Trace,
	} {
		mux.Handle(path, fn)
	}
}

// privatePeer reports whether remoteAddr is loopback, private or link-local.
func privatePeer(remoteAddr string) (netip.Addr, bool) {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	ip := ap.Addr().Unmap()
	return ip, ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// privateOnly refuses peers on public networks, the ops port carries pprof.
func privateOnly(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ok := privatePeer(r.RemoteAddr)
		if !ok {
			L.Warn(r.Context(), "ops request from public or unparseable peer rejected",
				"remote_addr", r.RemoteAddr,
				"network.peer.address", ip.String(),
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
