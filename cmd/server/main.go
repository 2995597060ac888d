package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/cardshare/internal/card"
	"github.com/keithlinneman/cardshare/internal/cardhttp"
	"github.com/keithlinneman/cardshare/internal/cfg"
	"github.com/keithlinneman/cardshare/internal/health"
	"github.com/keithlinneman/cardshare/internal/httpmw"
	"github.com/keithlinneman/cardshare/internal/httpserver"
	"github.com/keithlinneman/cardshare/internal/log"
	"github.com/keithlinneman/cardshare/internal/metrics"
	"github.com/keithlinneman/cardshare/internal/opshttp"
	"github.com/keithlinneman/cardshare/internal/otelx"
	"github.com/keithlinneman/cardshare/internal/prof"
	"github.com/keithlinneman/cardshare/internal/ratelimit"
	"github.com/keithlinneman/cardshare/internal/secrets"
	"github.com/keithlinneman/cardshare/internal/store/memory"
	"github.com/keithlinneman/cardshare/internal/store/postgres"
	v "github.com/keithlinneman/cardshare/internal/version"
	"github.com/keithlinneman/cardshare/internal/xerrors"
)

const (
	component = "server"

	// a few load balancer health check intervals
	drainPeriod     = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	storePingBudget = 2 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	vi := v.Get()
	conf, exit, done := parseConfig(vi)
	if done {
		return exit
	}

	L, err := newLogger(conf, vi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer L.Sync()

	// cancelled only after the listeners stop, so sweeps run through the drain
	ctx, cancelRun := context.WithCancel(log.WithContext(context.Background(), L))
	defer cancelRun()

	L.Info(ctx, "starting cardshare",
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"store", conf.Store,
		"create_limit", conf.CreateLimit,
		"delete_limit", conf.DeleteLimit,
		"rate_limit_window", conf.RateLimitWindow,
		"flood_rate", conf.FloodRate,
		"flood_burst", conf.FloodBurst,
		"trusted_proxy_header", conf.TrustedProxyHeader,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_pprof", conf.EnablePprof,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.Tags(v.AppName, component, vi),
		OnActive:      m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed")
	}
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	store, err := openStore(ctx, conf, m)
	if err != nil {
		L.Error(ctx, err, "failed to open card store", "store", conf.Store)
		return 1
	}
	defer closeStore(L, store)

	limiter := newLimiter(ctx, conf, m)
	defer limiter.Stop()

	api, err := cardhttp.New(cardhttp.Options{
		Store:      store,
		Limiter:    limiter,
		Logger:     L,
		Metrics:    m,
		AppURL:     conf.AppURL,
		CreateRule: rule(ratelimit.CreateCard.Name, conf.CreateLimit, conf.RateLimitWindow),
		DeleteRule: rule(ratelimit.DeleteCard.Name, conf.DeleteLimit, conf.RateLimitWindow),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create card api")
		return 1
	}

	var gate health.ShutdownGate
	readiness := health.All(&gate, health.Dependency("card store", storePingBudget, store.Ping))

	appStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		FloodMW:      newFloodGuard(ctx, conf, m).Middleware,
		ClientIDOpts: httpmw.ClientIDOptions{Header: conf.TrustedProxyHeader},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		return 1
	}

	// ops listener refuses public peers, it serves pprof
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		_ = appStop(context.Background())
		return 1
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "systemd readiness not sent", "error", err)
	}

	waitForSignal(ctx, L, &gate)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := appStop(shutdownCtx); err != nil {
		L.Error(ctx, err, "app http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(ctx, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(ctx, err, "otel shutdown")
	}

	L.Info(ctx, "shutdown complete")
	return 0
}

// parseConfig reads flags then CARDSHARE_* env. done is set when the process
// should exit right away with the given code.
func parseConfig(vi v.Info) (conf cfg.App, exit int, done bool) {
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty)
		return conf, 0, true
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return conf, 1, true
	}
	return conf, 0, false
}

// levels were checked by cfg.Validate
func newLogger(conf cfg.App, vi v.Info) (log.Logger, error) {
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl := lvl
	if conf.StacktraceLevel != "" {
		stackLvl, _ = log.ParseLevel(conf.StacktraceLevel)
	}
	return log.New(log.Options{
		App:               v.AppName,
		Component:         component,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

func rule(name string, limit int, window time.Duration) ratelimit.Rule {
	return ratelimit.Rule{Name: name, Policy: ratelimit.Policy{MaxRequests: limit, Window: window}}
}

// newLimiter starts the fixed window limiter shared by the create and delete rules
func newLimiter(ctx context.Context, conf cfg.App, m *metrics.ServerMetrics) *ratelimit.Limiter {
	L := log.FromContext(ctx)
	limiter := ratelimit.New(
		ratelimit.WithSweepInterval(conf.RateLimitSweep),
		ratelimit.WithOnVerdict(m.ObserveRateLimit),
		ratelimit.WithOnSweep(m.ObserveSweep),
		// once per client window, later rejections only count
		ratelimit.WithOnFirstRejected(func(client string, retryAfter int) {
			L.Warn(ctx, "rate limit triggered", "client", client, "retry_after", retryAfter)
		}),
	)
	limiter.Start(ctx)
	m.TrackLimiter(limiter.Len)
	return limiter
}

// newFloodGuard is the coarse per client token bucket in front of every public route
func newFloodGuard(ctx context.Context, conf cfg.App, m *metrics.ServerMetrics) *ratelimit.FloodGuard {
	L := log.FromContext(ctx)
	return ratelimit.NewFloodGuard(ctx,
		ratelimit.WithFloodRate(conf.FloodRate, conf.FloodBurst),
		ratelimit.WithMaxVisitors(conf.FloodMaxClients),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		ratelimit.WithOnFirstDenied(func(client string) {
			L.Warn(ctx, "flood guard triggered", "client", client)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "flood guard full, new clients rejected until eviction")
		}),
	)
}

// waitForSignal blocks until SIGINT or SIGTERM, then fails readiness and
// holds for drainPeriod so the load balancer stops routing here. A second
// signal cuts the drain short.
func waitForSignal(ctx context.Context, L log.Logger, gate *health.ShutdownGate) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	got := <-sig
	gate.Set("draining")
	L.Info(ctx, "shutdown signal received, draining", "signal", got.String(), "drain", drainPeriod)

	select {
	case <-time.After(drainPeriod):
		L.Info(ctx, "drain period complete")
	case <-sig:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

func openStore(ctx context.Context, conf cfg.App, m *metrics.ServerMetrics) (card.Store, error) {
	L := log.FromContext(ctx)
	if conf.Store == cfg.StoreMemory {
		L.Warn(ctx, "using in-memory card store, cards are lost on restart")
		return memory.New(), nil
	}

	dsn := conf.DatabaseDSN
	if conf.DatabaseDSNSSMParam != "" {
		r, err := secrets.NewSSMResolver(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "ssm resolver")
		}
		if dsn, err = r.Resolve(ctx, conf.DatabaseDSNSSMParam); err != nil {
			return nil, xerrors.Wrapf(err, "resolve database dsn from %s", conf.DatabaseDSNSSMParam)
		}
	}

	s, err := postgres.Open(ctx, dsn, postgres.Options{
		OnBreakerChange: func(from, to string) {
			m.SetBreakerState(from, to)
			L.Warn(ctx, "card store breaker state changed", "from", from, "to", to)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, xerrors.Wrap(err, "migrate card store")
	}
	L.Info(ctx, "connected to postgres card store")
	return s, nil
}

func closeStore(L log.Logger, s card.Store) {
	if c, ok := s.(io.Closer); ok {
		if err := c.Close(); err != nil {
			L.Warn(context.Background(), "card store close", "error", err)
		}
	}
}

// notifySystemd sends READY=1 when started as a Type=notify unit
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "dial notify socket")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "write READY=1")
	}
	return nil
}
