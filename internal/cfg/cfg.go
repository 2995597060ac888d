package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/cardshare/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading env vars.
const EnvPrefix = "CARDSHARE_"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	AppURL              string
	Store               string
	DatabaseDSN         string
	DatabaseDSNSSMParam string

	CreateLimit        int
	DeleteLimit        int
	RateLimitWindow    time.Duration
	RateLimitSweep     time.Duration
	FloodRate          float64
	FloodBurst         int
	FloodMaxClients    int
	TrustedProxyHeader string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.AppURL, "app-url", "http://localhost:3000", "public frontend origin used to build share links")
	fs.StringVar(&c.Store, "store", StoreMemory, "card store backend (memory|postgres)")
	fs.StringVar(&c.DatabaseDSN, "database-dsn", "", "postgres connection string")
	fs.StringVar(&c.DatabaseDSNSSMParam, "database-dsn-ssm-param", "", "ssm SecureString parameter holding the postgres connection string")

	fs.IntVar(&c.CreateLimit, "create-limit", 10, "card creations allowed per client per window")
	fs.IntVar(&c.DeleteLimit, "delete-limit", 20, "card deletions allowed per client per window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", time.Minute, "fixed rate limit window length")
	fs.DurationVar(&c.RateLimitSweep, "rate-limit-sweep", time.Minute, "interval between expired window sweeps")
	fs.Float64Var(&c.FloodRate, "flood-rate", 10, "per-client request rate across all routes (req/s)")
	fs.IntVar(&c.FloodBurst, "flood-burst", 30, "per-client burst across all routes")
	fs.IntVar(&c.FloodMaxClients, "flood-max-clients", 100000, "max clients tracked by the flood guard (0 disables the cap)")
	fs.StringVar(&c.TrustedProxyHeader, "trusted-proxy-header", "X-Forwarded-For", "header carrying the client address set by the fronting proxy")
}

// EnvKey is the environment variable consulted for flag name, "foo-bar" becomes PREFIX_FOO_BAR.
func EnvKey(prefix, name string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// FillFromEnv sets every flag not given on the command line from its EnvKey
// variable, so a cli flag beats the env var which beats the default. An env
// value the flag rejects is reported through logf and the flag keeps its value.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	onCLI := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { onCLI[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
		case onCLI[f.Name]:
			logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
		default:
			before := f.Value.String()
			if err := fs.Set(f.Name, val); err != nil {
				_ = fs.Set(f.Name, before)
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

// problems collects every invalid setting so one startup failure lists them all
type problems []error

func (p *problems) check(bad bool, format string, args ...any) {
	if bad {
		*p = append(*p, fmt.Errorf(format, args...))
	}
}

// Validate reports every out of range or inconsistent setting, joined, or nil.
func Validate(c App) error {
	var p problems
	p.serving(c)
	p.telemetry(c)
	p.store(c)
	p.limits(c)
	return errors.Join(p...)
}

func (p *problems) serving(c App) {
	p.check(c.HTTPPort < 1 || c.HTTPPort > 65535, "invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	p.check(c.AdminPort < 1 || c.AdminPort > 65535, "invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	p.check(c.AdminPort == c.HTTPPort, "ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)

	// share links are built from this origin
	u, err := url.Parse(c.AppURL)
	p.check(err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "",
		"APP_URL must be an http(s) origin (got %q)", c.AppURL)

	p.check(c.TrustedProxyHeader == "" || strings.ContainsAny(c.TrustedProxyHeader, " \t:"),
		"TRUSTED_PROXY_HEADER must be a header name (got %q)", c.TrustedProxyHeader)
}

func (p *problems) telemetry(c App) {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		p.check(true, "invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			p.check(true, "invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	p.check(c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64),
		"MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	p.check(c.TraceSample < 0 || c.TraceSample > 1, "invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)

	if c.EnablePyroscope {
		p.check(c.PyroServer == "", "PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		if c.PyroServer != "" {
			u, err := url.Parse(c.PyroServer)
			p.check(err != nil || u.Scheme == "" || u.Host == "", "PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		p.check(c.PyroTenantID == "", "PYRO_TENANT required when ENABLE_PYROSCOPE=true")
	}

	// the grpc exporter takes host:port without a scheme
	if c.EnableTracing {
		p.check(c.OTLPEndpoint == "", "OTLP_ENDPOINT required when ENABLE_TRACING=true")
		if c.OTLPEndpoint != "" {
			_, _, err := net.SplitHostPort(c.OTLPEndpoint)
			p.check(err != nil, "OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
}

func (p *problems) store(c App) {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		p.check(c.DatabaseDSN == "" && c.DatabaseDSNSSMParam == "",
			"DATABASE_DSN or DATABASE_DSN_SSM_PARAM required when STORE=postgres")
		p.check(c.DatabaseDSN != "" && c.DatabaseDSNSSMParam != "",
			"set only one of DATABASE_DSN and DATABASE_DSN_SSM_PARAM")
	default:
		p.check(true, "invalid STORE %q (must be memory|postgres)", c.Store)
	}
}

func (p *problems) limits(c App) {
	p.check(c.CreateLimit < 1, "CREATE_LIMIT must be >= 1 (got %d)", c.CreateLimit)
	p.check(c.DeleteLimit < 1, "DELETE_LIMIT must be >= 1 (got %d)", c.DeleteLimit)
	p.check(c.RateLimitWindow < time.Second, "RATE_LIMIT_WINDOW must be >= 1s (got %s)", c.RateLimitWindow)
	p.check(c.RateLimitSweep <= 0, "RATE_LIMIT_SWEEP must be > 0 (got %s)", c.RateLimitSweep)
	p.check(c.FloodRate <= 0, "FLOOD_RATE must be > 0 (got %g)", c.FloodRate)
	p.check(c.FloodBurst < 1, "FLOOD_BURST must be >= 1 (got %d)", c.FloodBurst)
	p.check(c.FloodMaxClients < 0, "FLOOD_MAX_CLIENTS must be >= 0 (got %d)", c.FloodMaxClients)
}
