package cfg

import (
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func parseWithEnv(t *testing.T, args []string, env map[string]string) (App, []string) {
	t.Helper()
	for k, v := range env {
		t.Setenv(EnvKey(EnvPrefix, k), v)
	}
	fs := flag.NewFlagSet("cardshare", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	var notes []string
	FillFromEnv(fs, EnvPrefix, func(format string, a ...any) {
		notes = append(notes, fmt.Sprintf(format, a...))
	})
	return c, notes
}

func TestEnvKey(t *testing.T) {
	if got := EnvKey(EnvPrefix, "rate-limit-window"); got != "CARDSHARE_RATE_LIMIT_WINDOW" {
		t.Fatalf("EnvKey = %q", got)
	}
}

func TestRegister_LimiterDefaults(t *testing.T) {
	c := newTestConfig(t, nil)
	if c.CreateLimit != 10 || c.DeleteLimit != 20 || c.RateLimitWindow != time.Minute || c.RateLimitSweep != time.Minute {
		t.Errorf("limiter defaults = %d/%d per %s sweep %s", c.CreateLimit, c.DeleteLimit, c.RateLimitWindow, c.RateLimitSweep)
	}
	if c.Store != StoreMemory || c.TrustedProxyHeader != "X-Forwarded-For" || c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Errorf("serving defaults = %+v", c)
	}
	if c.FloodRate != 10 || c.FloodBurst != 30 || c.FloodMaxClients != 100000 {
		t.Errorf("flood defaults = %v/%d/%d", c.FloodRate, c.FloodBurst, c.FloodMaxClients)
	}
}

func TestFillFromEnv_Precedence(t *testing.T) {
	c, notes := parseWithEnv(t,
		[]string{"-create-limit=3", "-store=memory"},
		map[string]string{
			"CREATE_LIMIT":         "50",
			"DELETE_LIMIT":         "5",
			"RATE_LIMIT_WINDOW":    "30s",
			"FLOOD_RATE":           "2.5",
			"STORE":                "postgres",
			"TRUSTED_PROXY_HEADER": "CF-Connecting-IP",
			"LOG_JSON":             "false",
		})

	// cli beats env
	if c.CreateLimit != 3 || c.Store != StoreMemory {
		t.Errorf("cli values lost: create=%d store=%s", c.CreateLimit, c.Store)
	}
	// env beats default
	if c.DeleteLimit != 5 || c.RateLimitWindow != 30*time.Second || c.FloodRate != 2.5 ||
		c.TrustedProxyHeader != "CF-Connecting-IP" || c.LogJSON {
		t.Errorf("env values not applied: %+v", c)
	}
	if len(notes) != 2 {
		t.Fatalf("notes = %v, want one per overridden env var", notes)
	}
	for _, n := range notes {
		if !strings.Contains(n, "overrides env CARDSHARE_") {
			t.Errorf("note = %q", n)
		}
	}
}

func TestFillFromEnv_InvalidEnvKeepsDefault(t *testing.T) {
	c, notes := parseWithEnv(t, nil, map[string]string{"RATE_LIMIT_WINDOW": "a minute"})
	if c.RateLimitWindow != time.Minute {
		t.Errorf("RateLimitWindow = %s, want default", c.RateLimitWindow)
	}
	if len(notes) != 1 || !strings.Contains(notes[0], "ignoring invalid env CARDSHARE_RATE_LIMIT_WINDOW") {
		t.Fatalf("notes = %v", notes)
	}
	// nil logf is allowed
	fs := flag.NewFlagSet("x", flag.ContinueOnError)
	Register(fs, &App{})
	FillFromEnv(fs, EnvPrefix, nil)
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-include-error-links=true",
		"-max-error-links=0",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid HTTP_PORT")
	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "MAX_ERROR_LINKS")
}

func TestValidate_Store(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown backend", []string{"-store=redis"}, "invalid STORE"},
		{"postgres without dsn", []string{"-store=postgres"}, "DATABASE_DSN or DATABASE_DSN_SSM_PARAM required"},
		{"postgres with both", []string{"-store=postgres", "-database-dsn=postgres://db/cards", "-database-dsn-ssm-param=/p"}, "only one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantErrContains(t, Validate(newTestConfig(t, tt.args)), tt.want)
		})
	}

	ok := newTestConfig(t, []string{"-store=postgres", "-database-dsn=postgres://db/cards"})
	if err := Validate(ok); err != nil {
		t.Fatalf("postgres with dsn: unexpected error: %v", err)
	}
}

func TestValidate_Limits(t *testing.T) {
	c := newTestConfig(t, []string{
		"-create-limit=0",
		"-delete-limit=-1",
		"-rate-limit-window=500ms",
		"-rate-limit-sweep=0s",
		"-flood-rate=0",
		"-flood-burst=0",
		"-flood-max-clients=-5",
		"-trusted-proxy-header=X Forwarded",
		"-app-url=cards.example.com",
	})

	err := Validate(c)
	wantErrContains(t, err, "CREATE_LIMIT")
	wantErrContains(t, err, "DELETE_LIMIT")
	wantErrContains(t, err, "RATE_LIMIT_WINDOW")
	wantErrContains(t, err, "RATE_LIMIT_SWEEP")
	wantErrContains(t, err, "FLOOD_RATE")
	wantErrContains(t, err, "FLOOD_BURST")
	wantErrContains(t, err, "FLOOD_MAX_CLIENTS")
	wantErrContains(t, err, "TRUSTED_PROXY_HEADER")
	wantErrContains(t, err, "APP_URL")
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := Validate(newTestConfig(t, nil)); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
