package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/cardshare/internal/version"
)

func family(t *testing.T, m *ServerMetrics, name string) *dto.MetricFamily {
	t.Helper()
	fams, err := m.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("%s not registered or has no series", name)
	return nil
}

// series keys each sample by its label values joined with "/", in label name order
func series(f *dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64)
	for _, s := range f.GetMetric() {
		var vals []string
		for _, lp := range s.GetLabel() {
			vals = append(vals, lp.GetValue())
		}
		v := s.GetCounter().GetValue()
		if s.GetGauge() != nil {
			v = s.GetGauge().GetValue()
		}
		out[strings.Join(vals, "/")] = v
	}
	return out
}

func single(t *testing.T, m *ServerMetrics, name string) float64 {
	t.Helper()
	for _, v := range series(family(t, m, name)) {
		return v
	}
	t.Fatalf("%s has no samples", name)
	return 0
}

func TestHandler_ScrapeListsCardshareFamilies(t *testing.T) {
	m := New()
	m.TrackLimiter(func() int { return 0 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"ratelimit_tracked_clients",
		"ratelimit_evictions_total",
		"http_requests_flood_limited_total",
		"cards_deleted_total",
		"card_views_total",
		"profiling_active",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("%s missing from scrape", name)
		}
	}
}

func TestNew_RegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.CardViewed()
	if got := single(t, b, "card_views_total"); got != 0 {
		t.Fatalf("second registry saw %v views", got)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := false
	m.SetBuildInfoFromVersion("cardshare", "server", version.Info{
		Version:   "0.3.1",
		Commit:    "9f1c2e",
		BuildId:   "ci-118",
		GoVersion: "go1.24.0",
		VCSDirty:  &dirty,
	})
	m.SetBuildInfoFromVersion("cardshare", "worker", version.Info{Version: "dev"})

	got := series(family(t, m, "build_info"))
	// values in label name order: app build_date build_id commit commit_date component go_version vcs_dirty version
	want := map[string]float64{
		"cardshare//ci-118/9f1c2e//server/go1.24.0/false/0.3.1": 1,
		"cardshare/////worker//unknown/dev":                     1,
	}
	if len(got) != len(want) {
		t.Fatalf("build_info = %v", got)
	}
	for k := range want {
		if got[k] != 1 {
			t.Errorf("missing build_info series %q in %v", k, got)
		}
	}
}

func TestObserveRateLimit_LabelsRuleAndVerdict(t *testing.T) {
	m := New()
	m.ObserveRateLimit("create", true)
	m.ObserveRateLimit("create", true)
	m.ObserveRateLimit("create", false)
	m.ObserveRateLimit("delete", false)

	got := series(family(t, m, "ratelimit_checks_total"))
	want := map[string]float64{
		"create/allowed": 2,
		"create/denied":  1,
		"delete/denied":  1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestObserveSweep_CountsEvictions(t *testing.T) {
	m := New()
	m.ObserveSweep(3, 7)
	m.ObserveSweep(2, 5)

	if got := single(t, m, "ratelimit_evictions_total"); got != 5 {
		t.Fatalf("evictions = %v, want 5", got)
	}
}

func TestTrackLimiter_ReadsAtScrape(t *testing.T) {
	m := New()
	if got := single(t, m, "ratelimit_tracked_clients"); got != 0 {
		t.Fatalf("untracked gauge = %v, want 0", got)
	}

	size := 4
	m.TrackLimiter(func() int { return size })
	if got := single(t, m, "ratelimit_tracked_clients"); got != 4 {
		t.Fatalf("tracked = %v, want 4", got)
	}

	// no sweep in between, the next scrape still sees the new size
	size = 9
	if got := single(t, m, "ratelimit_tracked_clients"); got != 9 {
		t.Fatalf("tracked = %v, want 9", got)
	}

	m.TrackLimiter(nil)
	if got := single(t, m, "ratelimit_tracked_clients"); got != 0 {
		t.Fatalf("after reset = %v, want 0", got)
	}
}

func TestFloodCounters(t *testing.T) {
	m := New()
	m.IncRateLimitDenied()
	m.IncRateLimitDenied()
	m.IncRateLimitCapacity()

	if got := single(t, m, "http_requests_flood_limited_total"); got != 2 {
		t.Errorf("flood limited = %v, want 2", got)
	}
	if got := single(t, m, "http_requests_flood_capacity_total"); got != 1 {
		t.Errorf("flood capacity = %v, want 1", got)
	}
}

func TestCardCounters(t *testing.T) {
	m := New()
	m.CardCreated("valentine")
	m.CardCreated("valentine")
	m.CardCreated("quiz_game")
	m.CardViewed()
	m.CardDeleted()
	m.StoreError("create")
	m.StoreError("create")
	m.StoreError("delete")

	created := series(family(t, m, "cards_created_total"))
	if created["valentine"] != 2 || created["quiz_game"] != 1 {
		t.Errorf("cards_created_total = %v", created)
	}
	if got := single(t, m, "card_views_total"); got != 1 {
		t.Errorf("views = %v", got)
	}
	if got := single(t, m, "cards_deleted_total"); got != 1 {
		t.Errorf("deleted = %v", got)
	}
	errs := series(family(t, m, "card_store_errors_total"))
	if errs["create"] != 2 || errs["delete"] != 1 {
		t.Errorf("card_store_errors_total = %v", errs)
	}
}

func TestSetBreakerState_KeepsOneSeries(t *testing.T) {
	m := New()
	m.SetBreakerState("closed", "open")
	m.SetBreakerState("open", "half-open")

	got := series(family(t, m, "card_store_breaker_state"))
	if len(got) != 1 || got["half-open"] != 1 {
		t.Fatalf("breaker state = %v, want only half-open", got)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if got := single(t, m, "profiling_active"); got != 1 {
		t.Fatalf("active = %v", got)
	}
	m.SetProfilingActive(false)
	if got := single(t, m, "profiling_active"); got != 0 {
		t.Fatalf("inactive = %v", got)
	}
}
