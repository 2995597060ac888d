package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeaders_OnCardResponses(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusTooManyRequests, http.StatusNotFound} {
		rec := httptest.NewRecorder()
		h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) }))
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cards/abc", http.NoBody))

		for header, want := range map[string]string{
			"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'",
			"Cache-Control":                "no-store",
			"X-Frame-Options":              "DENY",
			"Referrer-Policy":              "no-referrer",
			"Cross-Origin-Resource-Policy": "same-site",
			"X-Content-Type-Options":       "nosniff",
		} {
			if got := rec.Header().Get(header); got != want {
				t.Errorf("%d: %s = %q, want %q", code, header, got, want)
			}
		}
	}
}

func TestSecurityHeaders_HandlerMayOverride(t *testing.T) {
	rec := httptest.NewRecorder()
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=60")
	}))
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cards/abc", http.NoBody))
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=60" {
		t.Fatalf("Cache-Control = %q", got)
	}
}
