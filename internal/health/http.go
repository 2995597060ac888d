package health

import "net/http"

// HealthzHandler serves liveness: "ok" with 200, or the failure reason with 503.
func HealthzHandler(c Checker) http.HandlerFunc { return serveCheck(c, "ok\n") }

// ReadyzHandler serves readiness the same way with a "ready" body.
func ReadyzHandler(c Checker) http.HandlerFunc { return serveCheck(c, "ready\n") }

// a nil Checker always passes
func serveCheck(c Checker, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if c != nil {
			if err := c.Check(r.Context()); err != nil {
				http.Error(w, err.Error()+"\n", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(okBody))
	}
}
