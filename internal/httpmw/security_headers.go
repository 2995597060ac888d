package httpmw

import "net/http"

// No CSRF protection: the API takes no cookies, delete is authorized by a bearer owner token.

// SecurityHeaders sets response headers for a JSON API that is never rendered
// or framed by a browser. Responses are not cacheable because they can carry
// owner tokens.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")

		// nothing in a JSON body should ever load or execute
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")

		// the card frontend lives on a sibling host
		h.Set("Cross-Origin-Resource-Policy", "same-site")

		h.Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}
