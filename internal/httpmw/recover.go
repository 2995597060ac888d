package httpmw

import (
	"net/http"

	"github.com/keithlinneman/cardshare/internal/log"
	"github.com/keithlinneman/cardshare/internal/xerrors"
)

// Recover turns a handler panic into a 500 and logs it with the request
// method and path. onPanic may be nil, main wires it to the panic counter.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// let net/http abort the connection as it would without us
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "handler panic")
				default:
					err = xerrors.Newf("handler panic: %v", v)
				}

				if onPanic != nil {
					onPanic()
				}

				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
