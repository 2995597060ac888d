package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/cardshare/internal/health"
	"github.com/keithlinneman/cardshare/internal/httpmw"
	"github.com/keithlinneman/cardshare/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Checker
	Readiness    health.Checker

	// APIRoutes mounts the application endpoints on the public router
	APIRoutes func(chi.Router)

	// FloodMW runs after client identity is resolved, typically a ratelimit.FloodGuard
	FloodMW func(http.Handler) http.Handler

	ClientIDOpts httpmw.ClientIDOptions

	// MaxBodyBytes caps every request body, 0 means DefaultMaxBodyBytes
	MaxBodyBytes int64
}
