package opshttp

import (
	"net/http"

	"github.com/keithlinneman/cardshare/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Checker
	Readiness    health.Checker
	UseRecoverMW bool
	OnPanic      func() // called for each recovered panic, e.g. to count it
}
