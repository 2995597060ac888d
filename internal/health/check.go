package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keithlinneman/cardshare/internal/xerrors"
)

// Checker reports nil when healthy, otherwise an error whose text is served as the reason.
type Checker interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Checker.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

var errNoHealthyChecks = errors.New("no healthy checks")

// Fixed always passes, or always fails with reason ("unhealthy" when empty).
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All fails on the first failing check. Nil entries are skipped.
func All(cs ...Checker) CheckFunc {
	return func(ctx context.Context) error {
		for _, c := range cs {
			if c == nil {
				continue
			}
			if err := c.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when one check passes, otherwise returns the last failure.
func Any(cs ...Checker) CheckFunc {
	return func(ctx context.Context) error {
		err := errNoHealthyChecks
		for _, c := range cs {
			if c == nil {
				continue
			}
			cerr := c.Check(ctx)
			if cerr == nil {
				return nil
			}
			err = cerr
		}
		return err
	}
}

// Dependency pings an external system under timeout (none when zero) and
// prefixes failures with name, e.g. "card store: connection refused".
func Dependency(name string, timeout time.Duration, ping func(context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return xerrors.Wrap(ping(ctx), name)
	}
}

// ShutdownGate fails readiness once Set, so the load balancer stops routing
// to an instance that is draining. The zero value is open.
type ShutdownGate struct {
	mu     sync.RWMutex
	closed bool
	reason string
}

// Set closes the gate, reason defaults to "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.mu.Lock()
	g.closed, g.reason = true, reason
	g.mu.Unlock()
}

func (g *ShutdownGate) Clear() {
	g.mu.Lock()
	g.closed, g.reason = false, ""
	g.mu.Unlock()
}

func (g *ShutdownGate) Check(context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.closed {
		return nil
	}
	return xerrors.New(g.reason)
}
