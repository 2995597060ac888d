package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Policy is the per call site limit: MaxRequests per Window.
// Values must be positive, they are used as given and not validated here.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Verdict is the outcome of a single Check.
// RetryAfter is only set when Allowed is false and is always >= 1.
type Verdict struct {
	Allowed    bool
	RetryAfter int
}

// entry is the window state for one client identity
type entry struct {
	count   int
	resetAt time.Time
	// logged tracks whether OnFirstRejected already fired for this window
	logged bool
}

// Limiter counts requests per client identity in fixed windows anchored at
// first use, with a periodic sweep of expired entries.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	sweepEvery time.Duration
	now        func() time.Time

	// OnFirstRejected is called once per client window, used for logging
	OnFirstRejected func(key string, retryAfter int)

	// OnSweep is called after each background sweep with the evicted and remaining entry counts
	OnSweep func(evicted, remaining int)

	// OnVerdict is called by Middleware with the rule name for every decision
	OnVerdict func(rule string, allowed bool)

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Limiter)

// WithSweepInterval sets how often expired entries are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepEvery = d
		}
	}
}

// WithClock overrides the time source, tests use it to step past window boundaries.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithOnFirstRejected sets a callback fired once per client per window.
// Per-rejection counting goes through OnVerdict in Middleware.
func WithOnFirstRejected(fn func(key string, retryAfter int)) Option {
	return func(l *Limiter) {
		l.OnFirstRejected = fn
	}
}

func WithOnSweep(fn func(evicted, remaining int)) Option {
	return func(l *Limiter) {
		l.OnSweep = fn
	}
}

func WithOnVerdict(fn func(rule string, allowed bool)) Option {
	return func(l *Limiter) {
		l.OnVerdict = fn
	}
}

// New creates a Limiter. The sweep does not run until Start is called.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries:    make(map[string]*entry),
		sweepEvery: 5 * time.Minute,
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records a request from key under policy p and reports whether it may proceed.
// The attempt is counted whether or not it is admitted.
func (l *Limiter) Check(key string, p Policy) Verdict {
	l.mu.Lock()
	now := l.now()
	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		// first request of a fresh window is always admitted
		l.entries[key] = &entry{count: 1, resetAt: now.Add(p.Window)}
		l.mu.Unlock()
		return Verdict{Allowed: true}
	}

	e.count++
	if e.count <= p.MaxRequests {
		l.mu.Unlock()
		return Verdict{Allowed: true}
	}

	retryAfter := ceilSeconds(e.resetAt.Sub(now))
	first := !e.logged
	e.logged = true
	// release before hooks, they may log or touch metrics
	l.mu.Unlock()

	if first && l.OnFirstRejected != nil {
		l.OnFirstRejected(key, retryAfter)
	}
	return Verdict{Allowed: false, RetryAfter: retryAfter}
}

// ceilSeconds rounds a positive remaining duration up to whole seconds, minimum 1
func ceilSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Sweep evicts every entry whose window has ended and returns how many were removed.
func (l *Limiter) Sweep() int {
	evicted, _ := l.sweep()
	return evicted
}

func (l *Limiter) sweep() (evicted, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, key)
			evicted++
		}
	}
	return evicted, len(l.entries)
}

// Len returns the number of tracked client identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Start launches the background sweep. It stops when ctx is cancelled or Stop is called.
// Calling Start on a running limiter is a no-op.
func (l *Limiter) Start(ctx context.Context) {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.done != nil {
		select {
		case <-l.done:
			// previous sweep exited on its own context, allow a restart
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop halts the background sweep and waits for it to exit. Safe to call more than once.
func (l *Limiter) Stop() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.done == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
	l.done = nil
}

func (l *Limiter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, remaining := l.sweep()
			if l.OnSweep != nil {
				l.OnSweep(evicted, remaining)
			}
		}
	}
}
