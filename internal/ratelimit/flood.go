package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/cardshare/internal/httpmw"
)

// visitor tracks a single client's bucket and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged resets when the visitor is evicted and re-created
	logged bool
}

// FloodGuard is a per-client token bucket for every request on the listener.
// It protects against a single client flooding the process, the per-endpoint
// Limiter windows sit behind it.
type FloodGuard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int

	// idle visitors older than ttl are evicted
	ttl time.Duration

	// maxVisitors caps the map, 0 disables the cap
	maxVisitors    int
	capacityLogged bool

	OnFirstDenied func(key string)
	OnDenied      func(key string)
	OnCapacity    func()
}

type FloodOption func(*FloodGuard)

// WithFloodRate sets refill rate and bucket size.
// WithFloodRate(10, 50) allows 50 requests at once, then refills at 10 per second.
func WithFloodRate(perSecond float64, burst int) FloodOption {
	return func(g *FloodGuard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithFloodTTL sets how long an idle client is kept. Non-positive values are ignored.
func WithFloodTTL(d time.Duration) FloodOption {
	return func(g *FloodGuard) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithMaxVisitors caps the number of tracked clients. New clients are denied at capacity until eviction frees room.
func WithMaxVisitors(n int) FloodOption {
	return func(g *FloodGuard) {
		g.maxVisitors = n
	}
}

func WithOnFirstDenied(fn func(key string)) FloodOption {
	return func(g *FloodGuard) {
		g.OnFirstDenied = fn
	}
}

func WithOnDenied(fn func(key string)) FloodOption {
	return func(g *FloodGuard) {
		g.OnDenied = fn
	}
}

// WithOnCapacity fires once each time the visitor map fills up.
func WithOnCapacity(fn func()) FloodOption {
	return func(g *FloodGuard) {
		g.OnCapacity = fn
	}
}

// NewFloodGuard creates a FloodGuard and starts its cleanup goroutine, which exits when ctx is cancelled.
func NewFloodGuard(ctx context.Context, opts ...FloodOption) *FloodGuard {
	g := &FloodGuard{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
	}
	for _, o := range opts {
		o(g)
	}
	go g.cleanup(ctx)
	return g
}

// cleanupInterval is half the ttl, never below one nanosecond so NewTicker cannot panic
func cleanupInterval(ttl time.Duration) time.Duration {
	if tick := ttl / 2; tick > 0 {
		return tick
	}
	return time.Nanosecond
}

func (g *FloodGuard) allow(key string) bool {
	g.mu.Lock()
	v, exists := g.visitors[key]
	if !exists {
		if g.maxVisitors > 0 && len(g.visitors) >= g.maxVisitors {
			fire := !g.capacityLogged
			g.capacityLogged = true
			g.mu.Unlock()
			if fire && g.OnCapacity != nil {
				g.OnCapacity()
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(g.perSecond, g.burst)}
		g.visitors[key] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()
	first := !allowed && !v.logged
	if first {
		v.logged = true
	}
	g.mu.Unlock()

	if allowed {
		return true
	}
	if first && g.OnFirstDenied != nil {
		g.OnFirstDenied(key)
	}
	if g.OnDenied != nil {
		g.OnDenied(key)
	}
	return false
}

// cleanup evicts idle visitors every ttl/2
func (g *FloodGuard) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval(g.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for key, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, key)
				}
			}
			if g.maxVisitors == 0 || len(g.visitors) < g.maxVisitors {
				g.capacityLogged = false
			}
			g.mu.Unlock()
		}
	}
}

// retryAfter is the time for one token to refill
func (g *FloodGuard) retryAfter() int {
	if g.perSecond <= 0 {
		return 60
	}
	return ceilSeconds(time.Duration(float64(time.Second) / float64(g.perSecond)))
}

// Middleware rejects requests over the per-client bucket with 429.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := httpmw.ClientIDFromContext(r.Context())
		if !g.allow(key) {
			WriteTooManyRequests(w, g.retryAfter())
			return
		}
		next.ServeHTTP(w, r)
	})
}
