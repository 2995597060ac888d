package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source shared with the limiter
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(opts ...Option) (*Limiter, *fakeClock) {
	clk := newFakeClock()
	all := append([]Option{WithClock(clk.Now)}, opts...)
	return New(all...), clk
}

var minute = Policy{MaxRequests: 5, Window: time.Minute}

func TestCheck_AdmitsUpToMax(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		if v := l.Check("10.0.0.1", minute); !v.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
}

func TestCheck_RejectsOverMax(t *testing.T) {
	l, _ := newTestLimiter()
	p := Policy{MaxRequests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		if v := l.Check("10.0.0.1", p); !v.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	v := l.Check("10.0.0.1", p)
	if v.Allowed {
		t.Fatal("request 4 should be rejected")
	}
	if v.RetryAfter <= 0 || v.RetryAfter > 60 {
		t.Fatalf("RetryAfter = %d, want 1..60", v.RetryAfter)
	}
}

func TestCheck_RetryAfterCountsDown(t *testing.T) {
	l, clk := newTestLimiter()
	p := Policy{MaxRequests: 1, Window: time.Minute}

	l.Check("10.0.0.1", p)

	clk.Advance(20 * time.Second)
	if v := l.Check("10.0.0.1", p); v.RetryAfter != 40 {
		t.Fatalf("after 20s: RetryAfter = %d, want 40", v.RetryAfter)
	}

	// partial seconds round up
	clk.Advance(39*time.Second + 100*time.Millisecond)
	if v := l.Check("10.0.0.1", p); v.RetryAfter != 1 {
		t.Fatalf("with 900ms left: RetryAfter = %d, want 1", v.RetryAfter)
	}
}

func TestCheck_WindowResetAfterExpiry(t *testing.T) {
	l, clk := newTestLimiter()
	p := Policy{MaxRequests: 2, Window: time.Minute}

	for i := 0; i < 6; i++ {
		l.Check("10.0.0.1", p)
	}
	if v := l.Check("10.0.0.1", p); v.Allowed {
		t.Fatal("should still be rejected inside the window")
	}

	clk.Advance(time.Minute)

	// reset at exactly resetAt, count restarts at 1
	if v := l.Check("10.0.0.1", p); !v.Allowed {
		t.Fatal("first request after expiry should be admitted")
	}
	if v := l.Check("10.0.0.1", p); !v.Allowed {
		t.Fatal("second request of new window should be admitted")
	}
	if v := l.Check("10.0.0.1", p); v.Allowed {
		t.Fatal("third request of new window should be rejected")
	}
}

func TestCheck_SeparateClientsIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	p := Policy{MaxRequests: 1, Window: time.Minute}

	if !l.Check("10.0.0.2", p).Allowed {
		t.Fatal("client A first request should be admitted")
	}
	if !l.Check("10.0.0.3", p).Allowed {
		t.Fatal("client B first request should be admitted")
	}
	if l.Check("10.0.0.2", p).Allowed {
		t.Fatal("client A second request should be rejected")
	}
	if !l.Check("10.0.0.4", p).Allowed {
		t.Fatal("client C should not be affected by A")
	}
}

func TestCheck_RejectionIsMonotonicWithinWindow(t *testing.T) {
	l, clk := newTestLimiter()
	p := Policy{MaxRequests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		l.Check("10.0.0.1", p)
	}
	for i := 0; i < 20; i++ {
		clk.Advance(2 * time.Second)
		if l.Check("10.0.0.1", p).Allowed {
			t.Fatalf("check %d at +%ds should stay rejected", i+1, 2*(i+1))
		}
	}
}

func TestCheck_RejectedAttemptsStillCount(t *testing.T) {
	l, _ := newTestLimiter()
	p := Policy{MaxRequests: 2, Window: time.Minute}

	for i := 0; i < 5; i++ {
		l.Check("10.0.0.1", p)
	}

	l.mu.Lock()
	got := l.entries["10.0.0.1"].count
	l.mu.Unlock()
	if got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestCheck_FirstRequestAdmittedWithZeroMax(t *testing.T) {
	l, _ := newTestLimiter()
	p := Policy{MaxRequests: 0, Window: time.Minute}

	if !l.Check("10.0.0.1", p).Allowed {
		t.Fatal("first request of a window is always admitted")
	}
	if l.Check("10.0.0.1", p).Allowed {
		t.Fatal("second request should be rejected with MaxRequests=0")
	}
}

func TestCheck_BurstAcrossBoundary(t *testing.T) {
	l, clk := newTestLimiter()
	p := Policy{MaxRequests: 3, Window: time.Minute}

	admitted := 0
	for i := 0; i < 3; i++ {
		if l.Check("10.0.0.1", p).Allowed {
			admitted++
		}
	}
	// last requests of one window and first of the next, back to back
	clk.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		if l.Check("10.0.0.1", p).Allowed {
			admitted++
		}
	}
	if admitted != 6 {
		t.Fatalf("admitted = %d across boundary, want 6 (fixed windows allow 2x burst)", admitted)
	}
}

func TestCheck_PolicyPerCallSite(t *testing.T) {
	l, _ := newTestLimiter()
	strict := Policy{MaxRequests: 1, Window: time.Minute}
	loose := Policy{MaxRequests: 3, Window: time.Minute}

	l.Check("10.0.0.1", strict)
	if l.Check("10.0.0.1", strict).Allowed {
		t.Fatal("strict policy should reject second request")
	}
	// same client bucket, a looser call site still sees count 3
	if !l.Check("10.0.0.1", loose).Allowed {
		t.Fatal("loose policy should admit third request of shared bucket")
	}
	if l.Check("10.0.0.1", loose).Allowed {
		t.Fatal("loose policy should reject fourth request of shared bucket")
	}
}

func TestCheck_ConcurrentSameClientNoLostUpdates(t *testing.T) {
	l, _ := newTestLimiter()
	p := Policy{MaxRequests: 50, Window: time.Minute}

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("10.0.0.1", p).Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 50 {
		t.Fatalf("admitted = %d, want exactly 50", got)
	}
	l.mu.Lock()
	count := l.entries["10.0.0.1"].count
	l.mu.Unlock()
	if count != 200 {
		t.Fatalf("count = %d, want 200", count)
	}
}

func TestCheck_ConcurrentDistinctClients(t *testing.T) {
	l, _ := newTestLimiter()
	p := Policy{MaxRequests: 1, Window: time.Minute}

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if !l.Check(fmt.Sprintf("10.0.%d.%d", n/256, n%256), p).Allowed {
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := rejected.Load(); got != 0 {
		t.Fatalf("rejected = %d, want 0", got)
	}
	if got := l.Len(); got != 300 {
		t.Fatalf("Len() = %d, want 300", got)
	}
}

func TestOnFirstRejected_OncePerWindow(t *testing.T) {
	var first atomic.Int32
	var retry atomic.Int32
	l, clk := newTestLimiter(WithOnFirstRejected(func(key string, retryAfter int) {
		first.Add(1)
		retry.Store(int32(retryAfter))
	}))
	p := Policy{MaxRequests: 1, Window: time.Minute}

	for i := 0; i < 10; i++ {
		l.Check("10.0.0.1", p)
	}
	if got := first.Load(); got != 1 {
		t.Fatalf("OnFirstRejected = %d, want 1", got)
	}
	if got := retry.Load(); got != 60 {
		t.Fatalf("retryAfter passed to hook = %d, want 60", got)
	}

	clk.Advance(time.Minute)
	l.Check("10.0.0.1", p)
	l.Check("10.0.0.1", p)
	if got := first.Load(); got != 2 {
		t.Fatalf("after new window: OnFirstRejected = %d, want 2", got)
	}
}

func TestNilHooks_NoPanic(t *testing.T) {
	l, _ := newTestLimiter()
	p := Policy{MaxRequests: 1, Window: time.Minute}
	l.Check("10.0.0.1", p)
	l.Check("10.0.0.1", p)
}

func TestSweep_EvictsOnlyExpired(t *testing.T) {
	l, clk := newTestLimiter()

	l.Check("old", Policy{MaxRequests: 5, Window: 30 * time.Second})
	l.Check("live", Policy{MaxRequests: 5, Window: 5 * time.Minute})

	clk.Advance(31 * time.Second)
	if got := l.Sweep(); got != 1 {
		t.Fatalf("Sweep() evicted %d, want 1", got)
	}

	l.mu.Lock()
	_, oldExists := l.entries["old"]
	_, liveExists := l.entries["live"]
	l.mu.Unlock()
	if oldExists {
		t.Fatal("expired entry should be evicted")
	}
	if !liveExists {
		t.Fatal("entry with open window must not be evicted")
	}
}

func TestSweep_EvictedClientTreatedAsNew(t *testing.T) {
	l, clk := newTestLimiter()
	p := Policy{MaxRequests: 1, Window: time.Minute}

	l.Check("10.0.0.1", p)
	l.Check("10.0.0.1", p) // rejected

	clk.Advance(2 * time.Minute)
	l.Sweep()
	if got := l.Len(); got != 0 {
		t.Fatalf("Len() after sweep = %d, want 0", got)
	}

	if !l.Check("10.0.0.1", p).Allowed {
		t.Fatal("client should be admitted after eviction")
	}
	if l.Check("10.0.0.1", p).Allowed {
		t.Fatal("fresh window should enforce the limit again")
	}
}

func TestStart_BackgroundSweep(t *testing.T) {
	swept := make(chan [2]int, 8)
	l, clk := newTestLimiter(
		WithSweepInterval(10*time.Millisecond),
		WithOnSweep(func(evicted, remaining int) {
			select {
			case swept <- [2]int{evicted, remaining}:
			default:
			}
		}),
	)
	l.Check("10.0.0.1", minute)
	l.Check("10.0.0.2", Policy{MaxRequests: 5, Window: time.Hour})
	clk.Advance(2 * time.Minute)

	l.Start(context.Background())
	defer l.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-swept:
			if got[0] == 1 && got[1] == 1 {
				return
			}
		case <-deadline:
			t.Fatalf("background sweep did not evict expired entry, Len() = %d", l.Len())
		}
	}
}

func TestStop_Idempotent(t *testing.T) {
	l, _ := newTestLimiter(WithSweepInterval(5 * time.Millisecond))
	l.Stop() // before Start

	l.Start(context.Background())
	l.Start(context.Background()) // second Start is a no-op
	l.Stop()
	l.Stop()
}

func TestStop_HaltsSweep(t *testing.T) {
	var sweeps atomic.Int32
	l, clk := newTestLimiter(
		WithSweepInterval(5*time.Millisecond),
		WithOnSweep(func(int, int) { sweeps.Add(1) }),
	)
	l.Start(context.Background())
	l.Stop()
	after := sweeps.Load()

	l.Check("10.0.0.1", minute)
	clk.Advance(2 * time.Minute)
	time.Sleep(30 * time.Millisecond)

	if got := sweeps.Load(); got != after {
		t.Fatalf("sweeps continued after Stop: %d -> %d", after, got)
	}
	if got := l.Len(); got != 1 {
		t.Fatalf("entry should persist when sweep is stopped, Len() = %d", got)
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	l, _ := newTestLimiter(WithSweepInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()

	// Stop must return once the goroutine has exited on its own
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}

func TestDefaults(t *testing.T) {
	l := New()
	if l.sweepEvery != 5*time.Minute {
		t.Errorf("default sweep interval = %v, want 5m", l.sweepEvery)
	}
	if l.now == nil {
		t.Error("default clock is nil")
	}
}
