package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
)

var errStore = errors.New("card store unavailable")

// funcs lists the function names in a stack
func funcs(pcs []uintptr) []string {
	var out []string
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		out = append(out, fr.Function)
		if !more {
			return out
		}
	}
}

func funcAt(pc uintptr) string {
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function
}

func createCard() error { return New("template not allowed") }

func TestNew_StackStartsAtCaller(t *testing.T) {
	err := createCard()
	if err.Error() != "template not allowed" {
		t.Fatalf("Error() = %q", err)
	}
	var st interface{ StackPCs() []uintptr }
	if !errors.As(err, &st) {
		t.Fatal("no stack")
	}
	fs := funcs(st.StackPCs())
	if !strings.HasSuffix(fs[0], ".createCard") {
		t.Errorf("top frame = %s, want createCard", fs[0])
	}
	for _, f := range fs {
		if strings.HasSuffix(f, "xerrors.New") || strings.HasSuffix(f, "xerrors.callers") {
			t.Errorf("stack includes helper frame %s", f)
		}
	}

	if got := Newf("limit %d exceeded", 10).Error(); got != "limit 10 exceeded" {
		t.Errorf("Newf = %q", got)
	}
}

func TestWrap_RecordsCallSite(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("wrapping nil must stay nil")
	}

	base := errors.New("connection refused")
	err := Wrapf(Wrap(base, "select card"), "get %s", "k3J9")
	if err.Error() != "get k3J9: select card: connection refused" {
		t.Fatalf("Error() = %q", err)
	}
	if !errors.Is(err, base) {
		t.Fatal("cause lost")
	}

	var pcs []uintptr
	for e := err; e != nil; e = errors.Unwrap(e) {
		if f, ok := e.(interface{ PC() uintptr }); ok {
			pcs = append(pcs, f.PC())
		}
	}
	if len(pcs) != 2 {
		t.Fatalf("frames = %d, want 2", len(pcs))
	}
	for _, pc := range pcs {
		if fn := funcAt(pc); !strings.HasSuffix(fn, ".TestWrap_RecordsCallSite") {
			t.Errorf("frame = %s, want the test", fn)
		}
	}
}

func TestEnsureTrace(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("nil must stay nil")
	}

	plain := fmt.Errorf("listen: %w", errors.New("address in use"))
	traced := EnsureTrace(plain)
	var st interface{ StackPCs() []uintptr }
	if !errors.As(traced, &st) || len(st.StackPCs()) == 0 {
		t.Fatal("stack not added")
	}
	if traced.Error() != plain.Error() || !errors.Is(traced, plain) {
		t.Fatal("EnsureTrace changed the error")
	}

	// already stacked somewhere below a wrap
	deep := Wrap(New("boom"), "start")
	if EnsureTrace(deep) != deep {
		t.Fatal("second stack added")
	}
}

func TestMark_StoreUnavailable(t *testing.T) {
	breaker := errors.New("circuit breaker is open")
	err := Mark(Wrap(breaker, "get card"), errStore)

	if !errors.Is(err, errStore) || !errors.Is(err, breaker) {
		t.Fatal("errors.Is must match both the kind and the cause")
	}
	if err.Error() != "card store unavailable: get card: circuit breaker is open" {
		t.Fatalf("Error() = %q", err)
	}
	var f interface{ PC() uintptr }
	if !errors.As(err, &f) || f.PC() == 0 {
		t.Fatal("Mark should record a frame")
	}

	// wrapping a marked error keeps the kind visible
	if !errors.Is(Wrap(err, "handler"), errStore) {
		t.Fatal("kind lost through Wrap")
	}
}

func TestMark_Nil(t *testing.T) {
	if Mark(nil, errStore) != nil {
		t.Fatal("Mark(nil) should be nil")
	}
	cause := errors.New("x")
	if Mark(cause, nil) != cause {
		t.Fatal("Mark(err, nil) should return err unchanged")
	}
}

func TestWrappersAreMarked(t *testing.T) {
	type wrapper interface{ IsXerrorsWrapper() }
	for _, err := range []error{New("a"), Wrap(errStore, "b"), Mark(errStore, errStore), EnsureTrace(errStore)} {
		if _, ok := err.(wrapper); !ok {
			t.Errorf("%T is not marked as a wrapper", err)
		}
	}
}
