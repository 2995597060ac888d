// Package xerrors adds call-site stacks and frames to errors so the logger
// can print where a failure started without the caller formatting it.
//
// Errors built here expose PC (one frame) or StackPCs (a full stack), and
// IsXerrorsWrapper so the logger can look past them when naming the error type.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the stack of the goroutine that created it
type stacked struct {
	cause error
	pcs   []uintptr
}

func (s *stacked) Error() string       { return s.cause.Error() }
func (s *stacked) Unwrap() error       { return s.cause }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// framed is a message layered over a cause at a single call site
type framed struct {
	cause error
	msg   string
	pc    uintptr
}

func (f *framed) Error() string     { return f.msg + ": " + f.cause.Error() }
func (f *framed) Unwrap() error     { return f.cause }
func (f *framed) PC() uintptr       { return f.pc }
func (f *framed) IsXerrorsWrapper() {}

// marked pairs a cause with a sentinel kind, errors.Is matches either
type marked struct {
	cause, kind error
	pc          uintptr
}

func (m *marked) Error() string     { return m.kind.Error() + ": " + m.cause.Error() }
func (m *marked) Unwrap() []error   { return []error{m.cause, m.kind} }
func (m *marked) PC() uintptr       { return m.pc }
func (m *marked) IsXerrorsWrapper() {}

// callers returns the stack above the exported function that called it
func callers() []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// runtime.Callers, callers, the exported func
	return pcs[:runtime.Callers(3, pcs)]
}

// caller returns the pc of whoever called the exported function
func caller() uintptr {
	var pc [1]uintptr
	if runtime.Callers(3, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error {
	return &stacked{cause: errors.New(msg), pcs: callers()}
}

func Newf(format string, args ...any) error {
	return &stacked{cause: fmt.Errorf(format, args...), pcs: callers()}
}

// EnsureTrace adds the caller's stack unless something in the chain already has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var st interface{ StackPCs() []uintptr }
	if errors.As(err, &st) && len(st.StackPCs()) > 0 {
		return err
	}
	return &stacked{cause: err, pcs: callers()}
}

// Wrap prefixes err with msg and records the caller's frame. A nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &framed{cause: err, msg: msg, pc: caller()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &framed{cause: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}

// Mark tags err with a sentinel kind so errors.Is matches both the kind and
// the original cause, e.g. a breaker rejection marked card.ErrUnavailable.
func Mark(err, kind error) error {
	if err == nil {
		return nil
	}
	if kind == nil {
		return err
	}
	return &marked{cause: err, kind: kind, pc: caller()}
}
