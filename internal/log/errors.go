package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// implemented by internal/xerrors wrappers
type (
	framer      interface{ PC() uintptr }
	stackTracer interface{ StackPCs() []uintptr }
)

// errorFields are the kv pairs Error appends for err
func errorFields(err error, links int) []any {
	surface, root := errorTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if links > 0 {
		kv = append(kv, "error_links", errorLinks(err, links))
	}
	return kv
}

// errorChain lists each distinct message down the Unwrap chain, then the members of a joined error.
func errorChain(err error) []string {
	var out []string
	add := func(msg string) {
		if len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// errorLinks maps up to max chain entries to the call site that created them.
// The outermost entry is always kept, deeper ones only when they have a position.
func errorLinks(err error, max int) []map[string]any {
	var out []map[string]any
	depth := 0
	for e := err; e != nil && depth < max; e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fr, ok := errorFrame(e)
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if ok || depth == 0 {
			out = append(out, link)
		}
		depth++
	}
	return out
}

func errorFrame(e error) (runtime.Frame, bool) {
	switch v := e.(type) {
	case framer:
		if pc := v.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return fr, true
		}
	case stackTracer:
		frames := runtime.CallersFrames(v.StackPCs())
		for {
			fr, more := frames.Next()
			if fr.Function != "" && !internalFrame(fr.Function) && !strings.Contains(fr.Function, "/internal/xerrors.") {
				return fr, true
			}
			if !more {
				break
			}
		}
	}
	return runtime.Frame{}, false
}

// errorTypes reports the first type in the chain that is not a plain wrapper, and the innermost type.
func errorTypes(err error) (surface, root string) {
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface == "" && !wrapperType(e) {
			surface = reflect.TypeOf(e).String()
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}

func wrapperType(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.Contains(t.PkgPath(), "/internal/xerrors") || (t.PkgPath() == "fmt" && t.Name() == "wrapError")
}

// internalFrame is true for runtime, slog and this package
func internalFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.")
}

// renderStack prints func and file:line per frame, starting at the first frame
// outside the logger and stopping at the runtime.
func renderStack(pcs []uintptr) string {
	var b strings.Builder
	started := false
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if started || !internalFrame(fr.Function) {
			started = true
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
