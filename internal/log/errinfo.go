package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// implemented by xerrors values
type hasPC interface{ PC() uintptr }
type hasStack interface{ StackPCs() []uintptr }

// errorFields is what Error appends for a non-nil err. links of 0 omits
// error_links.
func errorFields(err error, links int) []any {
	surface, root := errorTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if links > 0 {
		kv = append(kv, "error_links", chainLinks(err, links))
	}
	return kv
}

// errorChain lists each distinct message down the Unwrap chain, then the
// members of a joined error.
func errorChain(err error) []string {
	var out []string
	push := func(e error) {
		if s := e.Error(); len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		push(e)
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			push(e)
		}
	}
	return out
}

// chainLinks returns up to max links. The first link is always present;
// deeper links only when they carry a source position.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	depth := 0
	for e := err; e != nil && depth < max; e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fn, file, line, ok := errorPosition(e)
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if ok || depth == 0 {
			links = append(links, link)
		}
		depth++
	}
	return links
}

func errorPosition(e error) (fn, file string, line int, ok bool) {
	switch v := e.(type) {
	case hasPC:
		return frameFromPC(v.PC())
	case hasStack:
		return firstExtFrame(v.StackPCs())
	}
	return "", "", 0, false
}

// errorTypes returns the first non-wrapper type in the chain and the type
// of the innermost error.
func errorTypes(err error) (surface, root string) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if surface == "" && !isWrapper(e) {
			surface = fmt.Sprintf("%T", e)
		}
		root = fmt.Sprintf("%T", e)
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}

func isWrapper(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	pkg := t.PkgPath()
	return strings.HasSuffix(pkg, "/internal/xerrors") || (pkg == "fmt" && t.Name() == "wrapError")
}

func isLogFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") || strings.Contains(fn, "/internal/log.")
}

// renderPCs prints func and file:line pairs, starting at the first frame
// outside slog and this package and stopping at the runtime.
func renderPCs(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	started := false
	for {
		fr, more := frames.Next()
		if !more || strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		started = started || !isLogFrame(fr.Function)
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
	}
	return b.String()
}

func frameFromPC(pc uintptr) (fn, file string, line int, ok bool) {
	if pc == 0 {
		return "", "", 0, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function, fr.File, fr.Line, true
}

// firstExtFrame skips runtime, logging and xerrors frames.
func firstExtFrame(pcs []uintptr) (fn, file string, line int, ok bool) {
	frames := runtime.CallersFrames(pcs)
	for len(pcs) > 0 {
		fr, more := frames.Next()
		internal := strings.HasPrefix(fr.Function, "runtime.") ||
			isLogFrame(fr.Function) ||
			strings.Contains(fr.Function, "/internal/xerrors.")
		if !internal {
			return fr.Function, fr.File, fr.Line, true
		}
		if !more {
			break
		}
	}
	return "", "", 0, false
}
