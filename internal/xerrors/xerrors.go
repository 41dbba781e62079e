package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }

type hasStack interface{ StackPCs() []uintptr }

type hasPC interface{ PC() uintptr }

func captureStack(skip int) []uintptr {
	const maxDepth = 64
	pcs := make([]uintptr, maxDepth)
	// value of 2 means skip runtime.Callers + captureStack
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func withStackSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(skip)}
}

func WithStack(err error) error { return withStackSkip(err, 2) }

// EnsureTrace attaches a stack unless one is already present in the chain.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return withStackSkip(err, 2)
}

type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error { return w.err }
func (w *wrap) PC() uintptr   { return w.pc }

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	// value of 2 means skip runtime.Callers + callerPC
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC(1)}
}
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}

func New(msg string) error             { return withStackSkip(errors.New(msg), 2) }
func Newf(f string, args ...any) error { return withStackSkip(fmt.Errorf(f, args...), 2) }

// Frame is a resolved source position.
type Frame struct {
	Func string
	File string
	Line int
}

func (f Frame) String() string {
	return fmt.Sprintf("%s\n\t%s:%d", f.Func, f.File, f.Line)
}

// Origin returns the position where err was created or first wrapped.
// The deepest captured position in the chain wins: a stack captured by New
// or WithStack beats a wrap PC higher up.
func Origin(err error) (Frame, bool) {
	var (
		found Frame
		ok    bool
	)
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch x := e.(type) {
		case hasStack:
			if fr, good := firstUserFrame(x.StackPCs()); good {
				found, ok = fr, true
			}
		case hasPC:
			if fr, good := frameFromPC(x.PC()); good {
				found, ok = fr, true
			}
		}
	}
	return found, ok
}

// StackTrace returns the outermost captured stack in err's chain as frames,
// or nil if nothing in the chain carries one.
func StackTrace(err error) []Frame {
	var hs hasStack
	if !errors.As(err, &hs) || hs == nil {
		return nil
	}
	return Frames(hs.StackPCs())
}

// Frames resolves pcs, dropping runtime and xerrors frames.
func Frames(pcs []uintptr) []Frame {
	if len(pcs) == 0 {
		return nil
	}
	out := make([]Frame, 0, len(pcs))
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if !skipFrame(fr.Function, fr.File) {
			out = append(out, Frame{Func: fr.Function, File: fr.File, Line: fr.Line})
		}
		if !more {
			break
		}
	}
	return out
}

func firstUserFrame(pcs []uintptr) (Frame, bool) {
	fs := Frames(pcs)
	if len(fs) == 0 {
		return Frame{}, false
	}
	return fs[0], true
}

func frameFromPC(pc uintptr) (Frame, bool) {
	if pc == 0 {
		return Frame{}, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return Frame{Func: fr.Function, File: fr.File, Line: fr.Line}, true
}

func skipFrame(fn, file string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.HasSuffix(file, "/internal/xerrors/xerrors.go")
}
