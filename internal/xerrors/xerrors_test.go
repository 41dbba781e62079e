package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			break
		}
	}
	return false
}

// New / Newf

func TestNew_StackContainsCaller(t *testing.T) {
	err := New("test")

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New error should have StackPCs")
	}
	if !stackContains(hs.StackPCs(), "TestNew_StackContainsCaller") {
		t.Fatal("stack should contain calling function")
	}
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf("key %s missing after %d tries", "rate_limit:api:ip_1", 3)
	if got := err.Error(); got != "key rate_limit:api:ip_1 missing after 3 tries" {
		t.Fatalf("Error() = %q", got)
	}
}

// Wrap / Wrapf

func TestWrap_NilReturnsNil(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
}

func TestWrap_MessageAndUnwrap(t *testing.T) {
	err := Wrap(errSentinel, "store get")
	if err.Error() != "store get: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("errors.Is should find sentinel")
	}
}

func TestWrap_HasPC(t *testing.T) {
	err := Wrap(errSentinel, "ctx")
	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("Wrap should capture a PC")
	}
}

// EnsureTrace

func TestEnsureTrace_AddsStackOnce(t *testing.T) {
	err := EnsureTrace(errSentinel)
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("EnsureTrace should add a stack")
	}
	if again := EnsureTrace(err); again != err {
		t.Fatal("EnsureTrace should not re-wrap a stacked error")
	}
}

func TestEnsureTrace_NilReturnsNil(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}
}

// Origin

func TestOrigin_FromNew(t *testing.T) {
	err := New("boom")
	fr, ok := Origin(err)
	if !ok {
		t.Fatal("Origin should resolve a frame")
	}
	if !strings.Contains(fr.Func, "TestOrigin_FromNew") {
		t.Fatalf("Func = %q, want test function", fr.Func)
	}
	if !strings.HasSuffix(fr.File, "xerrors_test.go") || fr.Line == 0 {
		t.Fatalf("File:Line = %s:%d", fr.File, fr.Line)
	}
}

func TestOrigin_PrefersDeepestPosition(t *testing.T) {
	inner := newFromHelper()
	err := Wrap(inner, "outer")

	fr, ok := Origin(err)
	if !ok {
		t.Fatal("Origin should resolve a frame")
	}
	if !strings.Contains(fr.Func, "newFromHelper") {
		t.Fatalf("Func = %q, want newFromHelper", fr.Func)
	}
}

func TestOrigin_WrapOfPlainError(t *testing.T) {
	err := Wrap(errSentinel, "ctx")
	fr, ok := Origin(err)
	if !ok {
		t.Fatal("Origin should use the wrap PC")
	}
	if !strings.Contains(fr.Func, "TestOrigin_WrapOfPlainError") {
		t.Fatalf("Func = %q", fr.Func)
	}
}

func TestOrigin_PlainError(t *testing.T) {
	if _, ok := Origin(fmt.Errorf("plain")); ok {
		t.Fatal("plain error should have no origin")
	}
}

// StackTrace

func TestStackTrace_SkipsXerrorsFrames(t *testing.T) {
	frames := StackTrace(New("boom"))
	if len(frames) == 0 {
		t.Fatal("expected frames")
	}
	for _, f := range frames {
		if strings.HasSuffix(f.File, "/internal/xerrors/xerrors.go") {
			t.Fatalf("unexpected xerrors frame %q", f.Func)
		}
	}
	if !strings.Contains(frames[0].String(), "xerrors_test.go:") {
		t.Fatalf("frame[0] = %q", frames[0].String())
	}
}

func TestStackTrace_NoneCaptured(t *testing.T) {
	if got := StackTrace(errSentinel); got != nil {
		t.Fatalf("StackTrace = %v, want nil", got)
	}
}

func newFromHelper() error { return New("inner") }
