package reqctx

import (
	"context"
	"testing"
	"time"
)

func TestFrom_ReturnsCopy(t *testing.T) {
	ctx := With(context.Background(), &RequestContext{RequestID: "r-1", Path: "/api/v1/resources"})

	rc, ok := From(ctx)
	if !ok {
		t.Fatal("expected RequestContext")
	}
	rc.RequestID = "mutated"

	again, _ := From(ctx)
	if again.RequestID != "r-1" {
		t.Fatalf("RequestID = %q, stored value was mutated", again.RequestID)
	}
}

func TestFrom_Missing(t *testing.T) {
	if _, ok := From(context.Background()); ok {
		t.Fatal("empty context should not carry a RequestContext")
	}
	if rc := MustFrom(context.Background()); rc == nil || rc.RequestID != "" {
		t.Fatal("MustFrom should return a zero value")
	}
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name string
		rc   RequestContext
		want string
	}{
		{"user wins", RequestContext{ClientIP: "203.0.113.7", Principal: &Principal{UserID: "42"}}, "user:42"},
		{"token only falls back to ip", RequestContext{ClientIP: "203.0.113.7", Principal: &Principal{TokenID: "t"}}, "ip:203.0.113.7"},
		{"ip", RequestContext{ClientIP: "203.0.113.7"}, "ip:203.0.113.7"},
		{"anonymous without ip", RequestContext{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rc.Identifier(); got != tt.want {
				t.Fatalf("Identifier() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrincipal_Can(t *testing.T) {
	p := &Principal{UserID: "1", Abilities: []string{"resources:write"}}
	if !p.Can("resources:write") || p.Can("admin") {
		t.Fatal("ability check mismatch")
	}
	admin := &Principal{UserID: "2", Abilities: []string{"*"}}
	if !admin.Can("admin") {
		t.Fatal("wildcard should grant every ability")
	}
	var nilP *Principal
	if nilP.Can("x") {
		t.Fatal("nil principal has no abilities")
	}
}

func TestPrincipalFrom_PrefersRequestContext(t *testing.T) {
	early := &Principal{UserID: "early"}
	frozen := &Principal{UserID: "frozen"}

	ctx := WithPrincipal(context.Background(), early)
	if got := PrincipalFrom(ctx); got != early {
		t.Fatal("expected principal from WithPrincipal")
	}

	ctx = With(ctx, &RequestContext{Principal: frozen})
	if got := PrincipalFrom(ctx); got != frozen {
		t.Fatal("RequestContext principal should win")
	}
}

func TestElapsed(t *testing.T) {
	rc := RequestContext{StartedAt: time.Now().Add(-50 * time.Millisecond)}
	if rc.Elapsed() < 50*time.Millisecond {
		t.Fatalf("Elapsed = %v", rc.Elapsed())
	}
	if (&RequestContext{}).Elapsed() != 0 {
		t.Fatal("zero StartedAt should report zero elapsed")
	}
}

func TestWithSlot_SeesContextBuiltLater(t *testing.T) {
	outer := WithSlot(context.Background())
	if _, ok := From(outer); ok {
		t.Fatal("empty slot reported a RequestContext")
	}

	inner := With(outer, &RequestContext{RequestID: "req-1"})
	_ = With(inner, &RequestContext{RequestID: "req-2"})

	rc, ok := From(outer)
	if !ok || rc.RequestID != "req-1" {
		t.Fatalf("From(outer) = %+v, %v; want the first RequestContext", rc, ok)
	}
	rc.RequestID = "mutated"
	if MustFrom(outer).RequestID != "req-1" {
		t.Fatal("slot value was mutated through a copy")
	}
}
