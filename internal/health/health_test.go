package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func serve(t *testing.T, h http.Handler, method string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, "/readyz", nil))
	return rec
}

// handlers

func TestHandlers(t *testing.T) {
	tests := []struct {
		name       string
		h          http.Handler
		wantStatus int
		wantBody   string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok\n"},
		{"healthz nil probe", HealthzHandler(nil), http.StatusOK, "ok\n"},
		{"healthz failing", HealthzHandler(Fixed(false, "wedged")), http.StatusServiceUnavailable, "wedged\n"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready\n"},
		{"readyz failing", ReadyzHandler(Fixed(false, "")), http.StatusServiceUnavailable, "unhealthy\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, tt.h, http.MethodGet)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Fatalf("Cache-Control = %q, want no-store", got)
			}
		})
	}
}

func TestHandler_HeadHasNoBody(t *testing.T) {
	rec := serve(t, ReadyzHandler(Fixed(false, "draining")), http.MethodHead)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD body = %q", rec.Body.String())
	}
}

func TestReadyzHandler_ListsEveryFailure(t *testing.T) {
	var gate ShutdownGate
	gate.Set("")
	p := All(gate.Probe(), Named("store", Fixed(false, "connection refused")), Fixed(true, ""))

	rec := serve(t, ReadyzHandler(p), http.MethodGet)
	body := rec.Body.String()
	for _, want := range []string{"draining", "store: connection refused"} {
		if !strings.Contains(body, want) {
			t.Errorf("body = %q, missing %q", body, want)
		}
	}
}

// All / Named

func TestAll(t *testing.T) {
	calls := 0
	counting := CheckFunc(func(context.Context) error { calls++; return nil })

	if err := All().Check(context.Background()); err != nil {
		t.Fatalf("empty All = %v", err)
	}
	if err := All(nil, counting, nil).Check(context.Background()); err != nil {
		t.Fatalf("All with nils = %v", err)
	}

	boom := errors.New("boom")
	err := All(Fixed(false, "first"), CheckFunc(func(context.Context) error { return boom }), counting).Check(context.Background())
	if err == nil || !errors.Is(err, boom) || !strings.Contains(err.Error(), "first") {
		t.Fatalf("All = %v, want both failures", err)
	}
	if calls != 2 {
		t.Fatalf("probe calls = %d, want 2 (no short circuit)", calls)
	}
}

func TestNamed(t *testing.T) {
	if err := Named("nats", nil).Check(context.Background()); err != nil {
		t.Fatalf("Named(nil) = %v", err)
	}
	base := errors.New("timeout")
	err := Named("nats", CheckFunc(func(context.Context) error { return base })).Check(context.Background())
	if !errors.Is(err, base) || !strings.HasPrefix(err.Error(), "nats") {
		t.Fatalf("Named = %v", err)
	}
}

// ShutdownGate

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	if g.Draining() || p.Check(context.Background()) != nil {
		t.Fatal("zero gate should be open")
	}

	g.Set("")
	if !g.Draining() {
		t.Fatal("Draining() = false after Set")
	}
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("Check = %v, want draining", err)
	}

	g.Set("deploy")
	if err := p.Check(context.Background()); err == nil || err.Error() != "deploy" {
		t.Fatalf("Check = %v, want deploy", err)
	}

	g.Clear()
	if g.Draining() || p.Check(context.Background()) != nil {
		t.Fatal("gate should reopen after Clear")
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("draining") }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
	if !g.Draining() {
		t.Fatal("gate should be closed")
	}
}
