package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/health"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/version"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startOps(t *testing.T, opts *Options) int {
	t.Helper()
	if opts.Port == 0 {
		opts.Port = getFreePort(t)
	}
	stop, err := Start(context.Background(), log.Nop(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return opts.Port
}

// opsGet returns the status and body of GET path on the ops listener.
func opsGet(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

// lifecycle

func TestStart_StopClosesListener(t *testing.T) {
	port := getFreePort(t)
	stop, err := Start(context.Background(), log.Nop(), &Options{Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if code, _ := opsGet(t, port, "/healthz"); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := stop(ctx); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}

	if _, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port)); err == nil {
		t.Fatal("listener still accepting after stop")
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := startOps(t, &Options{})
	if _, err := Start(context.Background(), log.Nop(), &Options{Port: port}); err == nil {
		t.Fatal("expected error for port conflict")
	}
}

// endpoints

func TestStart_Endpoints(t *testing.T) {
	var gate health.ShutdownGate
	port := startOps(t, &Options{
		Health: health.Fixed(true, ""),
		Readiness: health.All(
			gate.Probe(),
			health.Named("store", health.Fixed(false, "connection refused")),
		),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# HELP fake_metric\n"))
		}),
		Version: &version.Info{AppName: "svc", Version: "1.2.3", Commit: "abc123"},
	})

	tests := []struct {
		path     string
		want     int
		contains string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/readyz", http.StatusServiceUnavailable, "store: connection refused"},
		{"/metrics", http.StatusOK, "fake_metric"},
		{"/-/version", http.StatusOK, `"version":"1.2.3"`},
		{"/-/policy", http.StatusNotFound, ""},
		{"/debug/pprof/", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := opsGet(t, port, tt.path)
			if code != tt.want {
				t.Fatalf("status = %d, want %d (body %q)", code, tt.want, body)
			}
			if !strings.Contains(body, tt.contains) {
				t.Fatalf("body = %q, want %q", body, tt.contains)
			}
		})
	}

	gate.Set("draining")
	if _, body := opsGet(t, port, "/readyz"); !strings.Contains(body, "draining") {
		t.Fatalf("readyz body after drain = %q", body)
	}
}

func TestStart_VersionEndpoint(t *testing.T) {
	port := startOps(t, &Options{Version: &version.Info{AppName: "svc", Commit: "abc123"}})

	_, body := opsGet(t, port, "/-/version")
	var got version.Info
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v (body %q)", err, body)
	}
	if got.AppName != "svc" || got.Commit != "abc123" {
		t.Fatalf("version = %+v", got)
	}
}

func TestStart_OptionalEndpointsAbsent(t *testing.T) {
	port := startOps(t, &Options{})
	for _, p := range []string{"/metrics", "/-/version"} {
		if code, _ := opsGet(t, port, p); code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", p, code)
		}
	}
}

func TestStart_PprofEnabled(t *testing.T) {
	port := startOps(t, &Options{EnablePprof: true})
	if code, _ := opsGet(t, port, "/debug/pprof/"); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
}

// recoverPlain

func TestRecoverPlain(t *testing.T) {
	panics := 0
	h := recoverPlain(log.Nop(), func() { panics++ }, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("onPanic calls = %d, want 1", panics)
	}
}

func TestRecoverPlain_AbortHandlerRepanics(t *testing.T) {
	h := recoverPlain(log.Nop(), nil, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", r)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	t.Fatal("expected re-panic")
}

// requireNonPublicNetwork

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"[fd00::1]:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[::ffff:10.0.0.1]:12345", http.StatusOK},
		{"8.8.8.8:12345", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"[2001:db8::1]:443", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"999.999.999.999:8080", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
			req.RemoteAddr = tt.remote
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireNonPublicNetwork_IgnoresForwardedFor(t *testing.T) {
	h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("public peer reached the handler")
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	req.RemoteAddr = "8.8.8.8:443"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
