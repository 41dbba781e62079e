package httpmw

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
)

// flatLogger captures With() and Info() calls for test assertions.
// Returns itself from With() so all calls land in one place.
type flatLogger struct {
	mu    sync.Mutex
	infos []string
	withs [][]any
}

func newFlatLogger() *flatLogger { return &flatLogger{} }

func (l *flatLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withs = append(l.withs, kv)
	return l
}

func (l *flatLogger) Info(_ context.Context, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *flatLogger) Debug(context.Context, string, ...any)        {}
func (l *flatLogger) Warn(context.Context, string, ...any)         {}
func (l *flatLogger) Error(context.Context, error, string, ...any) {}
func (l *flatLogger) Sync() error                                  { return nil }

func (l *flatLogger) lastWith() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.withs) == 0 {
		return nil
	}
	return l.withs[len(l.withs)-1]
}

// fieldValue extracts a value by key from a key/value slice.
func fieldValue(fields []any, key string) (any, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok && k == key {
			return fields[i+1], true
		}
	}
	return nil, false
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (f failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

// ResponseRecorder

func TestResponseRecorder_StatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rw := NewResponseRecorder(rec, r, time.Now())

	if rw.Status() != http.StatusOK {
		t.Fatalf("default status = %d", rw.Status())
	}
	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusTeapot)
	_, _ = rw.Write([]byte("hello"))
	_, _ = rw.Write([]byte(" world"))

	if rw.Status() != http.StatusCreated {
		t.Fatalf("status = %d, want first WriteHeader to win", rw.Status())
	}
	if rw.BytesWritten() != 11 {
		t.Fatalf("bytes = %d", rw.BytesWritten())
	}
	rw.Finish()
}

func TestResponseRecorder_WriteSpan(t *testing.T) {
	ctx, sr := newRecordingSpan(t, "server")
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx)

	rw := NewResponseRecorder(failingWriter{httptest.NewRecorder()}, r, time.Now())
	if _, err := rw.Write([]byte("x")); err == nil {
		t.Fatal("expected write error")
	}
	rw.Finish()
	rw.Finish()
	trace.SpanFromContext(ctx).End()

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() == "response.write" {
			found = true
			if s.Status().Description != "broken pipe" {
				t.Fatalf("write span status = %+v", s.Status())
			}
		}
	}
	if !found {
		t.Fatal("response.write span not recorded")
	}
}

func TestResponseRecorder_FlushAndHijack(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	rec := httptest.NewRecorder()
	NewResponseRecorder(rec, r, time.Now()).Flush()
	if !rec.Flushed {
		t.Fatal("Flush not forwarded")
	}

	hr := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	if _, _, err := NewResponseRecorder(hr, r, time.Now()).Hijack(); err != nil || !hr.hijacked {
		t.Fatalf("Hijack not forwarded: %v", err)
	}

	type plainWriter struct{ http.ResponseWriter }
	if _, _, err := NewResponseRecorder(plainWriter{httptest.NewRecorder()}, r, time.Now()).Hijack(); err == nil {
		t.Fatal("expected Hijack error for non-hijacker")
	}
}

// schemeFromRequest

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		proto     string
		urlScheme string
		tls       bool
		want      string
	}{
		{"forwarded https", "/", "https", "", false, "https"},
		{"forwarded http", "/", "http", "", false, "http"},
		{"case insensitive", "/", "HTTPS", "", false, "https"},
		{"first of many", "/", "https, http", "", false, "https"},
		{"whitespace trimmed", "/", "  https  ", "", false, "https"},
		{"invalid falls through", "/", "ftp", "", false, "http"},
		{"newline injection", "/", "https\r\nX-Injected: evil", "", false, "http"},
		{"null byte", "/", "https\x00evil", "", false, "http"},
		{"url scheme", "https://example.com/path", "", "", false, "https"},
		{"invalid url scheme", "/", "", "gopher", false, "http"},
		{"tls", "/", "", "", true, "https"},
		{"forwarded beats tls", "http://example.com/", "https", "", true, "https"},
		{"default", "/", "", "", false, "http"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if tt.proto != "" {
				r.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			if tt.urlScheme != "" {
				r.URL.Scheme = tt.urlScheme
			}
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			}
			if got := schemeFromRequest(r); got != tt.want {
				t.Fatalf("scheme = %q, want %q", got, tt.want)
			}
		})
	}
}

// WithLogger

func TestWithLogger_Fields(t *testing.T) {
	fl := newFlatLogger()
	var ctxLogger log.Logger
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxLogger = log.FromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/test?secret=hunter2", http.NoBody)
	req.RemoteAddr = "192.168.1.100:54321"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("User-Agent", "EvilBot/1.0")
	req.Host = "evil.example.com"
	req = req.WithContext(WithClientIP(req.Context(), "203.0.113.7"))

	WithLogger(fl)(handler).ServeHTTP(httptest.NewRecorder(), req)

	if ctxLogger != log.Logger(fl) {
		t.Fatal("logger not stored in context")
	}
	kv := fl.lastWith()
	want := map[string]any{
		"client.address":       "203.0.113.7",
		"network.peer.address": "192.168.1.100",
		"http.request.method":  http.MethodGet,
		"url.path":             "/test",
		"url.scheme":           "https",
	}
	for k, v := range want {
		if got, ok := fieldValue(kv, k); !ok || got != v {
			t.Errorf("%s = %v, want %v", k, got, v)
		}
	}
	for _, k := range []string{"user_agent", "server.address", "url.query", "request_id"} {
		if _, found := fieldValue(kv, k); found {
			t.Errorf("unexpected field %q", k)
		}
	}
}

func TestWithLogger_PeerWithoutPort(t *testing.T) {
	fl := newFlatLogger()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "10.0.0.1"
	WithLogger(fl)(okHandler).ServeHTTP(httptest.NewRecorder(), req)

	kv := fl.lastWith()
	if v, _ := fieldValue(kv, "network.peer.address"); v != "10.0.0.1" {
		t.Fatalf("peer = %v", v)
	}
	if v, _ := fieldValue(kv, "client.address"); v != "10.0.0.1" {
		t.Fatalf("client falls back to peer, got %v", v)
	}
}

// Scope

func TestScope_EnrichesLogger(t *testing.T) {
	fl := newFlatLogger()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "inner handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req = req.WithContext(log.WithContext(req.Context(), fl))
	Scope("items")(handler).ServeHTTP(httptest.NewRecorder(), req)

	if v, ok := fieldValue(fl.lastWith(), "handler"); !ok || v != "items" {
		t.Fatalf("handler = %v", v)
	}
	if len(fl.infos) != 1 {
		t.Fatalf("inner log lines = %d", len(fl.infos))
	}
}

// FuzzSchemeFromRequest checks schemeFromRequest only ever returns "http"
// or "https" regardless of what X-Forwarded-Proto contains.
func FuzzSchemeFromRequest(f *testing.F) {
	for _, s := range []string{"http", "https", "HTTPS", "ftp", "", "https, http", "https\r\nX: y", strings.Repeat("A", 10000)} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, proto string) {
		r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		r.Header.Set("X-Forwarded-Proto", proto)
		if got := schemeFromRequest(r); got != "http" && got != "https" {
			t.Fatalf("schemeFromRequest returned %q for %q", got, proto)
		}
	})
}

func FuzzWithLogger_RemoteAddr(f *testing.F) {
	for _, s := range []string{"10.0.0.1:8080", "[::1]:8080", "", "not-an-address", "\x00\x01\x02"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, remoteAddr string) {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.RemoteAddr = remoteAddr
		WithLogger(log.Nop())(okHandler).ServeHTTP(httptest.NewRecorder(), req)
	})
}
