package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// newRecordingSpan creates a context with a real recording span for testing.
func newRecordingSpan(t *testing.T, name string) (context.Context, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, _ := tp.Tracer("test").Start(context.Background(), name)
	return ctx, sr
}

func spanAttr(spans []sdktrace.ReadOnlySpan, key string) (string, bool) {
	for _, s := range spans {
		for _, a := range s.Attributes() {
			if string(a.Key) == key {
				return a.Value.Emit(), true
			}
		}
	}
	return "", false
}

func TestAnnotateHTTPRoute_WithChiRouter(t *testing.T) {
	ctx, sr := newRecordingSpan(t, "initial")

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	r.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", http.NoBody).WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	trace.SpanFromContext(ctx).End()
	spans := sr.Ended()
	if v, ok := spanAttr(spans, "http.route"); !ok || v != "/users/{id}" {
		t.Fatalf("http.route = %q (found=%v)", v, ok)
	}
	if spans[0].Name() != "GET /users/{id}" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
}

func TestAnnotateHTTPRoute_NoSpan(t *testing.T) {
	called := false
	AnnotateHTTPRoute(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", http.NoBody))
	if !called {
		t.Fatal("handler not called without span")
	}
}

func TestRoutePattern(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/some/path", http.NoBody)
	if got := RoutePattern(plain); got != "/some/path" {
		t.Fatalf("RoutePattern without chi = %q", got)
	}

	rctx := chi.NewRouteContext()
	rctx.RoutePatterns = []string{"/api/v1/items/{id}"}
	routed := plain.WithContext(context.WithValue(plain.Context(), chi.RouteCtxKey, rctx))
	if got := RoutePattern(routed); got != "/api/v1/items/{id}" {
		t.Fatalf("RoutePattern = %q", got)
	}
}
