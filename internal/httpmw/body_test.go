package httpmw

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
)

func TestMaxBody_CapturesAndRewinds(t *testing.T) {
	var ctxBody, handlerBody string
	h := MaxBody(64, testNormalizer())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxBody = string(RequestBody(r.Context()))
		b, _ := io.ReadAll(r.Body)
		handlerBody = string(b)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`)))

	if ctxBody != `{"name":"a"}` || handlerBody != ctxBody {
		t.Fatalf("ctx=%q handler=%q", ctxBody, handlerBody)
	}
}

func TestMaxBody_TooLarge(t *testing.T) {
	called := false
	h := MaxBody(8, testNormalizer())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64))))

	if called {
		t.Fatal("handler ran for oversized body")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if problemCode(t, rec) != apperr.CodePayloadTooLarge {
		t.Fatalf("error_code = %q", problemCode(t, rec))
	}
}

func TestMaxBody_NoBody(t *testing.T) {
	var got []byte
	seen := false
	h := MaxBody(8, testNormalizer())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = true
		got = RequestBody(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if !seen || got != nil {
		t.Fatalf("seen=%v body=%q", seen, got)
	}
}

func TestMaxBody_FillsOuterSlot(t *testing.T) {
	var outer []byte
	inner := MaxBody(64, testNormalizer())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithBodySlot(r.Context())
		inner.ServeHTTP(w, r.WithContext(ctx))
		outer = RequestBody(ctx)
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`)))

	if string(outer) != `{"a":1}` {
		t.Fatalf("outer body = %q", outer)
	}
}
