package httpmw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
)

// spyLogger captures Error calls for assertions.
type spyLogger struct {
	log.Logger
	mu     sync.Mutex
	errors []spyError
	kv     []any
}

type spyError struct {
	msg string
	err error
	kv  []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{Logger: log.Nop()}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv = append(s.kv, kv...)
	return s
}

func (s *spyLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, spyError{msg: msg, err: err, kv: kv})
}

func (s *spyLogger) lastError() (spyError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) == 0 {
		return spyError{}, false
	}
	return s.errors[len(s.errors)-1], true
}

func panicking(v any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic(v) })
}

func TestRecover_NoPanic(t *testing.T) {
	spy := newSpyLogger()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "value")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	})

	rec := httptest.NewRecorder()
	Recover(spy, nil, nil)(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", http.NoBody))

	if rec.Code != http.StatusCreated || rec.Body.String() != "created" || rec.Header().Get("X-Custom") != "value" {
		t.Fatalf("response altered: %d %q", rec.Code, rec.Body.String())
	}
	if _, logged := spy.lastError(); logged {
		t.Fatal("error logged when no panic occurred")
	}
}

func TestRecover_WritesProblem(t *testing.T) {
	for _, v := range []any{"something broke", fmt.Errorf("database connection lost")} {
		spy := newSpyLogger()
		n := problem.NewNormalizer("https://api.example.test", true, nil)

		rec := httptest.NewRecorder()
		Recover(spy, n, nil)(panicking(v)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/submit", http.NoBody))

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != problem.ContentType {
			t.Fatalf("Content-Type = %q", ct)
		}
		var doc map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("body is not json: %v", err)
		}
		if doc["detail"] != problem.MaskedDetail {
			t.Fatalf("detail = %v, want masked", doc["detail"])
		}

		e, ok := spy.lastError()
		if !ok || e.msg != "httpserver panic recovered" || e.err == nil {
			t.Fatalf("logged = %+v", e)
		}
		if len(spy.kv) < 4 || spy.kv[1] != http.MethodPost || spy.kv[3] != "/api/submit" {
			t.Fatalf("logger fields = %v", spy.kv)
		}
	}
}

func TestRecover_TraceIDFromInnerRequestContext(t *testing.T) {
	n := problem.NewNormalizer("https://api.example.test", true, nil)
	tests := []struct {
		name    string
		handler http.Handler
		inner   bool
	}{
		{"panic after context built", TraceContext(panicking("handler")), true},
		{"panic before context built", panicking("client ip parse"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/items", http.NoBody)
			r.Header.Set(HeaderRequestID, "req-recover-1")
			rec := httptest.NewRecorder()
			Recover(newSpyLogger(), n, nil)(tt.handler).ServeHTTP(rec, r)

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			var doc map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
				t.Fatalf("body is not json: %v", err)
			}
			id, _ := doc["trace_id"].(string)
			if tt.inner {
				if id != "req-recover-1" {
					t.Fatalf("trace_id = %q, want the request id", id)
				}
				return
			}
			if _, err := uuid.Parse(id); err != nil {
				t.Fatalf("trace_id = %q, want a fresh uuid", id)
			}
		})
	}
}

func TestRecover_NilNormalizerFallsBack(t *testing.T) {
	rec := httptest.NewRecorder()
	Recover(newSpyLogger(), nil, nil)(panicking("boom")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusInternalServerError || rec.Body.Len() == 0 {
		t.Fatalf("fallback = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRecover_AfterResponseStarted(t *testing.T) {
	spy := newSpyLogger()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		panic("late")
	})

	rec := httptest.NewRecorder()
	n := problem.NewNormalizer("", true, nil)
	Recover(spy, n, nil)(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusOK || rec.Body.String() != "partial" {
		t.Fatalf("started response rewritten: %d %q", rec.Code, rec.Body.String())
	}
	if _, ok := spy.lastError(); !ok {
		t.Fatal("late panic not logged")
	}
}

func TestRecover_OnPanicCalled(t *testing.T) {
	var called bool
	Recover(newSpyLogger(), nil, func() { called = true })(panicking("boom")).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if !called {
		t.Fatal("onPanic callback not called")
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	Recover(newSpyLogger(), nil, nil)(panicking(http.ErrAbortHandler)).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
}
