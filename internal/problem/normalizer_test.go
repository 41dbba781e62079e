package problem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

func newTestNormalizer(production bool) *Normalizer {
	n := NewNormalizer("https://api.example.test/", production, nil)
	n.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("JST", 9*3600)) }
	return n
}

func writeProblem(t *testing.T, n *Normalizer, r *http.Request, err error) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	n.Write(rec, r, err)
	if ct := rec.Header().Get("Content-Type"); ct != ContentType {
		t.Fatalf("Content-Type = %q, want %q", ct, ContentType)
	}
	var body map[string]any
	if jErr := json.Unmarshal(rec.Body.Bytes(), &body); jErr != nil {
		t.Fatalf("decode body: %v (%s)", jErr, rec.Body.String())
	}
	return rec, body
}

func TestWrite_ProductionMasksUnclassified(t *testing.T) {
	n := newTestNormalizer(true)
	r := httptest.NewRequest(http.MethodGet, "/api/v1/resources", http.NoBody)

	rec, body := writeProblem(t, n, r, fmt.Errorf("pq: connection refused on 10.0.0.5"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body["detail"] != MaskedDetail {
		t.Fatalf("detail = %v", body["detail"])
	}
	if _, ok := body["debug"]; ok {
		t.Fatal("debug member must be absent in production")
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Fatal("raw error text leaked into the response")
	}
	id, _ := body["trace_id"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("trace_id %q is not a UUID", id)
	}
	if body["error_code"] != apperr.CodeInternal {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestWrite_DevelopmentIncludesDebug(t *testing.T) {
	n := newTestNormalizer(false)
	r := httptest.NewRequest(http.MethodGet, "/boom", http.NoBody)

	rec, body := writeProblem(t, n, r, xerrors.New("cache warmup failed"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["detail"] == MaskedDetail {
		t.Fatal("detail should not be masked outside production")
	}
	dbg, ok := body["debug"].(map[string]any)
	if !ok {
		t.Fatalf("debug missing: %s", rec.Body.String())
	}
	if dbg["exception"] != "*errors.errorString" {
		t.Fatalf("exception = %v", dbg["exception"])
	}
	if file, _ := dbg["file"].(string); !strings.HasSuffix(file, "normalizer_test.go") {
		t.Fatalf("file = %v, want the test file", dbg["file"])
	}
	if line, _ := dbg["line"].(float64); line == 0 {
		t.Fatal("line should be set")
	}
	if tr, _ := dbg["trace"].([]any); len(tr) == 0 {
		t.Fatal("trace should list frames")
	}
}

func TestWrite_InfrastructureDebugSkipsConstructors(t *testing.T) {
	n := newTestNormalizer(false)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/resources", http.NoBody)

	_, body := writeProblem(t, n, r, apperr.Unavailable(errors.New("redis down")))

	dbg := body["debug"].(map[string]any)
	file, _ := dbg["file"].(string)
	if strings.Contains(file, "/internal/apperr/") {
		t.Fatalf("debug file points at the constructor: %s", file)
	}
	if body["status"].(float64) != 503 {
		t.Fatalf("status = %v", body["status"])
	}
}

func TestWrite_ValidationNeverMasked(t *testing.T) {
	n := newTestNormalizer(true)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/resources", http.NoBody)

	err := apperr.Validation(map[string][]string{
		"name":  {"The name field is required."},
		"email": {"The email field must be a valid email address."},
	})
	rec, body := writeProblem(t, n, r, err)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["error_code"] != "validation_error" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
	fields, ok := body["errors"].(map[string]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("errors = %v", body["errors"])
	}
	for k, v := range fields {
		msgs, _ := v.([]any)
		if len(msgs) == 0 {
			t.Fatalf("errors[%s] is empty", k)
		}
	}
	if body["detail"] != "The given data was invalid." {
		t.Fatalf("detail = %v", body["detail"])
	}
}

func TestWrite_DomainPassesThroughInProduction(t *testing.T) {
	n := newTestNormalizer(true)
	r := httptest.NewRequest(http.MethodGet, "/api/v1/resources/9", http.NoBody)

	rec, body := writeProblem(t, n, r, apperr.NotFound("Resource 9 does not exist."))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["detail"] != "Resource 9 does not exist." {
		t.Fatalf("detail = %v", body["detail"])
	}
	if body["type"] != "https://api.example.test/errors/not_found" {
		t.Fatalf("type = %v", body["type"])
	}
	if body["instance"] != "/api/v1/resources/9" {
		t.Fatalf("instance = %v", body["instance"])
	}
	if body["timestamp"] != "2026-03-01T03:00:00Z" {
		t.Fatalf("timestamp = %v", body["timestamp"])
	}
}

func TestWrite_TraceIDFromRequestContext(t *testing.T) {
	n := newTestNormalizer(true)
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r = r.WithContext(reqctx.With(r.Context(), &reqctx.RequestContext{RequestID: "req-123"}))

	_, body := writeProblem(t, n, r, errors.New("x"))
	if body["trace_id"] != "req-123" {
		t.Fatalf("trace_id = %v, want request id", body["trace_id"])
	}
}

func TestWrite_ExtensionsCannotOverrideReserved(t *testing.T) {
	n := newTestNormalizer(true)
	r := httptest.NewRequest(http.MethodPost, "/hooks", http.NoBody)

	err := apperr.Policy(http.StatusUnprocessableEntity, "idempotency_conflict", "Idempotency-Key conflict", "").
		WithExtension("error", "Idempotency-Key conflict").
		WithExtension("status", 200)

	rec, body := writeProblem(t, n, r, err)
	if rec.Code != http.StatusUnprocessableEntity || body["status"].(float64) != 422 {
		t.Fatalf("status overridden: code=%d body=%v", rec.Code, body["status"])
	}
	if body["error"] != "Idempotency-Key conflict" {
		t.Fatalf("error extension = %v", body["error"])
	}
}

func TestWrite_ClearsETag(t *testing.T) {
	n := newTestNormalizer(true)
	rec := httptest.NewRecorder()
	rec.Header().Set("ETag", `"abc"`)
	n.Write(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), errors.New("x"))
	if rec.Header().Get("ETag") != "" {
		t.Fatal("problem responses must not carry an ETag")
	}
}

func TestClassify(t *testing.T) {
	var syntaxErr error = json.Unmarshal([]byte(`{"a":`), new(map[string]any))
	var typeErr error = json.Unmarshal([]byte(`{"age":"x"}`), new(struct {
		Age int `json:"age"`
	}))

	tests := []struct {
		name   string
		err    error
		status int
		code   string
		kind   apperr.Kind
	}{
		{"max bytes", &http.MaxBytesError{Limit: 10}, 413, apperr.CodePayloadTooLarge, apperr.KindPolicy},
		{"syntax", syntaxErr, 400, apperr.CodeMalformedJSON, apperr.KindPolicy},
		{"type mismatch", typeErr, 422, apperr.CodeValidation, apperr.KindValidation},
		{"deadline", xerrors.Wrap(context.DeadlineExceeded, "store get"), 504, apperr.CodeTimeout, apperr.KindInfrastructure},
		{"wrapped apperr", fmt.Errorf("ctx: %w", apperr.Forbidden("")), 403, apperr.CodeForbidden, apperr.KindForbidden},
		{"plain", errors.New("plain"), 500, apperr.CodeInternal, apperr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify(tt.err)
			if e.Status != tt.status || e.Code != tt.code || e.Kind != tt.kind {
				t.Fatalf("got (%d, %s, %s), want (%d, %s, %s)", e.Status, e.Code, e.Kind, tt.status, tt.code, tt.kind)
			}
		})
	}
}

func TestClassify_ValidatorErrors(t *testing.T) {
	type input struct {
		Name  string `validate:"required"`
		Email string `validate:"required,email"`
		Count int    `validate:"min=1"`
	}
	err := validator.New().Struct(input{Email: "nope"})

	e := Classify(err)
	if e.Kind != apperr.KindValidation || e.Status != 422 {
		t.Fatalf("kind=%s status=%d", e.Kind, e.Status)
	}
	want := map[string]string{
		"Name":  "The Name field is required.",
		"Email": "The Email field must be a valid email address.",
		"Count": "The Count field must be at least 1.",
	}
	for field, msg := range want {
		got := e.Fields[field]
		if len(got) != 1 || got[0] != msg {
			t.Fatalf("Fields[%s] = %v, want [%q]", field, got, msg)
		}
	}
}

func TestHandler_WritesReturnedError(t *testing.T) {
	n := newTestNormalizer(true)
	h := n.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return apperr.Unauthenticated("")
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", http.NoBody))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_NoErrorLeavesResponse(t *testing.T) {
	n := newTestNormalizer(true)
	h := n.Handler(func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/x", http.NoBody))
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}
