package opshttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
)

type nilSnapshots struct{}

func (nilSnapshots) Snapshot() *policy.Snapshot { return nil }

func TestPolicyAPI_Summary(t *testing.T) {
	m := policy.NewManager()
	m.Set(policy.Snapshot{Doc: policy.Default(), Hash: "abc123", Origin: policy.OriginFile, Verified: true})
	api := NewPolicyAPI(m, log.Nop())

	rec := httptest.NewRecorder()
	api.HandleSummary(rec, httptest.NewRequest(http.MethodGet, "/-/policy", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp PolicySummaryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != "abc123" || resp.Origin != "file" || !resp.Verified {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.RateLimits) == 0 {
		t.Fatal("expected rate limit classes")
	}
	for i := 1; i < len(resp.RateLimits); i++ {
		if resp.RateLimits[i-1] > resp.RateLimits[i] {
			t.Fatalf("classes not sorted: %v", resp.RateLimits)
		}
	}
}

func TestPolicyAPI_SummaryNoSnapshot(t *testing.T) {
	api := NewPolicyAPI(nilSnapshots{}, nil)

	rec := httptest.NewRecorder()
	api.HandleSummary(rec, httptest.NewRequest(http.MethodGet, "/-/policy", http.NoBody))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no policy loaded") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestPolicyAPI_DocumentRoundTrips(t *testing.T) {
	m := policy.NewManager()
	api := NewPolicyAPI(m, log.Nop())

	rec := httptest.NewRecorder()
	api.HandleDocument(rec, httptest.NewRequest(http.MethodGet, "/-/policy/document", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/yaml") {
		t.Fatalf("Content-Type = %q", ct)
	}
	var doc policy.Document
	if err := yaml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if doc.Idempotency.TTL != m.Current().Idempotency.TTL {
		t.Fatalf("idempotency ttl = %v, want %v", doc.Idempotency.TTL, m.Current().Idempotency.TTL)
	}
}

func TestStart_PolicyEndpoint(t *testing.T) {
	port := startOps(t, &Options{Policy: policy.NewManager()})

	code, body := opsGet(t, port, "/-/policy")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !strings.Contains(body, `"origin":"default"`) {
		t.Fatalf("body = %q", body)
	}
}
