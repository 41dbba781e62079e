package idempotency

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/cryptoutil"
)

// Record is what the store holds under an idempotency key. While the first
// request is still running, InFlight is set and Response is nil.
type Record struct {
	PayloadFingerprint string          `json:"payload_fingerprint"`
	InFlight           bool            `json:"in_flight,omitempty"`
	Response           *StoredResponse `json:"response,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

type StoredResponse struct {
	Status  int         `json:"status"`
	Body    []byte      `json:"body"`
	Headers http.Header `json:"headers"`
}

func (r *Record) matches(fingerprint string) bool {
	return cryptoutil.HashEqual(r.PayloadFingerprint, fingerprint)
}

func decodeRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Fingerprint hashes a request body. JSON bodies are decoded and
// re-encoded first so key order and whitespace do not change the result.
// Anything else is hashed as sent.
func Fingerprint(body []byte) string {
	return cryptoutil.SHA256Hex(canonicalJSON(body))
}

func canonicalJSON(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return trimmed
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}

// replayExcluded are response headers owned by the current request rather
// than the stored one.
var replayExcluded = map[string]bool{
	"Date":                  true,
	"Content-Length":        true,
	"Traceparent":           true,
	"X-Request-Id":          true,
	"X-Correlation-Id":      true,
	"X-Ratelimit-Limit":     true,
	"X-Ratelimit-Remaining": true,
	"X-Ratelimit-Reset":     true,
	"X-Ratelimit-Policy":    true,
	"X-Ratelimit-Key":       true,
	"Retry-After":           true,
}

func storableHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if replayExcluded[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}
