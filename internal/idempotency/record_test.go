package idempotency

import (
	"net/http"
	"testing"
)

func TestFingerprint_CanonicalJSON(t *testing.T) {
	a := Fingerprint([]byte(`{"b":[1,2,{"y":true,"x":null}],"a":"s"}`))
	b := Fingerprint([]byte("{ \"a\" : \"s\",\n \"b\" : [1, 2, {\"x\": null, \"y\": true}] }"))
	if a != b {
		t.Fatal("key order and whitespace should not change the fingerprint")
	}
	if a == Fingerprint([]byte(`{"a":"s","b":[2,1,{"x":null,"y":true}]}`)) {
		t.Fatal("array order must change the fingerprint")
	}
}

func TestFingerprint_LargeNumbersKeepPrecision(t *testing.T) {
	if Fingerprint([]byte(`{"n":9007199254740993}`)) == Fingerprint([]byte(`{"n":9007199254740992}`)) {
		t.Fatal("numbers must not be rounded through float64")
	}
}

func TestFingerprint_NonJSONHashedRaw(t *testing.T) {
	if Fingerprint([]byte("a=1&b=2")) == Fingerprint([]byte("b=2&a=1")) {
		t.Fatal("form bodies are hashed as sent")
	}
	if Fingerprint([]byte(`{"a":1} trailing`)) == Fingerprint([]byte(`{"a":1}`)) {
		t.Fatal("trailing data makes a body non-JSON")
	}
	if len(Fingerprint(nil)) != 64 {
		t.Fatal("empty body still yields a sha256 hex digest")
	}
}

func TestStorableHeaders_DropsRequestScoped(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-Id", "r-1")
	h.Set("X-RateLimit-Remaining", "3")
	h.Set("Location", "/x")

	got := storableHeaders(h)
	if got.Get("X-Request-Id") != "" || got.Get("X-RateLimit-Remaining") != "" {
		t.Fatalf("request-scoped headers kept: %v", got)
	}
	if got.Get("Location") != "/x" || got.Get("Content-Type") != "application/json" {
		t.Fatalf("response headers lost: %v", got)
	}
}
