package redact

import (
	"net/url"
	"reflect"
	"testing"
)

func TestBody_MasksNestedKeys(t *testing.T) {
	got := Body([]byte(`{
		"email": "a@example.test",
		"Password": "hunter2",
		"profile": {"api_key": "k", "name": "n"},
		"tokens": [{"refresh_token": "r"}, {"kind": "x"}],
		"count": 3
	}`))

	want := map[string]any{
		"email":    "a@example.test",
		"Password": Placeholder,
		"profile":  map[string]any{"api_key": Placeholder, "name": "n"},
		"tokens":   []any{map[string]any{"refresh_token": Placeholder}, map[string]any{"kind": "x"}},
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("Body = %T", got)
	}
	if m["count"].(interface{ String() string }).String() != "3" {
		t.Fatalf("count = %v", m["count"])
	}
	delete(m, "count")
	if !reflect.DeepEqual(m, want) {
		t.Fatalf("Body =\n%#v\nwant\n%#v", m, want)
	}
}

func TestBody_NonJSON(t *testing.T) {
	for _, in := range []string{"", "   ", "password=x", "{broken"} {
		if got := Body([]byte(in)); got != nil {
			t.Errorf("Body(%q) = %v, want nil", in, got)
		}
	}
}

func TestValue_DoesNotModifyInput(t *testing.T) {
	in := map[string]any{"secret": "s", "inner": map[string]any{"token": "t"}}
	_ = Value(in)
	if in["secret"] != "s" || in["inner"].(map[string]any)["token"] != "t" {
		t.Fatalf("input modified: %v", in)
	}
}

func TestIsSensitiveKey_WholeKeyOnly(t *testing.T) {
	if !IsSensitiveKey("ACCESS_TOKEN") {
		t.Fatal("match is case-insensitive")
	}
	if IsSensitiveKey("token_type") || IsSensitiveKey("secretary") {
		t.Fatal("only whole keys match")
	}
}

func TestURL(t *testing.T) {
	u, _ := url.Parse("/api/v1/reset?token=abc&page=2")
	if got := URL(u); got != "/api/v1/reset?page=2&token=%2A%2A%2AMASKED%2A%2A%2A" {
		t.Fatalf("URL = %q", got)
	}
	u, _ = url.Parse("/api/v1/items")
	if got := URL(u); got != "/api/v1/items" {
		t.Fatalf("URL = %q", got)
	}
}

func TestURLString(t *testing.T) {
	for in, want := range map[string]string{
		"https://example.com/page?token=abc&x=1": "https://example.com/page?token=%2A%2A%2AMASKED%2A%2A%2A&x=1",
		"https://example.com/page":               "https://example.com/page",
		"inline":                                 "inline",
		"":                                       "",
	} {
		if got := URLString(in); got != want {
			t.Errorf("URLString(%q) = %q, want %q", in, got, want)
		}
	}
}
