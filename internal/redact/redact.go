// Package redact masks credentials in request data before it is logged or
// audited.
package redact

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

const Placeholder = "***MASKED***"

// sensitiveKeys are matched case-insensitively against whole keys.
var sensitiveKeys = map[string]struct{}{
	"password":              {},
	"password_confirmation": {},
	"token":                 {},
	"api_token":             {},
	"access_token":          {},
	"refresh_token":         {},
	"secret":                {},
	"api_key":               {},
}

func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// Value returns a copy of v with every sensitive object member replaced by
// Placeholder, descending through nested objects and arrays. v is not
// modified.
func Value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if IsSensitiveKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = Value(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Value(inner)
		}
		return out
	default:
		return v
	}
}

// Body decodes a JSON request body and masks it. Empty or non-JSON
// bodies yield nil, so raw bytes never reach a log record.
func Body(body []byte) any {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return Value(v)
}

// URL masks sensitive query parameters of a request URI.
func URL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.RequestURI()
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return u.EscapedPath()
	}
	for k := range q {
		if IsSensitiveKey(k) {
			q[k] = []string{Placeholder}
		}
	}
	return u.EscapedPath() + "?" + q.Encode()
}

// URLString masks sensitive query parameters of an absolute or relative
// URL and keeps the rest as given. Values that do not parse, like the CSP
// keywords "inline" or "eval", come back unchanged.
func URLString(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.RawQuery == "" {
		return s
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		u.RawQuery = ""
		return u.String()
	}
	for k := range q {
		if IsSensitiveKey(k) {
			q[k] = []string{Placeholder}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
