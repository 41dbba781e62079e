package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyInfo exposes the hash of the active policy document.
type PolicyInfo interface {
	Hash() string
}

// PolicyHeaders adds X-Policy-Hash (first 12 characters) so a response can
// be tied to the policy that shaped it. Built-in defaults have no hash and
// add nothing.
func PolicyHeaders(info PolicyInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				if h := info.Hash(); h != "" {
					short := h
					if len(short) > 12 {
						short = short[:12]
					}
					w.Header().Set("X-Policy-Hash", short)
					if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
						span.SetAttributes(attribute.String("policy.hash", h))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
