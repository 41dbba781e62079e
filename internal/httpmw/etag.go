package httpmw

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-api/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
)

// ETagMetrics observes conditional GET outcomes.
type ETagMetrics interface {
	IncETag(outcome string)
}

// ETag tags GET responses with a strong validator derived from the body and
// answers a matching If-None-Match with 304. Only 200 responses are tagged;
// errors, redirects and other statuses pass through untouched so a problem
// document can never be revalidated into a 304. Bodies over the policy
// limit are streamed untagged.
func ETag(src policy.Source, m ETagMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := src.Current().ETag
			if !p.Enabled || r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			c := NewCapture(w, p.MaxBytes)
			next.ServeHTTP(c, r)

			if c.Overflowed() {
				observeETag(m, "oversized")
				return
			}
			if c.Status() != http.StatusOK {
				_ = c.Commit()
				return
			}

			tag := BodyETag(c.Body())
			h := w.Header()
			h.Set("ETag", tag)

			if r.Header.Get("If-None-Match") == tag {
				observeETag(m, "not_modified")
				h.Del("Content-Length")
				h.Del("Content-Type")
				w.WriteHeader(http.StatusNotModified)
				return
			}
			observeETag(m, "tagged")
			_ = c.Commit()
		})
	}
}

// BodyETag is the quoted sha256 hex of body.
func BodyETag(body []byte) string {
	return `"` + cryptoutil.SHA256Hex(body) + `"`
}

func observeETag(m ETagMetrics, outcome string) {
	if m != nil {
		m.IncETag(outcome)
	}
}
