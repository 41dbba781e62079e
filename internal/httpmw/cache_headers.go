package httpmw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
)

const noCacheValue = "no-cache, no-store, must-revalidate"

// CacheHeaders sets Cache-Control and Expires from the policy at the moment
// the response headers are committed, overriding whatever the handler set.
// Development and test environments always get no-cache.
func CacheHeaders(src policy.Source, env string) func(http.Handler) http.Handler {
	devLike := env == "development" || env == "dev" || env == "local" || env == "test" || env == "testing"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := src.Current().Cache
			apply := func(h http.Header) {
				if !p.Enabled || r.Method != http.MethodGet {
					h.Del("Cache-Control")
					h.Del("Expires")
					return
				}
				if devLike {
					h.Set("Cache-Control", noCacheValue)
					return
				}
				ttl := p.CacheTTL(r.URL.Path)
				h.Set("Cache-Control", "public, max-age="+strconv.Itoa(ttl))
				h.Set("Expires", time.Now().Add(time.Duration(ttl)*time.Second).UTC().Format(http.TimeFormat))
			}
			next.ServeHTTP(&headerHook{ResponseWriter: w, hook: apply}, r)
		})
	}
}

// headerHook runs hook on the header map exactly once, right before the
// status line is written.
type headerHook struct {
	http.ResponseWriter
	hook  func(http.Header)
	fired bool
}

func (h *headerHook) fire() {
	if h.fired {
		return
	}
	h.fired = true
	h.hook(h.ResponseWriter.Header())
}

func (h *headerHook) WriteHeader(code int) {
	h.fire()
	h.ResponseWriter.WriteHeader(code)
}

func (h *headerHook) Write(p []byte) (int, error) {
	h.fire()
	return h.ResponseWriter.Write(p)
}

func (h *headerHook) Flush() {
	h.fire()
	if f, ok := h.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *headerHook) Unwrap() http.ResponseWriter { return h.ResponseWriter }
