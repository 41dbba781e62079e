package httpmw

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
)

const CodeAmbiguousPath = "ambiguous_path"

// RejectAmbiguousPaths answers 400 for paths that a proxy, the router and
// the rate limit classifier could each resolve differently.
func RejectAmbiguousPaths(n *problem.Normalizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reason := pathutil.Ambiguous(r.URL.EscapedPath()); reason != "" {
				log.FromContext(r.Context()).Info(r.Context(), "ambiguous request path rejected", "reason", reason)
				n.Write(w, r, apperr.Policy(http.StatusBadRequest, CodeAmbiguousPath, "Bad Request",
					"The request path is not in canonical form."))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
