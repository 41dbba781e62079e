package httpmw

import (
	"mime"
	"net/http"
	"strings"

	"github.com/munnerz/goautoneg"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
)

const (
	CodeNotAcceptable        = "not_acceptable"
	CodeUnsupportedMediaType = "unsupported_media_type"

	mediaJSON      = "application/json"
	mediaCSPReport = "application/csp-report"
)

var producible = []string{mediaJSON, problem.ContentType}

// Negotiate enforces JSON in both directions: 406 when Accept rules out
// JSON, 415 when a POST, PUT or PATCH body is not JSON. A missing Accept
// header means anything. Paths in reportPaths also accept
// application/csp-report bodies.
func Negotiate(n *problem.Normalizer, reportPaths ...string) func(http.Handler) http.Handler {
	reports := make(map[string]bool, len(reportPaths))
	for _, p := range reportPaths {
		reports[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !AcceptsJSON(r.Header.Get("Accept")) {
				n.Write(w, r, apperr.Policy(http.StatusNotAcceptable, CodeNotAcceptable, "Not Acceptable",
					"This endpoint only supports application/json."))
				return
			}

			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				if hasBody(r) && !jsonBody(r.Header.Get("Content-Type"), reports[r.URL.Path]) {
					n.Write(w, r, apperr.Policy(http.StatusUnsupportedMediaType, CodeUnsupportedMediaType, "Unsupported Media Type",
						"Request body must be application/json."))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AcceptsJSON reports whether an Accept header admits a JSON response.
func AcceptsJSON(accept string) bool {
	if strings.TrimSpace(accept) == "" {
		return true
	}
	return goautoneg.Negotiate(accept, producible) != ""
}

func jsonBody(contentType string, allowReport bool) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case mt == mediaJSON, strings.HasSuffix(mt, "+json"):
		return true
	case allowReport && mt == mediaCSPReport:
		return true
	}
	return false
}

func hasBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return r.ContentLength != 0 || len(r.TransferEncoding) > 0
}
