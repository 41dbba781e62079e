package httpmw

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
)

// Security note: CSRF protection is not implemented because it is not applicable.
// The API is stateless and authenticates with bearer tokens, never cookies.

const (
	headerCSP           = "Content-Security-Policy"
	headerCSPReportOnly = "Content-Security-Policy-Report-Only"
	headerHSTS          = "Strict-Transport-Security"
)

// cspKeywords are CSP source expressions that must be single-quoted.
var cspKeywords = map[string]bool{
	"self":           true,
	"none":           true,
	"unsafe-inline":  true,
	"unsafe-eval":    true,
	"strict-dynamic": true,
	"report-sample":  true,
}

// SecurityHeaders sets the response security headers from the current
// policy document. The policy is read per request so a swapped document
// applies immediately.
func SecurityHeaders(src policy.Source) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sec := src.Current().Security
			h := w.Header()

			h.Set("X-Frame-Options", sec.FrameOptions)
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", sec.ReferrerPolicy)

			if sec.CSP.Enabled {
				if v := BuildCSP(sec.CSP); v != "" {
					name := headerCSPReportOnly
					if sec.CSP.Mode == policy.CSPEnforce {
						name = headerCSP
					}
					h.Set(name, v)
				}
			}

			if sec.HSTS.Enabled && IsHTTPS(r) {
				h.Set(headerHSTS, BuildHSTS(sec.HSTS))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// BuildCSP renders the ordered directives. Directives without values are
// skipped and report-uri is appended last when configured.
func BuildCSP(p policy.CSPPolicy) string {
	parts := make([]string, 0, len(p.Directives)+1)
	for _, d := range p.Directives {
		if d.Name == "" || len(d.Values) == 0 {
			continue
		}
		vals := make([]string, 0, len(d.Values))
		for _, v := range d.Values {
			if v = strings.TrimSpace(v); v != "" {
				vals = append(vals, quoteCSPValue(v))
			}
		}
		if len(vals) == 0 {
			continue
		}
		parts = append(parts, d.Name+" "+strings.Join(vals, " "))
	}
	if p.ReportURI != "" {
		parts = append(parts, "report-uri "+p.ReportURI)
	}
	return strings.Join(parts, "; ")
}

func quoteCSPValue(v string) string {
	if strings.HasPrefix(v, "'") {
		return v
	}
	if cspKeywords[strings.ToLower(v)] {
		return "'" + v + "'"
	}
	return v
}

func BuildHSTS(p policy.HSTSPolicy) string {
	v := "max-age=" + strconv.Itoa(p.MaxAge)
	if p.IncludeSubdomains {
		v += "; includeSubDomains"
	}
	if p.Preload {
		v += "; preload"
	}
	return v
}
