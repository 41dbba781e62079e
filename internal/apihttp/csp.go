package apihttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/redact"
)

// CSPReport is the "csp-report" object browsers post on a violation.
type CSPReport struct {
	BlockedURI         string `json:"blocked-uri"`
	ViolatedDirective  string `json:"violated-directive"`
	EffectiveDirective string `json:"effective-directive"`
	OriginalPolicy     string `json:"original-policy"`
	DocumentURI        string `json:"document-uri"`
	Referrer           string `json:"referrer"`
	SourceFile         string `json:"source-file"`
	LineNumber         int    `json:"line-number"`
	ColumnNumber       int    `json:"column-number"`
	StatusCode         int    `json:"status-code"`
	Disposition        string `json:"disposition"`
}

type cspEnvelope struct {
	Report json.RawMessage `json:"csp-report"`
}

// HandleCSPReport logs a violation to the security channel and answers
// 204. Anything but a non-empty csp-report object is a 422.
func (api *API) HandleCSPReport(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	body := httpmw.RequestBody(ctx)

	var env cspEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apperr.FieldError("csp-report", "The csp-report field is required.")
	}
	raw := bytes.TrimSpace(env.Report)
	if len(raw) < 2 || raw[0] != '{' || bytes.Equal(raw, []byte("{}")) {
		return apperr.FieldError("csp-report", "The csp-report field must be a non-empty object.")
	}
	var rep CSPReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return apperr.FieldError("csp-report", "The csp-report field must be an object.")
	}

	directive := rep.ViolatedDirective
	if directive == "" {
		directive = rep.EffectiveDirective
	}
	api.security.Warn(ctx, "CSP violation detected",
		"blocked_uri", redact.URLString(rep.BlockedURI),
		"violated_directive", directive,
		"original_policy", rep.OriginalPolicy,
		"document_uri", redact.URLString(rep.DocumentURI),
		"referrer", redact.URLString(rep.Referrer),
		"source_file", redact.URLString(rep.SourceFile),
		"line_number", rep.LineNumber,
		"column_number", rep.ColumnNumber,
		"status_code", rep.StatusCode,
		"disposition", rep.Disposition,
		"user_agent", r.UserAgent(),
		"ip_address", httpmw.ClientIPFromContext(ctx),
		"timestamp", api.now().UTC().Format(time.RFC3339),
	)

	w.WriteHeader(http.StatusNoContent)
	return nil
}
