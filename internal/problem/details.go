package problem

import (
	"encoding/json"
)

const ContentType = "application/problem+json"

// Details is the problem document. Extensions are marshaled inline.
type Details struct {
	Type      string              `json:"type"`
	Title     string              `json:"title"`
	Status    int                 `json:"status"`
	Detail    string              `json:"detail"`
	ErrorCode string              `json:"error_code"`
	TraceID   string              `json:"trace_id"`
	Instance  string              `json:"instance"`
	Timestamp string              `json:"timestamp"`
	Errors    map[string][]string `json:"errors,omitempty"`
	Debug     *Debug              `json:"debug,omitempty"`

	Extensions map[string]any `json:"-"`
}

// Debug is attached outside production for masked error kinds.
type Debug struct {
	Exception string   `json:"exception"`
	File      string   `json:"file"`
	Line      int      `json:"line"`
	Trace     []string `json:"trace"`
}

var reserved = map[string]struct{}{
	"type": {}, "title": {}, "status": {}, "detail": {}, "error_code": {},
	"trace_id": {}, "instance": {}, "timestamp": {}, "errors": {}, "debug": {},
}

// MarshalJSON merges extension members into the document. Extensions never
// overwrite a standard member.
func (d Details) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"type":       d.Type,
		"title":      d.Title,
		"status":     d.Status,
		"detail":     d.Detail,
		"error_code": d.ErrorCode,
		"trace_id":   d.TraceID,
		"instance":   d.Instance,
		"timestamp":  d.Timestamp,
	}
	if d.Errors != nil {
		m["errors"] = d.Errors
	}
	if d.Debug != nil {
		m["debug"] = d.Debug
	}
	for k, v := range d.Extensions {
		if _, ok := reserved[k]; ok {
			continue
		}
		m[k] = v
	}
	return json.Marshal(m)
}
