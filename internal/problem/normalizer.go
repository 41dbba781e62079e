package problem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// MaskedDetail replaces the detail of infrastructure and internal errors in
// production.
const MaskedDetail = "An internal server error occurred. Please try again later."

const maxDebugFrames = 32

type Normalizer struct {
	// BaseURL prefixes the problem type: {BaseURL}/errors/{code}.
	BaseURL    string
	Production bool
	Logger     log.Logger

	now func() time.Time
}

func NewNormalizer(baseURL string, production bool, logger log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Normalizer{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Production: production,
		Logger:     logger,
	}
}

func (n *Normalizer) clock() time.Time {
	if n.now != nil {
		return n.now()
	}
	return time.Now()
}

// Document builds the problem document for err without writing it.
func (n *Normalizer) Document(r *http.Request, err error) (*apperr.Error, Details) {
	e := Classify(err)

	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	code := e.Code
	if code == "" {
		code = apperr.CodeInternal
	}
	title := e.Title
	if title == "" {
		title = http.StatusText(status)
	}

	d := Details{
		Type:       n.typeURI(code),
		Title:      title,
		Status:     status,
		Detail:     e.Detail,
		ErrorCode:  code,
		TraceID:    traceID(r.Context()),
		Instance:   r.URL.Path,
		Timestamp:  n.clock().UTC().Format(time.RFC3339),
		Extensions: e.Extensions,
	}
	if e.Kind == apperr.KindValidation {
		d.Errors = e.Fields
		if d.Errors == nil {
			d.Errors = map[string][]string{}
		}
	}

	if e.Masked() {
		if n.Production {
			d.Detail = MaskedDetail
		} else {
			d.Debug = debugFor(e)
		}
	}
	return e, d
}

// Write normalizes err and writes it. It is the only writer of error bodies.
func (n *Normalizer) Write(w http.ResponseWriter, r *http.Request, err error) {
	e, d := n.Document(r, err)
	n.logError(r, e, d)

	body, mErr := json.Marshal(d)
	if mErr != nil {
		n.Logger.Error(r.Context(), mErr, "problem marshal failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Del("Content-Length")
	h.Del("ETag")
	w.WriteHeader(d.Status)
	_, _ = w.Write(body)
}

func (n *Normalizer) logError(r *http.Request, e *apperr.Error, d Details) {
	ctx := r.Context()
	kv := []any{
		"status", d.Status,
		"error_code", d.ErrorCode,
		"kind", string(e.Kind),
		"method", r.Method,
		"path", r.URL.Path,
	}
	switch {
	case d.Status >= 500:
		n.Logger.Error(ctx, e, "request failed", kv...)
	case e.Kind == apperr.KindPolicy || d.Status == http.StatusTooManyRequests:
		n.Logger.Warn(ctx, "request rejected", kv...)
	default:
		n.Logger.Info(ctx, "request rejected", kv...)
	}
}

func (n *Normalizer) typeURI(code string) string {
	return n.BaseURL + "/errors/" + strings.ToLower(code)
}

func traceID(ctx context.Context) string {
	if rc, ok := reqctx.From(ctx); ok && rc.RequestID != "" {
		return rc.RequestID
	}
	return uuid.NewString()
}

func debugFor(e *apperr.Error) *Debug {
	var cause error = e
	if e.Err != nil {
		cause = e.Err
	}
	d := &Debug{Exception: exceptionName(cause), Trace: []string{}}

	frames := make([]xerrors.Frame, 0, maxDebugFrames)
	for _, fr := range xerrors.StackTrace(cause) {
		if boundaryFrame(fr.File) {
			continue
		}
		frames = append(frames, fr)
		if len(frames) == maxDebugFrames {
			break
		}
	}
	if len(frames) > 0 {
		d.File, d.Line = frames[0].File, frames[0].Line
	} else if fr, ok := xerrors.Origin(cause); ok {
		d.File, d.Line = fr.File, fr.Line
	}
	for _, fr := range frames {
		d.Trace = append(d.Trace, fmt.Sprintf("%s:%d %s", fr.File, fr.Line, fr.Func))
	}
	return d
}

// boundaryFrame reports frames inside the error constructors themselves.
func boundaryFrame(file string) bool {
	if strings.HasSuffix(file, "_test.go") {
		return false
	}
	return strings.Contains(file, "/internal/apperr/") || strings.Contains(file, "/internal/problem/")
}

// exceptionName is the type of the root cause, skipping wrapper types.
func exceptionName(err error) string {
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
	}
	if last == nil {
		return ""
	}
	t := reflect.TypeOf(last)
	return t.String()
}

// HandlerFunc is a handler that reports failure by returning an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handler adapts fn to http.Handler, sending any returned error to n.
func (n *Normalizer) Handler(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			n.Write(w, r, err)
		}
	})
}
