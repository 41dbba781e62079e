package apperr

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindDomain          Kind = "domain"
	KindPolicy          Kind = "policy"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindInfrastructure  Kind = "infrastructure"
	KindInternal        Kind = "internal"
)

// Stable error codes shared across packages.
const (
	CodeValidation         = "validation_error"
	CodeInternal           = "internal_server_error"
	CodeServiceUnavailable = "service_unavailable"
	CodeUnauthenticated    = "unauthenticated"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeMethodNotAllowed   = "method_not_allowed"
	CodePayloadTooLarge    = "payload_too_large"
	CodeMalformedJSON      = "malformed_json"
	CodeTimeout            = "gateway_timeout"
)

// Error is the single error shape of the pipeline.
type Error struct {
	Kind   Kind
	Status int
	Code   string
	Title  string
	Detail string

	// Fields maps an input field to its messages. Only meaningful for
	// validation errors.
	Fields map[string][]string

	// Extensions are extra members of the problem document.
	Extensions map[string]any

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" ")
	b.WriteString(e.Code)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Masked reports whether the detail must be hidden from production clients.
func (e *Error) Masked() bool {
	return e.Kind == KindInfrastructure || e.Kind == KindInternal
}

// WithExtension returns a copy of e with an extra problem member.
func (e *Error) WithExtension(key string, value any) *Error {
	cp := *e
	cp.Extensions = make(map[string]any, len(e.Extensions)+1)
	for k, v := range e.Extensions {
		cp.Extensions[k] = v
	}
	cp.Extensions[key] = value
	return &cp
}

// WithStatus returns a copy of e with a different HTTP status.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.Status = status
	return &cp
}

// FieldNames returns the invalid field names in sorted order.
func (e *Error) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// constructors

// Validation builds a 422 from a field -> messages map. Empty message lists
// are dropped.
func Validation(fields map[string][]string) *Error {
	clean := make(map[string][]string, len(fields))
	for k, msgs := range fields {
		if len(msgs) == 0 {
			continue
		}
		clean[k] = append([]string(nil), msgs...)
	}
	return &Error{
		Kind:   KindValidation,
		Status: http.StatusUnprocessableEntity,
		Code:   CodeValidation,
		Title:  "Validation Failed",
		Detail: "The given data was invalid.",
		Fields: clean,
	}
}

// FieldError is shorthand for a validation error on one field.
func FieldError(field, msg string) *Error {
	return Validation(map[string][]string{field: {msg}})
}

// Domain builds a business error that is shown to clients verbatim.
func Domain(status int, code, detail string) *Error {
	return &Error{
		Kind:   KindDomain,
		Status: status,
		Code:   code,
		Title:  http.StatusText(status),
		Detail: detail,
	}
}

func NotFound(detail string) *Error {
	return Domain(http.StatusNotFound, CodeNotFound, detail)
}

// Policy builds a client-correctable rejection raised by an interceptor.
func Policy(status int, code, title, detail string) *Error {
	if title == "" {
		title = http.StatusText(status)
	}
	return &Error{
		Kind:   KindPolicy,
		Status: status,
		Code:   code,
		Title:  title,
		Detail: detail,
	}
}

func Unauthenticated(detail string) *Error {
	if detail == "" {
		detail = "Authentication is required to access this resource."
	}
	return &Error{
		Kind:   KindUnauthenticated,
		Status: http.StatusUnauthorized,
		Code:   CodeUnauthenticated,
		Title:  "Unauthenticated",
		Detail: detail,
	}
}

func Forbidden(detail string) *Error {
	if detail == "" {
		detail = "You do not have permission to perform this action."
	}
	return &Error{
		Kind:   KindForbidden,
		Status: http.StatusForbidden,
		Code:   CodeForbidden,
		Title:  "Forbidden",
		Detail: detail,
	}
}

// Infrastructure wraps a dependency failure. The cause keeps a stack for
// the debug member of non-production problem documents.
func Infrastructure(status int, code string, err error) *Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if code == "" {
		code = CodeInternal
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{
		Kind:   KindInfrastructure,
		Status: status,
		Code:   code,
		Title:  http.StatusText(status),
		Detail: detail,
		Err:    xerrors.EnsureTrace(err),
	}
}

// Unavailable is a 503 for a dependency the request cannot proceed without.
func Unavailable(err error) *Error {
	return Infrastructure(http.StatusServiceUnavailable, CodeServiceUnavailable, err)
}

// Internal classifies an arbitrary error as a 500.
func Internal(err error) *Error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{
		Kind:   KindInternal,
		Status: http.StatusInternalServerError,
		Code:   CodeInternal,
		Title:  "Internal Server Error",
		Detail: detail,
		Err:    xerrors.EnsureTrace(err),
	}
}
