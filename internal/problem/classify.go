package problem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
)

// Classify maps any error to an apperr.Error. Tagged errors pass through;
// well-known library errors get their fixed status; anything else is an
// internal error.
func Classify(err error) *apperr.Error {
	if err == nil {
		return apperr.Internal(errors.New("nil error reached the error boundary"))
	}
	if e, ok := apperr.As(err); ok {
		return e
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return apperr.Validation(ValidationFields(verrs))
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		e := apperr.Policy(http.StatusRequestEntityTooLarge, apperr.CodePayloadTooLarge, "Payload Too Large",
			fmt.Sprintf("The request body exceeds the limit of %d bytes.", maxBytes.Limit))
		e.Err = err
		return e
	}

	var syntax *json.SyntaxError
	if errors.As(err, &syntax) || errors.Is(err, io.ErrUnexpectedEOF) {
		e := apperr.Policy(http.StatusBadRequest, apperr.CodeMalformedJSON, "Malformed JSON",
			"The request body is not valid JSON.")
		e.Err = err
		return e
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return apperr.FieldError(field, fmt.Sprintf("The %s field must be of type %s.", field, typeErr.Type.String()))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Infrastructure(http.StatusGatewayTimeout, apperr.CodeTimeout, err)
	}

	return apperr.Internal(err)
}

// ValidationFields turns validator errors into field -> messages, keyed by
// the namespace without its top-level struct name.
func ValidationFields(verrs validator.ValidationErrors) map[string][]string {
	out := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		name := fieldName(fe)
		out[name] = append(out[name], fieldMessage(name, fe))
	}
	return out
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(name string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", name)
	case "email":
		return fmt.Sprintf("The %s field must be a valid email address.", name)
	case "min":
		return fmt.Sprintf("The %s field must be at least %s.", name, fe.Param())
	case "max":
		return fmt.Sprintf("The %s field must not be greater than %s.", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("The selected %s is invalid.", name)
	case "uuid", "uuid4":
		return fmt.Sprintf("The %s field must be a valid UUID.", name)
	case "url":
		return fmt.Sprintf("The %s field must be a valid URL.", name)
	default:
		return fmt.Sprintf("The %s field is invalid.", name)
	}
}
