// Package bind decodes and validates JSON request bodies. Every error it
// returns is one the problem normalizer already classifies.
package bind

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator. Field names in its errors are
// the json names.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			switch name {
			case "-":
				return ""
			case "":
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// JSON decodes the request body into dst and validates it. dst must be a
// pointer to a struct.
func JSON(r *http.Request, dst any) error {
	body := httpmw.RequestBody(r.Context())
	var src io.Reader = bytes.NewReader(body)
	if body == nil {
		if r.Body == nil {
			return apperr.FieldError("body", "The request body is required.")
		}
		src = r.Body
	}

	dec := json.NewDecoder(src)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.FieldError("body", "The request body is required.")
		}
		return err
	}
	if dec.More() {
		return &json.SyntaxError{Offset: dec.InputOffset()}
	}
	return Struct(dst)
}

// Struct validates v against its validate tags.
func Struct(v any) error {
	return Validator().Struct(v)
}

// WriteJSON writes v with status as application/json.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
