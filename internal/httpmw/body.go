package httpmw

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
)

type (
	bodyKey     struct{}
	bodySlotKey struct{}
)

type bodySlot struct{ b []byte }

// MaxBody reads the request body up to limit bytes, keeps a copy in the
// context for observers and the idempotency fingerprint, and hands the
// handler a fresh reader over the same bytes. Larger bodies get a 413.
func MaxBody(limit int64, n *problem.Normalizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			_ = r.Body.Close()
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					n.Write(w, r, err)
					return
				}
				n.Write(w, r, apperr.Policy(http.StatusBadRequest, "body_read_failed", "Bad Request",
					"The request body could not be read."))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(data))
			next.ServeHTTP(w, r.WithContext(WithRequestBody(r.Context(), data)))
		})
	}
}

func WithRequestBody(ctx context.Context, body []byte) context.Context {
	if s, ok := ctx.Value(bodySlotKey{}).(*bodySlot); ok {
		s.b = body
	}
	return context.WithValue(ctx, bodyKey{}, body)
}

// WithBodySlot lets a middleware that runs outside MaxBody read the
// captured body from its own context once the handler returns.
func WithBodySlot(ctx context.Context) context.Context {
	return context.WithValue(ctx, bodySlotKey{}, &bodySlot{})
}

// RequestBody returns the body captured by MaxBody. Callers must not
// modify it.
func RequestBody(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyKey{}).([]byte); ok {
		return b
	}
	if s, ok := ctx.Value(bodySlotKey{}).(*bodySlot); ok {
		return s.b
	}
	return nil
}
