package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// Recover turns a panic anywhere below it into a 500 problem document. It
// sits just inside SecurityHeaders, ahead of the RequestContext; a slot
// picks the context up once it exists so the document carries the request
// id. If the handler already started the response only the log line is
// written. http.ErrAbortHandler is re-raised so net/http can abort the
// connection.
func Recover(logger log.Logger, n *problem.Normalizer, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &startedWriter{ResponseWriter: w}
			r = r.WithContext(reqctx.WithSlot(r.Context()))
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", rec)
				}
				err = xerrors.WithStack(err)

				logger.With("method", r.Method, "path", r.URL.Path, "request_id", reqctx.MustFrom(r.Context()).RequestID).
					Error(r.Context(), err, "httpserver panic recovered")
				if onPanic != nil {
					onPanic()
				}

				if sw.started {
					return
				}
				if n == nil {
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				n.Write(w, r, apperr.Internal(err))
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (s *startedWriter) WriteHeader(code int) {
	s.started = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *startedWriter) Write(p []byte) (int, error) {
	s.started = true
	return s.ResponseWriter.Write(p)
}

func (s *startedWriter) Flush() {
	s.started = true
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *startedWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }
