package httpmw

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/otelx"
)

// ResponseRecorder wraps http.ResponseWriter to capture status and bytes
// written. The first WriteHeader or Write starts a response.write span.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	reqStart time.Time

	writeSpan        trace.Span
	writeSpanStarted bool
	firstWriteAt     time.Duration
	writeBlocked     time.Duration
	writeErr         error
}

func NewResponseRecorder(w http.ResponseWriter, r *http.Request, start time.Time) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, ctx: r.Context(), reqStart: start}
}

func (rw *ResponseRecorder) ensureWriteSpan() {
	if rw.writeSpanStarted {
		return
	}
	rw.writeSpanStarted = true
	rw.firstWriteAt = time.Since(rw.reqStart)

	parent := trace.SpanFromContext(rw.ctx)
	if parent == nil || !parent.IsRecording() {
		return
	}

	rw.ctx, rw.writeSpan = otelx.Tracer("httpmw").Start(rw.ctx, "response.write",
		trace.WithAttributes(
			attribute.Float64("http.server.ttfb_seconds", rw.firstWriteAt.Seconds()),
		),
	)
}

// Finish ends the response.write span, if one was started.
func (rw *ResponseRecorder) Finish() {
	if rw.writeSpan == nil {
		return
	}

	rw.writeSpan.SetAttributes(
		attribute.Int("http.response.status_code", rw.Status()),
		attribute.Int64("http.response.body.size", rw.bytes),
		attribute.Float64("http.server.write.block_seconds", rw.writeBlocked.Seconds()),
	)
	if rw.writeErr != nil {
		rw.writeSpan.RecordError(rw.writeErr)
		rw.writeSpan.SetStatus(codes.Error, rw.writeErr.Error())
	}
	rw.writeSpan.End()
	rw.writeSpan = nil
}

// Status is the status sent to the client, 200 if the handler never set one.
func (rw *ResponseRecorder) Status() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *ResponseRecorder) BytesWritten() int64 { return rw.bytes }

func (rw *ResponseRecorder) WriteHeader(code int) {
	rw.ensureWriteSpan()
	if rw.status == 0 {
		rw.status = code
	}
	start := time.Now()
	rw.ResponseWriter.WriteHeader(code)
	rw.writeBlocked += time.Since(start)
}

func (rw *ResponseRecorder) Write(b []byte) (int, error) {
	rw.ensureWriteSpan()
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	start := time.Now()
	n, err := rw.ResponseWriter.Write(b)
	rw.writeBlocked += time.Since(start)
	rw.bytes += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

func (rw *ResponseRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (rw *ResponseRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// WithLogger stores a request-scoped logger in the context. Request and
// correlation ids already travel as context fields from TraceContext, so
// only connection details are bound here. User-supplied values (host,
// query, user agent) stay out of the bound fields.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			clientAddr := ClientIPFromContext(ctx)
			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}
			if clientAddr == "" {
				clientAddr = peerAddr
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("server.address", r.Host),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerAddr),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"client.address", clientAddr,
				"network.peer.address", peerAddr,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// RoutePattern returns the matched chi pattern, or the raw path when no
// route matched.
func RoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// Scope names the handler in the logger and the span.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			L := log.FromContext(ctx).With("handler", handler)
			ctx = log.WithContext(ctx, L)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
