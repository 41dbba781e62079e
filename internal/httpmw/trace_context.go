package httpmw

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
)

const (
	HeaderTraceParent   = "traceparent"
	HeaderRequestID     = "X-Request-Id"
	HeaderCorrelationID = "X-Correlation-Id"

	maxInboundIDLen = 128
)

// TraceParent is a parsed W3C traceparent header.
type TraceParent struct {
	Version  string
	TraceID  string
	ParentID string
	Flags    string
	Raw      string
}

// ParseTraceParent accepts only version 00 with exactly four parts of
// 2, 32, 16 and 2 lowercase hex digits and non-zero ids. Anything else
// reports false. The ids are kept as received so the correlation id equals
// the trace-id segment.
func ParseTraceParent(h string) (TraceParent, bool) {
	parts := strings.Split(strings.TrimSpace(h), "-")
	if len(parts) != 4 {
		return TraceParent{}, false
	}
	if parts[0] != "00" ||
		!isHex(parts[1], 32) || !isHex(parts[2], 16) || !isHex(parts[3], 2) ||
		allZero(parts[1]) || allZero(parts[2]) {
		return TraceParent{}, false
	}
	return TraceParent{
		Version:  parts[0],
		TraceID:  parts[1],
		ParentID: parts[2],
		Flags:    parts[3],
		Raw:      h,
	}, true
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

func allZero(s string) bool {
	return strings.Trim(s, "0") == ""
}

// SpanContext converts tp into a remote OpenTelemetry span context.
func (tp TraceParent) SpanContext() (trace.SpanContext, bool) {
	tid, err := trace.TraceIDFromHex(tp.TraceID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sid, err := trace.SpanIDFromHex(tp.ParentID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	var flags trace.TraceFlags
	if len(tp.Flags) == 2 && hexNibble(tp.Flags[1])&1 == 1 {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: flags,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}

// inboundID accepts a client-supplied identifier only if it is short and
// made of token characters, so it is safe to log and echo.
func inboundID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > maxInboundIDLen {
		return ""
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			continue
		}
		switch c {
		case '-', '_', '.', ':':
			continue
		}
		return ""
	}
	return v
}

// TraceContext builds the RequestContext. It runs after ClientIP and
// Authenticate so the client address and principal are frozen into it.
func TraceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		tp, hasTP := ParseTraceParent(r.Header.Get(HeaderTraceParent))

		requestID := inboundID(r.Header.Get(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}

		var correlationID string
		switch {
		case hasTP:
			correlationID = tp.TraceID
		default:
			correlationID = inboundID(r.Header.Get(HeaderCorrelationID))
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
		}

		rc := &reqctx.RequestContext{
			RequestID:     requestID,
			CorrelationID: correlationID,
			StartedAt:     time.Now(),
			Method:        r.Method,
			Path:          r.URL.Path,
			ClientIP:      ClientIPFromContext(ctx),
			Principal:     reqctx.PrincipalFrom(ctx),
		}
		fields := []any{"request_id", requestID, "correlation_id", correlationID}

		if hasTP {
			rc.TraceID, rc.SpanID, rc.TraceParent = tp.TraceID, tp.ParentID, tp.Raw
			fields = append(fields, "trace_id", tp.TraceID, "span_id", tp.ParentID)
			if sc, ok := tp.SpanContext(); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
			}
		}

		ctx = reqctx.With(ctx, rc)
		ctx = log.WithFields(ctx, fields...)

		h := w.Header()
		h.Set(HeaderRequestID, requestID)
		h.Set(HeaderCorrelationID, correlationID)
		if hasTP {
			h.Set(HeaderTraceParent, tp.Raw)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceResponseHeaders exposes the server span ids and tags the span with
// the request identifiers.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	if traceHeader == "" {
		traceHeader = "X-Trace-Id"
	}
	if spanHeader == "" {
		spanHeader = "X-Span-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if sc := span.SpanContext(); sc.IsValid() {
				w.Header().Set(traceHeader, sc.TraceID().String())
				w.Header().Set(spanHeader, sc.SpanID().String())
			}
			if rc, ok := reqctx.From(r.Context()); ok && span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", rc.RequestID),
					attribute.String("correlation_id", rc.CorrelationID),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}
