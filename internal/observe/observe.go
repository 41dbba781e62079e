package observe

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/redact"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
)

// Observation is a finished request as observers see it. Body is the raw
// request body; observers mask it before it leaves the process.
type Observation struct {
	RequestID     string
	CorrelationID string
	Principal     *reqctx.Principal
	Method        string
	Path          string
	Route         string
	URL           string
	ClientIP      string
	UserAgent     string
	Body          []byte
	Status        int
	BytesWritten  int64
	Duration      time.Duration
	QueryCount    int64
	FinishedAt    time.Time
}

func (o Observation) UserID() string {
	if o.Principal == nil {
		return ""
	}
	return o.Principal.UserID
}

// Observer handles a finished request on a dispatcher worker.
type Observer interface {
	Name() string
	Observe(ctx context.Context, o Observation)
}

type queryCounterKey struct{}

// CountQuery records one data-store query against the current request.
// It is a no-op outside an observed request.
func CountQuery(ctx context.Context) {
	if c, ok := ctx.Value(queryCounterKey{}).(*atomic.Int64); ok {
		c.Add(1)
	}
}

// QueryCount returns the number of queries counted so far.
func QueryCount(ctx context.Context) int64 {
	if c, ok := ctx.Value(queryCounterKey{}).(*atomic.Int64); ok {
		return c.Load()
	}
	return 0
}

// Middleware observes every request and submits the result to each
// observer once the handler has returned. A handler that panics is not
// observed; Recover reports it.
func Middleware(d *Dispatcher, observers ...Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d == nil || len(observers) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := reqctx.MustFrom(r.Context())
			if !rc.StartedAt.IsZero() {
				start = rc.StartedAt
			}

			ctx := r.Context()
			if chi.RouteContext(ctx) == nil {
				ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())
			}
			counter := new(atomic.Int64)
			ctx = context.WithValue(ctx, queryCounterKey{}, counter)
			ctx = httpmw.WithBodySlot(ctx)
			r = r.WithContext(ctx)

			rec := httpmw.NewResponseRecorder(w, r, start)
			next.ServeHTTP(rec, r)
			rec.Finish()

			o := Observation{
				RequestID:     rc.RequestID,
				CorrelationID: rc.CorrelationID,
				Principal:     reqctx.PrincipalFrom(ctx),
				Method:        r.Method,
				Path:          r.URL.Path,
				Route:         routeLabel(r),
				URL:           redact.URL(r.URL),
				ClientIP:      clientIP(ctx, rc),
				UserAgent:     r.UserAgent(),
				Body:          httpmw.RequestBody(ctx),
				Status:        rec.Status(),
				BytesWritten:  rec.BytesWritten(),
				Duration:      time.Since(start),
				QueryCount:    counter.Load(),
				FinishedAt:    time.Now().UTC(),
			}
			for _, obs := range observers {
				obs := obs
				_ = d.Submit(ctx, obs.Name(), func(ctx context.Context) { obs.Observe(ctx, o) })
			}
		})
	}
}

func clientIP(ctx context.Context, rc *reqctx.RequestContext) string {
	if rc.ClientIP != "" {
		return rc.ClientIP
	}
	return httpmw.ClientIPFromContext(ctx)
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func ms(d time.Duration) float64 {
	return float64(d.Round(10*time.Microsecond).Microseconds()) / 1000
}

// routeLabel is the matched chi pattern or "unmatched"; it feeds metric
// labels so raw paths never reach it.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
