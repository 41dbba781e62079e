package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/health"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/observe"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// NewHandler builds the public pipeline: the global interceptor chain in
// front of a chi router with one group per endpoint class.
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Policy == nil {
		opts.Policy = policy.Static(nil)
	}
	if opts.Normalizer == nil {
		opts.Normalizer = problem.NewNormalizer("", true, opts.Logger)
	}
	n := opts.Normalizer

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json", problem.ContentType))

	// Annotate logger and tracer with http.route from chi route pattern if trace is recording
	r.Use(httpmw.AnnotateHTTPRoute)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		n.Write(w, r, apperr.NotFound(""))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		n.Write(w, r, apperr.Policy(http.StatusMethodNotAllowed, apperr.CodeMethodNotAllowed, "Method Not Allowed",
			"The "+r.Method+" method is not supported for this resource."))
	})

	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	g := newGroups(r, opts)
	for _, reg := range opts.Routes {
		reg.RegisterRoutes(g)
	}

	return httpmw.Chain(r, globalChain(opts)...)
}

// globalChain lists the interceptors every request passes through,
// outermost first.
func globalChain(opts *Options) []httpmw.Middleware {
	n := opts.Normalizer

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, n, opts.OnPanic)
	}

	var authenticate, flood httpmw.Middleware
	if opts.Guard != nil {
		authenticate = opts.Guard.Authenticate
	}
	if opts.FloodGuard != nil {
		flood = opts.FloodGuard.Middleware
	}

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return []httpmw.Middleware{
		// Security headers outermost so they land on every response,
		// short-circuits included.
		httpmw.SecurityHeaders(opts.Policy),
		// everything below, auth and client ip parsing included, panics
		// into a problem document
		recoverMW,
		httpmw.ClientIP(opts.ClientIP),
		authenticate,
		httpmw.TraceContext,
		otelhttp.NewMiddleware("http.server",
			otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				// AnnotateHTTPRoute renames the span to the route pattern
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
		),
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		httpmw.PolicyHeaders(opts.PolicyInfo),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
		observe.Middleware(opts.Dispatcher, opts.Observers...),
		flood,
		httpmw.RejectAmbiguousPaths(n),
		httpmw.MaxBody(maxBody, n),
		httpmw.Negotiate(n, opts.ReportPaths...),
		httpmw.Locale(opts.Policy),
		httpmw.APIVersion(opts.Policy, n),
	}
}

func newGroups(r chi.Router, opts *Options) Groups {
	lim := opts.Limiter
	rate := func(class string) httpmw.Middleware {
		if lim == nil {
			return nil
		}
		return lim.For(class)
	}
	var dynamic, idem, requireAuth, requireAdmin httpmw.Middleware
	if lim != nil {
		dynamic = lim.Dynamic()
	}
	if opts.Idempotency != nil {
		idem = opts.Idempotency.Middleware
	}
	if opts.Guard != nil {
		requireAuth = opts.Guard.RequireAuth
		requireAdmin = opts.Guard.RequireAbility(AbilityAdmin)
	}

	return Groups{
		Public:   with(r, rate(policy.ClassPublic)),
		API:      with(r, requireAuth, rate(policy.ClassAPI), idem),
		Internal: with(r, requireAuth, requireAdmin, rate(policy.ClassStrict)),
		Webhook:  with(r, rate(policy.ClassWebhook), idem),
		ReadOnly: with(r, rate(policy.ClassAPI), httpmw.CacheHeaders(opts.Policy, opts.Environment), httpmw.ETag(opts.Policy, opts.ETagMetrics)),
		Dynamic:  with(r, dynamic),
	}
}

// AbilityAdmin gates the internal group.
const AbilityAdmin = "admin"

func with(r chi.Router, mws ...httpmw.Middleware) chi.Router {
	out := make(chi.Middlewares, 0, len(mws))
	for _, mw := range mws {
		if mw != nil {
			out = append(out, mw)
		}
	}
	return r.With(out...)
}

// dont trace health checks (may re-visit in the future to sample at a really low rate)
func shouldTrace(p string) bool {
	switch p {
	case "/-/ready", "/api/health", "/api/v1/health", "/favicon.ico", "/robots.txt":
		return false
	}
	return true
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
