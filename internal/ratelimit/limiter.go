package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-api/internal/kvstore"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderPolicy    = "X-RateLimit-Policy"
	HeaderKey       = "X-RateLimit-Key"
)

// Decision outcomes reported to Metrics.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeFailOpen = "fail_open"
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncRateLimitDecision(class, outcome string)
	IncStoreError(component string)
}

type nopMetrics struct{}

func (nopMetrics) IncRateLimitDecision(string, string) {}
func (nopMetrics) IncStoreError(string)                {}

type Options struct {
	Store      kvstore.Store
	Policy     policy.Source
	Normalizer *problem.Normalizer
	Logger     log.Logger
	Metrics    Metrics

	// Degraded reports whether the store is serving from its fallback.
	// Limits are multiplied by the policy's degraded multiplier while true.
	Degraded func() bool
}

// Limiter enforces fixed-window limits per endpoint class and identifier.
type Limiter struct {
	store    kvstore.Store
	policy   policy.Source
	n        *problem.Normalizer
	logger   log.Logger
	metrics  Metrics
	degraded func() bool

	warn rate.Sometimes
	now  func() time.Time
}

func NewLimiter(opts Options) *Limiter {
	l := &Limiter{
		store:    opts.Store,
		policy:   opts.Policy,
		n:        opts.Normalizer,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		degraded: opts.Degraded,
		warn:     rate.Sometimes{First: 1, Interval: 30 * time.Second},
		now:      time.Now,
	}
	if l.policy == nil {
		l.policy = policy.Static(nil)
	}
	if l.logger == nil {
		l.logger = log.Nop()
	}
	if l.metrics == nil {
		l.metrics = nopMetrics{}
	}
	return l
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
	Key       string
}

// RetryAfter is the whole number of seconds until the window resets, at
// least 1.
func (d Decision) RetryAfter(now time.Time) int {
	s := int(math.Ceil(d.Reset.Sub(now).Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Key builds the store key for a class and identifier.
func Key(class, identifier string) string {
	return "rate_limit:" + class + ":" + identifier
}

// Check counts one attempt against rule. A request at or over the limit is
// denied without touching the counter. Concurrent requests can all pass the
// read and race on the increment, so the post-increment count is checked
// again and anything past the limit is denied too.
func (l *Limiter) Check(ctx context.Context, class, identifier string, rule policy.RateLimit) (d Decision, err error) {
	key := Key(class, identifier)
	limit := l.effectiveLimit(rule.MaxAttempts)
	now := l.now()

	ctx, span := otelx.Tracer("ratelimit").Start(ctx, "ratelimit.check",
		trace.WithAttributes(
			attribute.String("ratelimit.class", class),
			attribute.Int("ratelimit.limit", limit),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("ratelimit.allowed", d.Allowed))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store error")
		}
		span.End()
	}()

	count, ttl, err := l.store.Count(ctx, key)
	if err != nil {
		return Decision{Key: key, Limit: limit}, xerrors.Wrapf(err, "count %s", class)
	}
	if count >= int64(limit) {
		if ttl <= 0 {
			ttl = rule.Window
		}
		return Decision{Key: key, Limit: limit, Remaining: 0, Reset: now.Add(ttl)}, nil
	}

	n, ttl, err := l.store.Incr(ctx, key, rule.Window)
	if err != nil {
		return Decision{Key: key, Limit: limit}, xerrors.Wrapf(err, "incr %s", class)
	}
	if ttl <= 0 {
		ttl = rule.Window
	}
	if n > int64(limit) {
		return Decision{Key: key, Limit: limit, Remaining: 0, Reset: now.Add(ttl)}, nil
	}
	remaining := limit - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Key: key, Limit: limit, Remaining: remaining, Reset: now.Add(ttl)}, nil
}

func (l *Limiter) effectiveLimit(maxAttempts int) int {
	if l.degraded == nil || !l.degraded() {
		return maxAttempts
	}
	mult := l.policy.Current().Degraded.Multiplier
	if mult < 1 {
		mult = 1
	}
	return maxAttempts * mult
}

// For limits every request under the fixed class.
func (l *Limiter) For(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l.serve(w, r, next, class)
		})
	}
}

// Dynamic picks the class per request from the protected patterns and
// whether a principal was resolved.
func (l *Limiter) Dynamic() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			doc := l.policy.Current()
			authed := reqctx.PrincipalFrom(r.Context()) != nil
			l.serve(w, r, next, Classify(r.URL.Path, authed, doc.Protected))
		})
	}
}

func (l *Limiter) serve(w http.ResponseWriter, r *http.Request, next http.Handler, class string) {
	ctx := r.Context()
	rule, ok := l.policy.Current().Rule(class)
	if !ok || rule.MaxAttempts <= 0 || rule.Window <= 0 {
		next.ServeHTTP(w, r)
		return
	}

	d, err := l.Check(ctx, class, Identify(r, rule.Identifier), rule)
	if err != nil {
		l.metrics.IncRateLimitDecision(class, OutcomeFailOpen)
		l.metrics.IncStoreError("ratelimit")
		l.warn.Do(func() {
			l.logger.Warn(ctx, "rate limit store unavailable, allowing request",
				"class", class,
				"error", err.Error(),
			)
		})
		next.ServeHTTP(w, r)
		return
	}

	h := w.Header()
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(d.Reset.Unix(), 10))
	h.Set(HeaderPolicy, class)
	h.Set(HeaderKey, cryptoutil.SHA256HexString(d.Key))

	if !d.Allowed {
		l.metrics.IncRateLimitDecision(class, OutcomeDenied)
		retry := d.RetryAfter(l.now())
		h.Set("Retry-After", strconv.Itoa(retry))
		log.FromContext(ctx).Info(ctx, "rate limit exceeded", "class", class, "limit", d.Limit)
		l.reject(w, r, retry)
		return
	}

	l.metrics.IncRateLimitDecision(class, OutcomeAllowed)
	next.ServeHTTP(w, r)
}

func (l *Limiter) reject(w http.ResponseWriter, r *http.Request, retry int) {
	err := apperr.Policy(http.StatusTooManyRequests, CodeTooManyRequests,
		"Too Many Requests", "Rate limit exceeded. Please retry later.").
		WithExtension("retry_after", retry)
	if l.n == nil {
		http.Error(w, err.Detail, err.Status)
		return
	}
	l.n.Write(w, r, err)
}
