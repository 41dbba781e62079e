package httpserver

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-api/internal/auth"
	"github.com/keithlinneman/linnemanlabs-api/internal/health"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/idempotency"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/observe"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
	"github.com/keithlinneman/linnemanlabs-api/internal/ratelimit"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	Environment  string

	// Policy is read on every request; a *policy.Manager hot-swaps it.
	Policy     policy.Source
	PolicyInfo httpmw.PolicyInfo
	Normalizer *problem.Normalizer

	ClientIP     httpmw.ClientIPOptions
	MaxBodyBytes int64

	Guard       *auth.Guard
	FloodGuard  *ratelimit.FloodGuard
	Limiter     *ratelimit.Limiter
	Idempotency *idempotency.Coordinator

	Dispatcher *observe.Dispatcher
	Observers  []observe.Observer

	MetricsMW   func(http.Handler) http.Handler
	ETagMetrics httpmw.ETagMetrics

	// Readiness backs /-/ready on the public listener for load balancers.
	Readiness health.Probe

	// ReportPaths accept application/csp-report bodies.
	ReportPaths []string

	Routes []RouteRegistrar
}
