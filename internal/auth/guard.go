package auth

import (
	"context"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
)

type Metrics interface {
	IncAuthFailure(reason string)
}

type nopMetrics struct{}

func (nopMetrics) IncAuthFailure(string) {}

type Guard struct {
	verifier *Verifier
	n        *problem.Normalizer
	security log.Logger
	metrics  Metrics
}

// NewGuard logs every rejection to the security channel of logger.
func NewGuard(v *Verifier, n *problem.Normalizer, logger log.Logger, m Metrics) *Guard {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &Guard{verifier: v, n: n, security: log.Channel(logger, log.ChannelSecurity), metrics: m}
}

type failureKey struct{}

// Authenticate resolves the principal when a valid bearer token is present.
// It never rejects; RequireAuth does. A token that fails verification is
// remembered so the rejection can say why.
func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := BearerToken(r.Header.Get("Authorization"))
		if tok == "" || g.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		p, err := g.verifier.Verify(tok)
		if err != nil {
			ctx = context.WithValue(ctx, failureKey{}, failureReason(err))
		} else {
			ctx = reqctx.WithPrincipal(ctx, p)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth answers 401 unless Authenticate resolved a principal.
func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := reqctx.PrincipalFrom(r.Context()); p != nil && p.UserID != "" {
			next.ServeHTTP(w, r)
			return
		}
		reason, _ := r.Context().Value(failureKey{}).(string)
		if reason == "" {
			reason = "missing_token"
		}
		g.reject(w, r, apperr.Unauthenticated(""), reason)
	})
}

// RequireAbility answers 403 unless the principal holds ability. It
// assumes RequireAuth ran first; without a principal it answers 401.
func (g *Guard) RequireAbility(ability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := reqctx.PrincipalFrom(r.Context())
			switch {
			case p == nil:
				g.reject(w, r, apperr.Unauthenticated(""), "missing_token")
			case !p.Can(ability):
				g.reject(w, r, apperr.Forbidden(""), "missing_ability:"+ability)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, err *apperr.Error, reason string) {
	ctx := r.Context()
	rc := reqctx.MustFrom(ctx)
	ip := rc.ClientIP
	if ip == "" {
		ip = httpmw.ClientIPFromContext(ctx)
	}

	g.metrics.IncAuthFailure(reason)
	g.security.Warn(ctx, "authorization failed",
		"request_id", rc.RequestID,
		"ip", ip,
		"path", r.URL.Path,
		"method", r.Method,
		"user_id", rc.UserID(),
		"status", err.Status,
		"reason", reason,
	)

	if g.n == nil {
		http.Error(w, err.Detail, err.Status)
		return
	}
	g.n.Write(w, r, err)
}
