// Package reqctx holds the per-request identity value shared by every stage
// of the pipeline.
package reqctx

import (
	"context"
	"slices"
	"time"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	TokenID   string
	Abilities []string
}

// Can reports whether the principal holds ability or the "*" wildcard.
func (p *Principal) Can(ability string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Abilities, ability) || slices.Contains(p.Abilities, "*")
}

// RequestContext is created once per request and never modified. From
// hands out copies so a stage cannot alter what the next one sees.
type RequestContext struct {
	RequestID     string
	CorrelationID string
	TraceID       string
	SpanID        string
	TraceParent   string
	StartedAt     time.Time
	Method        string
	Path          string
	ClientIP      string
	Principal     *Principal
}

// Identifier is the caller scope used for idempotency records:
// user:{id}, else ip:{ip}, else "".
func (rc *RequestContext) Identifier() string {
	if rc == nil {
		return ""
	}
	if rc.Principal != nil && rc.Principal.UserID != "" {
		return "user:" + rc.Principal.UserID
	}
	if rc.ClientIP != "" {
		return "ip:" + rc.ClientIP
	}
	return ""
}

// UserID returns the principal's user id or "".
func (rc *RequestContext) UserID() string {
	if rc == nil || rc.Principal == nil {
		return ""
	}
	return rc.Principal.UserID
}

func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.Principal != nil && (rc.Principal.UserID != "" || rc.Principal.TokenID != "")
}

func (rc *RequestContext) Elapsed() time.Duration {
	if rc == nil || rc.StartedAt.IsZero() {
		return 0
	}
	return time.Since(rc.StartedAt)
}

type ctxKey struct{}

type principalKey struct{}

type slotKey struct{}

type slot struct{ rc *RequestContext }

// With attaches a copy of rc to ctx. A slot installed further out with
// WithSlot receives the same copy.
func With(ctx context.Context, rc *RequestContext) context.Context {
	if rc == nil {
		return ctx
	}
	cp := *rc
	if s, ok := ctx.Value(slotKey{}).(*slot); ok && s.rc == nil {
		s.rc = &cp
	}
	return context.WithValue(ctx, ctxKey{}, &cp)
}

// WithSlot lets a middleware that runs before the RequestContext exists
// (panic recovery) read it from its own context once the handler returns.
func WithSlot(ctx context.Context) context.Context {
	return context.WithValue(ctx, slotKey{}, &slot{})
}

// From returns a copy of the RequestContext carried by ctx.
func From(ctx context.Context) (*RequestContext, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	if !ok || rc == nil {
		s, _ := ctx.Value(slotKey{}).(*slot)
		if s == nil || s.rc == nil {
			return nil, false
		}
		rc = s.rc
	}
	cp := *rc
	return &cp, true
}

// MustFrom is From with a zero value when ctx carries nothing.
func MustFrom(ctx context.Context) *RequestContext {
	if rc, ok := From(ctx); ok {
		return rc
	}
	return &RequestContext{}
}

// WithPrincipal records the caller resolved by authentication. The
// RequestContext built afterwards picks it up.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller, preferring the value
// frozen into the RequestContext.
func PrincipalFrom(ctx context.Context) *Principal {
	if rc, ok := From(ctx); ok && rc.Principal != nil {
		return rc.Principal
	}
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
