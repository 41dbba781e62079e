package health

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// Probe is evaluated at request time; a nil error means healthy.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// Named prefixes p's failures with name.
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// All passes only if every probe passes. Every probe runs, so the error
// lists each failing dependency on its own line. nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// ShutdownGate fails readiness once shutdown begins so the load balancer
// stops routing here before listeners close.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate. An empty reason reads as "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
