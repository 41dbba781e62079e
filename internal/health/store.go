package health

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// Pinger is anything that answers a round-trip check, such as a kvstore.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Degrader reports a soft failure that should not fail readiness.
type Degrader interface {
	Degraded() bool
}

// PingCheck fails when p does not answer within timeout. The error is
// prefixed with name so the readiness body says which dependency failed.
func PingCheck(name string, p Pinger, timeout time.Duration) CheckFunc {
	if timeout <= 0 {
		timeout = time.Second
	}
	return func(ctx context.Context) error {
		if p == nil {
			return xerrors.Newf("%s: not configured", name)
		}
		c, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(c); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// StoreCheck passes while a failover store serves from its fallback; the
// pipeline keeps running on relaxed limits, so only a failed ping of the
// store itself is fatal.
func StoreCheck(name string, p Pinger, timeout time.Duration) CheckFunc {
	ping := PingCheck(name, p, timeout)
	return func(ctx context.Context) error {
		if d, ok := p.(Degrader); ok && d.Degraded() {
			return nil
		}
		return ping(ctx)
	}
}
