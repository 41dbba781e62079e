package kvstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
)

const DefaultHealthInterval = 30 * time.Second

type FailoverOptions struct {
	Logger log.Logger

	// HealthInterval is how often the primary is pinged.
	HealthInterval time.Duration

	// OnStateChange is called with the new degraded state on every switch.
	OnStateChange func(degraded bool)
}

// Failover serves from primary and switches to secondary after a primary
// error. A background health check switches back once primary answers PING.
// Values written while degraded stay in the secondary.
type Failover struct {
	primary   Store
	secondary Store
	opts      FailoverOptions
	degraded  atomic.Bool
}

func NewFailover(primary, secondary Store, opts FailoverOptions) *Failover {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	f := &Failover{primary: primary, secondary: secondary, opts: opts}
	if primary == nil {
		f.degraded.Store(true)
	}
	return f
}

// Primary is the store without failover. Idempotency records use it so a
// primary outage surfaces as an error instead of an empty secondary.
func (f *Failover) Primary() Store {
	if f.primary == nil {
		return f.secondary
	}
	return f.primary
}

// Degraded reports whether calls are being served by the secondary.
func (f *Failover) Degraded() bool { return f.degraded.Load() }

func (f *Failover) setDegraded(ctx context.Context, v bool, cause error) {
	if f.degraded.Swap(v) == v {
		return
	}
	if v {
		f.opts.Logger.Warn(ctx, "kv store degraded, serving from secondary", "cause", errString(cause))
	} else {
		f.opts.Logger.Info(ctx, "kv store primary recovered")
	}
	if f.opts.OnStateChange != nil {
		f.opts.OnStateChange(v)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Run pings the primary every HealthInterval until ctx is done.
func (f *Failover) Run(ctx context.Context) {
	if f.primary == nil {
		return
	}
	t := time.NewTicker(f.opts.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.Check(ctx)
		}
	}
}

// Check pings the primary once and updates the degraded state.
func (f *Failover) Check(ctx context.Context) {
	if f.primary == nil {
		return
	}
	err := f.primary.Ping(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	f.setDegraded(ctx, err != nil, err)
}

// primaryFailed reports whether err should trigger a switch. Caller
// cancellation and misses are not primary failures.
func (f *Failover) primaryFailed(ctx context.Context, err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
		return false
	}
	f.setDegraded(ctx, true, err)
	return true
}

func (f *Failover) Get(ctx context.Context, key string) ([]byte, error) {
	if !f.Degraded() {
		v, err := f.primary.Get(ctx, key)
		if !f.primaryFailed(ctx, err) {
			return v, err
		}
	}
	return f.secondary.Get(ctx, key)
}

func (f *Failover) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !f.Degraded() {
		err := f.primary.Set(ctx, key, value, ttl)
		if !f.primaryFailed(ctx, err) {
			return err
		}
	}
	return f.secondary.Set(ctx, key, value, ttl)
}

func (f *Failover) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if !f.Degraded() {
		ok, err := f.primary.SetNX(ctx, key, value, ttl)
		if !f.primaryFailed(ctx, err) {
			return ok, err
		}
	}
	return f.secondary.SetNX(ctx, key, value, ttl)
}

func (f *Failover) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if !f.Degraded() {
		n, left, err := f.primary.Incr(ctx, key, ttl)
		if !f.primaryFailed(ctx, err) {
			return n, left, err
		}
	}
	return f.secondary.Incr(ctx, key, ttl)
}

func (f *Failover) Count(ctx context.Context, key string) (int64, time.Duration, error) {
	if !f.Degraded() {
		n, left, err := f.primary.Count(ctx, key)
		if !f.primaryFailed(ctx, err) {
			return n, left, err
		}
	}
	return f.secondary.Count(ctx, key)
}

func (f *Failover) Delete(ctx context.Context, key string) error {
	if !f.Degraded() {
		err := f.primary.Delete(ctx, key)
		if !f.primaryFailed(ctx, err) {
			return err
		}
	}
	return f.secondary.Delete(ctx, key)
}

// Ping succeeds while either side is usable.
func (f *Failover) Ping(ctx context.Context) error {
	if f.primary != nil {
		if err := f.primary.Ping(ctx); err == nil {
			return nil
		}
	}
	return f.secondary.Ping(ctx)
}

func (f *Failover) Close() error {
	var errs []error
	if f.primary != nil {
		errs = append(errs, f.primary.Close())
	}
	errs = append(errs, f.secondary.Close())
	return errors.Join(errs...)
}
