package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

var (
	ErrQueueFull = errors.New("observe: dispatcher queue is full")
	ErrClosed    = errors.New("observe: dispatcher is shut down")
)

type DispatcherMetrics interface {
	IncObserverDropped(observer string)
	IncObserverPanic(observer string)
}

type nopDispatcherMetrics struct{}

func (nopDispatcherMetrics) IncObserverDropped(string) {}
func (nopDispatcherMetrics) IncObserverPanic(string)   {}

type task struct {
	name string
	ctx  context.Context
	fn   func(context.Context)
}

// Dispatcher is a fixed pool of workers reading from a bounded queue.
type Dispatcher struct {
	tasks   chan task
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	logger  log.Logger
	metrics DispatcherMetrics
}

// NewDispatcher starts workers goroutines sharing a queue of queueSize
// tasks.
func NewDispatcher(workers, queueSize int, logger log.Logger, m DispatcherMetrics) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = nopDispatcherMetrics{}
	}
	d := &Dispatcher{
		tasks:   make(chan task, queueSize),
		logger:  logger,
		metrics: m,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit queues fn without blocking. ctx is detached from cancellation so
// a task may outlive the request it came from; its values (log fields,
// span) are kept.
func (d *Dispatcher) Submit(ctx context.Context, name string, fn func(context.Context)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.IncObserverDropped(name)
		return ErrClosed
	}

	select {
	case d.tasks <- task{name: name, ctx: context.WithoutCancel(ctx), fn: fn}:
		return nil
	default:
		d.metrics.IncObserverDropped(name)
		d.logger.Warn(ctx, "observer task dropped, queue full", "observer", name)
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits for queued tasks to finish, or for ctx.
// It is safe to call more than once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(ctx.Err(), "observer drain")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.tasks {
		d.run(t)
	}
}

func (d *Dispatcher) run(t task) {
	defer func() {
		if p := recover(); p != nil {
			d.metrics.IncObserverPanic(t.name)
			err, ok := p.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", p)
			}
			d.logger.Error(t.ctx, xerrors.WithStack(err), "observer panic recovered", "observer", t.name)
		}
	}()
	t.fn(t.ctx)
}
