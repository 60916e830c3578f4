// Package actor runs stateful components as single goroutines that restore
// durable state before serving and then process operations one at a time.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joss/crabrelay/internal/alerts"
	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/metrics"
)

var (
	// ErrStopped is returned for operations submitted to a stopped actor.
	ErrStopped = errors.New("actor stopped")

	// ErrActivation wraps the restore failure of an actor that never served.
	ErrActivation = errors.New("actor activation failed")
)

// DefaultMailbox is used when Config.Mailbox is not positive.
const DefaultMailbox = 64

// Config describes an actor.
type Config struct {
	// Name identifies the actor in logs and alerts (e.g. "session/01J...").
	Name string
	// Session, when set, tags the actor's log lines with a session id.
	Session string
	// Mailbox bounds the number of queued operations.
	Mailbox int
	// Restore loads durable state. It runs once, before any operation.
	Restore func(ctx context.Context) error
	// OnStop runs on the actor goroutine after the last operation.
	OnStop func()
	// Metrics defaults to metrics.Global().
	Metrics *metrics.Metrics
}

type op struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error // nil for Tell
}

func (o op) reply(err error) {
	if o.result != nil {
		o.result <- err
	}
}

// Actor owns a goroutine and a bounded mailbox. Operations never run
// concurrently with each other; an operation must not call Do on its own
// actor.
type Actor struct {
	name     string
	mailbox  chan op
	quit     chan struct{}
	done     chan struct{}
	ready    chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	// written before ready is closed, read-only afterwards
	activationErr error

	// only touched on the actor goroutine
	stopAfter bool

	onStop   func()
	recovery *logging.RecoveryHandler
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// New starts an actor. Restore begins immediately in the background.
func New(cfg Config) *Actor {
	size := cfg.Mailbox
	if size <= 0 {
		size = DefaultMailbox
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		name:     cfg.Name,
		mailbox:  make(chan op, size),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		onStop:   cfg.OnStop,
		recovery: logging.NewRecoveryHandler("actor"),
		log:      logging.New("actor").WithSession(cfg.Session),
		metrics:  m,
	}
	go a.run(cfg.Restore)
	return a
}

// Name returns the actor name.
func (a *Actor) Name() string {
	return a.name
}

func (a *Actor) run(restore func(ctx context.Context) error) {
	defer close(a.done)
	defer a.cancel()

	a.activate(restore)
	close(a.ready)

	defer func() {
		a.drain()
		if a.onStop != nil {
			a.recovery.Wrap(a.onStop)
		}
	}()

	for {
		// quit wins over queued work
		select {
		case <-a.quit:
			return
		default:
		}

		select {
		case <-a.quit:
			return
		case o := <-a.mailbox:
			a.execute(o)
			if a.stopAfter {
				a.Stop()
				return
			}
		}
	}
}

func (a *Actor) activate(restore func(ctx context.Context) error) {
	if restore == nil {
		return
	}
	start := time.Now()
	err := a.recovery.WrapError(func() error { return restore(a.ctx) })
	a.metrics.RecordRestore(err == nil, time.Since(start).Milliseconds())
	if err == nil {
		a.log.TimedEvent("restored", start, map[string]interface{}{"actor": a.name})
		return
	}

	a.activationErr = fmt.Errorf("%w: %s: %v", ErrActivation, a.name, err)
	a.log.Error("activation_failed", map[string]interface{}{"actor": a.name}, err)
	alerts.Error("actor", "Activation Failed", a.activationErr.Error(), map[string]interface{}{
		"actor": a.name,
	})
}

func (a *Actor) execute(o op) {
	if a.activationErr != nil {
		o.reply(a.activationErr)
		return
	}
	if err := o.ctx.Err(); err != nil {
		o.reply(err)
		return
	}
	o.reply(a.recovery.WrapError(func() error { return o.fn(o.ctx) }))
}

// drain fails every operation still queued once the loop has ended.
func (a *Actor) drain() {
	for {
		select {
		case o := <-a.mailbox:
			o.reply(ErrStopped)
		default:
			return
		}
	}
}

// Do runs fn on the actor and waits for its result. It waits for restore to
// finish first; after a failed restore it returns an ErrActivation error.
func (a *Actor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	o := op{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case <-a.quit:
		return ErrStopped
	default:
	}

	select {
	case a.mailbox <- o:
	case <-a.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-o.result:
		return err
	case <-a.done:
		select {
		case err := <-o.result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tell queues fn without waiting. It reports false, dropping fn, when the
// mailbox is full or the actor has stopped. Delivery is at most once.
func (a *Actor) Tell(fn func(ctx context.Context)) bool {
	select {
	case <-a.quit:
		return false
	default:
	}

	o := op{ctx: a.ctx, fn: func(ctx context.Context) error {
		fn(ctx)
		return nil
	}}
	select {
	case a.mailbox <- o:
		return true
	default:
		return false
	}
}

// StopAfterCurrent marks the actor to stop once the running operation
// returns. It must be called from inside an operation.
func (a *Actor) StopAfterCurrent() {
	a.stopAfter = true
}

// Stop ends the actor after the operation in flight. Queued operations
// return ErrStopped.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.quit) })
}

// Shutdown lets every operation queued so far run, then stops. It falls
// back to Stop when ctx ends first.
func (a *Actor) Shutdown(ctx context.Context) error {
	err := a.Do(ctx, func(ctx context.Context) error {
		a.StopAfterCurrent()
		return nil
	})
	if err != nil {
		a.Stop()
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped reports whether Stop has been called.
func (a *Actor) Stopped() bool {
	select {
	case <-a.quit:
		return true
	default:
		return false
	}
}

// Ready is closed when restore has finished, successfully or not.
func (a *Actor) Ready() <-chan struct{} {
	return a.ready
}

// Err returns the activation error once Ready is closed.
func (a *Actor) Err() error {
	select {
	case <-a.ready:
		return a.activationErr
	default:
		return nil
	}
}

// Done is closed when the actor goroutine has exited.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}
