// Package runtime provides graceful shutdown handling for the relay process.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joss/crabrelay/internal/logging"
)

// DefaultShutdownTimeout bounds the whole shutdown sequence.
const DefaultShutdownTimeout = 30 * time.Second

// ErrTimeout is collected when the sequence overruns its timeout.
var ErrTimeout = errors.New("shutdown timed out")

// ShutdownFunc releases one resource. ctx carries the remaining budget.
type ShutdownFunc func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager runs named cleanup handlers once, newest first, within a
// shared timeout. The relay registers its stores before the actors and the
// HTTP server so requests drain before storage closes.
type ShutdownManager struct {
	mu       sync.Mutex
	handlers []namedHandler
	pending  []string
	errs     []error

	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	log     *logging.Logger
	exit    func(code int)
}

// NewShutdownManager creates a manager; a non-positive timeout uses
// DefaultShutdownTimeout.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     logging.New("shutdown"),
		exit:    os.Exit,
	}
}

// Register adds a handler. Handlers run one at a time in reverse
// registration order; a failing handler does not stop the rest.
func (m *ShutdownManager) Register(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, fn: fn})
}

// RegisterSimple adds a handler that cannot fail.
func (m *ShutdownManager) RegisterSimple(name string, fn func()) {
	m.Register(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Context is cancelled as soon as shutdown begins. Background loops such as
// the idle reaper run on it.
func (m *ShutdownManager) Context() context.Context {
	return m.ctx
}

// Done is closed once shutdown has finished or timed out.
func (m *ShutdownManager) Done() <-chan struct{} {
	return m.done
}

// Errors returns the handler failures, plus ErrTimeout if the sequence
// overran.
func (m *ShutdownManager) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errs...)
}

// ListenForSignals starts shutdown on the first SIGINT or SIGTERM. A second
// signal while handlers are still running exits the process immediately.
func (m *ShutdownManager) ListenForSignals() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		m.watchSignals(ch)
		signal.Stop(ch)
	}()
}

func (m *ShutdownManager) watchSignals(ch <-chan os.Signal) {
	var sig os.Signal
	select {
	case sig = <-ch:
	case <-m.done:
		return
	}
	m.log.Info("signal_received", map[string]interface{}{"signal": sig.String()})
	go m.Shutdown()

	select {
	case sig = <-ch:
		m.log.Warn("forced_exit", map[string]interface{}{"signal": sig.String(), "pending": m.pendingNames()}, nil)
		m.exit(1)
	case <-m.done:
	}
}

// Shutdown runs the handlers. Only the first call does anything; later calls
// return immediately.
func (m *ShutdownManager) Shutdown() {
	m.once.Do(m.run)
}

// WaitForShutdown blocks until shutdown is complete.
func (m *ShutdownManager) WaitForShutdown() {
	<-m.done
}

func (m *ShutdownManager) run() {
	defer close(m.done)
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	order := make([]namedHandler, 0, len(m.handlers))
	for i := len(m.handlers) - 1; i >= 0; i-- {
		order = append(order, m.handlers[i])
		m.pending = append(m.pending, m.handlers[i].name)
	}
	m.mu.Unlock()

	m.log.Info("shutdown_started", map[string]interface{}{"handlers": len(order), "timeout": m.timeout.String()})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, h := range order {
			if ctx.Err() != nil {
				return
			}
			m.runHandler(ctx, h)
		}
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	if pending := m.pendingNames(); len(pending) > 0 {
		err := fmt.Errorf("%w after %s: %s", ErrTimeout, m.timeout, strings.Join(pending, ", "))
		m.mu.Lock()
		m.errs = append(m.errs, err)
		m.mu.Unlock()
		m.log.Warn("shutdown_timeout", map[string]interface{}{"pending": pending}, err)
		return
	}

	m.log.Info("shutdown_complete", map[string]interface{}{"errors": len(m.Errors())})
}

func (m *ShutdownManager) runHandler(ctx context.Context, h namedHandler) {
	start := time.Now()
	err := logging.NewRecoveryHandler("shutdown").WrapError(func() error {
		return h.fn(ctx)
	})

	m.mu.Lock()
	m.pending = m.pending[1:]
	if err != nil {
		m.errs = append(m.errs, fmt.Errorf("%s: %w", h.name, err))
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("handler_failed", map[string]interface{}{"handler": h.name}, err)
		return
	}
	m.log.TimedEvent("handler_done", start, map[string]interface{}{"handler": h.name})
}

func (m *ShutdownManager) pendingNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pending...)
}
