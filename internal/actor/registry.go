package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/metrics"
)

// Resident is an actor-backed instance kept in a Registry.
type Resident interface {
	// StopIfIdle stops the instance, atomically with respect to its other
	// operations, when it has had nothing to do for ttl.
	StopIfIdle(ctx context.Context, now time.Time, ttl time.Duration) bool
	// Stop ends the instance.
	Stop()
	// Stopped reports whether the instance has been stopped.
	Stopped() bool
}

// Registry lazily creates one instance per id and evicts idle ones.
type Registry[T Resident] struct {
	mu      sync.Mutex
	items   map[string]T
	factory func(id string) T
	ttl     time.Duration
	now     func() time.Time
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a registry. Instances idle for longer than ttl are
// evicted by Reap.
func NewRegistry[T Resident](factory func(id string) T, ttl time.Duration, m *metrics.Metrics) *Registry[T] {
	if m == nil {
		m = metrics.Global()
	}
	return &Registry[T]{
		items:   make(map[string]T),
		factory: factory,
		ttl:     ttl,
		now:     time.Now,
		log:     logging.New("registry"),
		metrics: m,
	}
}

// Get returns the live instance for id, creating it when absent or stopped.
func (r *Registry[T]) Get(id string) T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.items[id]; ok && !inst.Stopped() {
		return inst
	}
	inst := r.factory(id)
	r.items[id] = inst
	r.metrics.ActiveActors.Store(int64(len(r.items)))
	return inst
}

// Peek returns the instance for id without creating one.
func (r *Registry[T]) Peek(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.items[id]
	if ok && inst.Stopped() {
		var zero T
		return zero, false
	}
	return inst, ok
}

// Do runs fn against the instance for id. An instance that stopped between
// lookup and use is replaced once; an instance that failed to activate is
// dropped so the next call restores again.
func (r *Registry[T]) Do(ctx context.Context, id string, fn func(T) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		inst := r.Get(id)
		err = fn(inst)
		switch {
		case errors.Is(err, ErrStopped):
			r.remove(id, inst)
			continue
		case errors.Is(err, ErrActivation):
			r.remove(id, inst)
			inst.Stop()
		}
		return err
	}
	return err
}

func (r *Registry[T]) remove(id string, inst T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.items[id]; ok && any(cur) == any(inst) {
		delete(r.items, id)
		r.metrics.ActiveActors.Store(int64(len(r.items)))
	}
}

// Len returns the number of resident instances.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Reap evicts idle instances and returns how many were evicted.
func (r *Registry[T]) Reap(ctx context.Context) int {
	r.mu.Lock()
	snapshot := make(map[string]T, len(r.items))
	for id, inst := range r.items {
		snapshot[id] = inst
	}
	r.mu.Unlock()

	now := r.now()
	evicted := 0
	for id, inst := range snapshot {
		if inst.Stopped() || inst.StopIfIdle(ctx, now, r.ttl) {
			r.remove(id, inst)
			evicted++
		}
	}
	if evicted > 0 {
		r.log.Debug("reaped", map[string]interface{}{"evicted": evicted, "resident": r.Len()})
	}
	return evicted
}

// Run reaps every interval until ctx is done.
func (r *Registry[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// StopAll stops and forgets every instance.
func (r *Registry[T]) StopAll() {
	r.mu.Lock()
	items := r.items
	r.items = make(map[string]T)
	r.metrics.ActiveActors.Store(0)
	r.mu.Unlock()

	for _, inst := range items {
		inst.Stop()
	}
}
