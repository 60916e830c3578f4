package relay

import (
	"context"
	"errors"
	"time"

	"github.com/joss/crabrelay/internal/actor"
	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/metrics"
	"github.com/joss/crabrelay/internal/store"
)

var _ ListNotifier = (*List)(nil)

// Config configures a Relay.
type Config struct {
	Store        store.StateStore
	IdleTTL      time.Duration
	Mailbox      int
	ViewerBuffer int
	Metrics      *metrics.Metrics
	// ReconnectGrace is how long desktops listed before a restart get to
	// reconnect before SweepRestored drops them.
	ReconnectGrace time.Duration
}

// Relay owns the session registry and the session list.
type Relay struct {
	Sessions *actor.Registry[*Session]
	List     *List

	cfg Config
	log *logging.Logger
}

// New creates the list actor and an empty session registry.
func New(cfg Config) *Relay {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = time.Minute
	}

	list := NewList(ListConfig{Store: cfg.Store, Mailbox: cfg.Mailbox, Metrics: cfg.Metrics})
	r := &Relay{List: list, cfg: cfg, log: logging.New("relay")}
	r.Sessions = actor.NewRegistry(func(id string) *Session {
		return NewSession(id, SessionConfig{
			Store:   cfg.Store,
			List:    list,
			Mailbox: cfg.Mailbox,
			Metrics: cfg.Metrics,
		})
	}, cfg.IdleTTL, cfg.Metrics)
	return r
}

// Session runs fn against the live actor for id, activating it if needed.
func (r *Relay) Session(ctx context.Context, id string, fn func(*Session) error) error {
	return r.Sessions.Do(ctx, id, fn)
}

// ViewerBuffer is the outbox size for new viewer streams.
func (r *Relay) ViewerBuffer() int {
	return r.cfg.ViewerBuffer
}

// RunReaper evicts idle sessions until ctx is done.
func (r *Relay) RunReaper(ctx context.Context) {
	interval := r.cfg.IdleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	r.Sessions.Run(ctx, interval)
}

// SweepRestored waits for the reconnect grace period, then removes list
// entries restored at startup whose desktop has not come back. The check
// runs on each session actor so a concurrent reconnect is never undone.
func (r *Relay) SweepRestored(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(r.cfg.ReconnectGrace):
	}

	ids, err := r.List.Restored(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		var ran bool
		err := r.Sessions.Do(ctx, id, func(s *Session) error {
			var err error
			ran, err = s.whenDetached(ctx, func(ctx context.Context) error {
				return r.List.Disconnect(ctx, id)
			})
			return err
		})
		if errors.Is(err, actor.ErrActivation) {
			// no desktop can attach to a session that cannot restore
			ran, err = true, r.List.Disconnect(ctx, id)
		}
		if err != nil {
			if ctx.Err() != nil {
				return swept, ctx.Err()
			}
			r.log.WithSession(id).Warn("sweep_failed", nil, err)
			continue
		}
		if ran {
			swept++
		}
	}
	r.log.Info("restored_swept", map[string]interface{}{"restored": len(ids), "removed": swept})
	return swept, nil
}

// Shutdown stops every session, then clears the list with one blocking
// write so no entry outlives its desktop even when best-effort disconnect
// notifications were dropped, then lets the list drain and stop.
func (r *Relay) Shutdown(ctx context.Context) error {
	n := r.Sessions.Len()
	r.Sessions.StopAll()
	r.log.Info("sessions_stopped", map[string]interface{}{"sessions": n})

	cleared, err := r.List.DisconnectAll(ctx)
	if err != nil {
		r.log.Error("list_clear_failed", nil, err)
	} else if cleared > 0 {
		r.log.Info("list_cleared", map[string]interface{}{"sessions": cleared})
	}
	return errors.Join(err, r.List.Shutdown(ctx))
}
