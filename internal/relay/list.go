package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/joss/crabrelay/internal/actor"
	"github.com/joss/crabrelay/internal/broadcast"
	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/metrics"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/store"
)

// ListKey is the state store key of the session list.
const ListKey = "session-list"

// ErrInvalidListType is returned by Notify for a type other than created,
// updated or deleted.
var ErrInvalidListType = errors.New("invalid list notification type")

// ListConfig wires the session list to its store.
type ListConfig struct {
	Store   store.StateStore
	Mailbox int
	Metrics *metrics.Metrics
}

// List is the singleton actor that tracks which sessions have a connected
// desktop and pushes deltas to dashboard subscribers.
type List struct {
	act     *actor.Actor
	store   store.StateStore
	log     *logging.Logger
	metrics *metrics.Metrics

	active map[string]protocol.SessionSummary
	hub    *broadcast.Hub

	// ids found in the store at startup; their desktops died with the
	// previous process unless they reconnect
	restored []string
}

// NewList starts the list actor; it restores the active map before serving.
func NewList(cfg ListConfig) *List {
	l := &List{
		store:   cfg.Store,
		log:     logging.New("session-list"),
		metrics: cfg.Metrics,
		active:  make(map[string]protocol.SessionSummary),
		hub:     broadcast.NewHub(),
	}
	if l.metrics == nil {
		l.metrics = metrics.Global()
	}
	l.act = actor.New(actor.Config{
		Name:    ListKey,
		Mailbox: cfg.Mailbox,
		Restore: l.restore,
		OnStop:  l.hub.CloseAll,
		Metrics: l.metrics,
	})
	return l
}

func (l *List) restore(ctx context.Context) error {
	data, err := l.store.Load(ctx, ListKey)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	active := make(map[string]protocol.SessionSummary)
	if err := json.Unmarshal(data, &active); err != nil {
		return fmt.Errorf("decode %s: %w", ListKey, err)
	}
	l.active = active
	for id := range active {
		l.restored = append(l.restored, id)
	}
	sort.Strings(l.restored)
	l.log.Info("restored", map[string]interface{}{"sessions": len(active)})
	return nil
}

func (l *List) persist(ctx context.Context) error {
	data, err := json.Marshal(l.active)
	if err != nil {
		return err
	}
	if err := l.store.Save(ctx, ListKey, data); err != nil {
		l.metrics.PersistFailures.Add(1)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (l *List) broadcast(msg protocol.ListMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		l.log.Error("encode_failed", map[string]interface{}{"type": string(msg.Type)}, err)
		return
	}
	res := l.hub.Broadcast(data)
	l.metrics.RecordBroadcast(res.Evicted)
}

// Connect upserts summary and broadcasts created.
func (l *List) Connect(ctx context.Context, summary protocol.SessionSummary) error {
	return l.act.Do(ctx, func(ctx context.Context) error {
		return l.connect(ctx, summary)
	})
}

func (l *List) connect(ctx context.Context, summary protocol.SessionSummary) error {
	prev, existed := l.active[summary.ID]
	l.active[summary.ID] = summary
	if err := l.persist(ctx); err != nil {
		if existed {
			l.active[summary.ID] = prev
		} else {
			delete(l.active, summary.ID)
		}
		return err
	}

	l.broadcast(protocol.ListMessage{Type: protocol.ListCreated, Session: summary})
	l.log.Debug("session_connected", map[string]interface{}{"id": summary.ID, "replaced": existed})
	return nil
}

// Disconnect removes id and broadcasts deleted. An absent id is a no-op.
func (l *List) Disconnect(ctx context.Context, id string) error {
	return l.act.Do(ctx, func(ctx context.Context) error {
		return l.disconnect(ctx, id)
	})
}

func (l *List) disconnect(ctx context.Context, id string) error {
	prev, ok := l.active[id]
	if !ok {
		return nil
	}
	delete(l.active, id)
	if err := l.persist(ctx); err != nil {
		l.active[id] = prev
		return err
	}

	l.broadcast(protocol.ListMessage{Type: protocol.ListDeleted, Session: protocol.SessionSummary{ID: id}})
	l.log.Debug("session_disconnected", map[string]interface{}{"id": id})
	return nil
}

// DisconnectAll removes every entry with one write and broadcasts deleted
// for each. It returns how many entries were removed.
func (l *List) DisconnectAll(ctx context.Context) (int, error) {
	var n int
	err := l.act.Do(ctx, func(ctx context.Context) error {
		if len(l.active) == 0 {
			return nil
		}
		prev := l.active
		l.active = make(map[string]protocol.SessionSummary)
		if err := l.persist(ctx); err != nil {
			l.active = prev
			return err
		}

		ids := make([]string, 0, len(prev))
		for id := range prev {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			l.broadcast(protocol.ListMessage{Type: protocol.ListDeleted, Session: protocol.SessionSummary{ID: id}})
		}
		n = len(ids)
		return nil
	})
	return n, err
}

// Restored returns the ids loaded from the store at startup that are still
// listed as connected.
func (l *List) Restored(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.act.Do(ctx, func(ctx context.Context) error {
		for _, id := range l.restored {
			if _, ok := l.active[id]; ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

// Update sets the lifecycle state of id and broadcasts updated. An absent
// id is ignored; membership changes only through Connect and Disconnect.
func (l *List) Update(ctx context.Context, id string, state protocol.LifecycleState) error {
	return l.act.Do(ctx, func(ctx context.Context) error {
		return l.update(ctx, id, state)
	})
}

func (l *List) update(ctx context.Context, id string, state protocol.LifecycleState) error {
	cur, ok := l.active[id]
	if !ok {
		return nil
	}
	prev := cur
	cur.State = state
	l.active[id] = cur
	if err := l.persist(ctx); err != nil {
		l.active[id] = prev
		return err
	}

	l.broadcast(protocol.ListMessage{Type: protocol.ListUpdated, Session: cur})
	return nil
}

// List returns the active sessions ordered by start time, then id.
func (l *List) List(ctx context.Context) ([]protocol.SessionSummary, error) {
	var out []protocol.SessionSummary
	err := l.act.Do(ctx, func(ctx context.Context) error {
		out = make([]protocol.SessionSummary, 0, len(l.active))
		for _, s := range l.active {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Subscribe sends {type:connected, clients:N} to stream, N counting stream
// itself, then registers it for future deltas. Existing sessions are not
// replayed; callers that need them call List first.
func (l *List) Subscribe(ctx context.Context, stream broadcast.Stream) error {
	return l.act.Do(ctx, func(ctx context.Context) error {
		l.hub.Prune()

		data, err := json.Marshal(protocol.ListMessage{
			Type:    protocol.ListConnected,
			Clients: l.hub.Len() + 1,
		})
		if err != nil {
			return err
		}
		if err := stream.Send(data); err != nil {
			stream.Close()
			return err
		}
		l.hub.Add(stream)
		return nil
	})
}

// Notify relays a coarse directory event to subscribers without touching
// the active map.
func (l *List) Notify(ctx context.Context, typ protocol.ListType, session any) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidListType, typ)
	}
	return l.act.Do(ctx, func(ctx context.Context) error {
		l.broadcast(protocol.ListMessage{Type: typ, Session: session})
		return nil
	})
}

// Subscribers returns the number of open list streams.
func (l *List) Subscribers(ctx context.Context) (int, error) {
	var n int
	err := l.act.Do(ctx, func(ctx context.Context) error {
		l.hub.Prune()
		n = l.hub.Len()
		return nil
	})
	return n, err
}

// NotifyConnect queues a Connect without waiting. It reports false when
// the notification was dropped.
func (l *List) NotifyConnect(summary protocol.SessionSummary) bool {
	return l.act.Tell(func(ctx context.Context) {
		if err := l.connect(ctx, summary); err != nil {
			l.log.Warn("notify_connect_failed", map[string]interface{}{"id": summary.ID}, err)
		}
	})
}

// NotifyDisconnect queues a Disconnect without waiting.
func (l *List) NotifyDisconnect(id string) bool {
	return l.act.Tell(func(ctx context.Context) {
		if err := l.disconnect(ctx, id); err != nil {
			l.log.Warn("notify_disconnect_failed", map[string]interface{}{"id": id}, err)
		}
	})
}

// NotifyState queues an Update without waiting.
func (l *List) NotifyState(id string, state protocol.LifecycleState) bool {
	return l.act.Tell(func(ctx context.Context) {
		if err := l.update(ctx, id, state); err != nil {
			l.log.Warn("notify_state_failed", map[string]interface{}{"id": id}, err)
		}
	})
}

// Shutdown processes notifications already queued, then stops the actor.
func (l *List) Shutdown(ctx context.Context) error {
	return l.act.Shutdown(ctx)
}

// Stop stops the actor without draining its mailbox.
func (l *List) Stop() {
	l.act.Stop()
	<-l.act.Done()
}
