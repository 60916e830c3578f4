// Package relay holds the two actors at the heart of the relay: one Session
// per live session id and the singleton List of sessions with a connected
// desktop.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joss/crabrelay/internal/actor"
	"github.com/joss/crabrelay/internal/broadcast"
	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/metrics"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/store"
)

var (
	// ErrDesktopOffline means no desktop is connected to the session.
	ErrDesktopOffline = errors.New("desktop offline")

	// ErrSendFailed wraps a transport error while writing to the desktop.
	ErrSendFailed = errors.New("send to desktop failed")

	// ErrStaleConnection is returned for events read from a desktop
	// connection that a newer connection has replaced.
	ErrStaleConnection = errors.New("desktop connection replaced")

	// ErrPersist means an event was not applied because its state could
	// not be made durable.
	ErrPersist = errors.New("persist session state")
)

// Desktop is the single live connection to a desktop process.
type Desktop interface {
	// Send writes one message. Implementations serialize concurrent writes.
	Send(ctx context.Context, msg []byte) error
	// Close terminates the connection.
	Close() error
}

// ConnID identifies one attached desktop connection within a session.
type ConnID uint64

// ConnectMeta is what a desktop reports when it connects.
type ConnectMeta struct {
	Cwd       string
	Platform  protocol.Platform
	StartedAt int64 // unix ms
}

// ListNotifier receives best-effort notifications from session actors.
// Each method reports whether the notification was queued.
type ListNotifier interface {
	NotifyConnect(summary protocol.SessionSummary) bool
	NotifyDisconnect(id string) bool
	NotifyState(id string, state protocol.LifecycleState) bool
}

// Diagnostics is a debugging snapshot of a session actor.
type Diagnostics struct {
	State            protocol.LifecycleState `json:"state"`
	ScrollbackLines  int                     `json:"scrollback_lines"`
	HasScreen        bool                    `json:"has_screen"`
	Title            *string                 `json:"title"`
	EventSequence    uint64                  `json:"event_sequence"`
	DesktopConnected bool                    `json:"desktop_connected"`
	SSEClients       int                     `json:"sse_clients"`
}

// sessionState is the durable part of a session actor.
type sessionState struct {
	ID              string                  `json:"id"`
	State           protocol.LifecycleState `json:"state"`
	ScrollbackLines int                     `json:"scrollback_lines"`
	Screen          *string                 `json:"screen,omitempty"`
	Title           *string                 `json:"title,omitempty"`
	Sequence        uint64                  `json:"event_sequence"`
}

func newSessionState(id string) sessionState {
	return sessionState{ID: id, State: protocol.StateReady}
}

// apply folds one desktop event into the cached state. Kinds the relay does
// not cache pass through unchanged.
func (st *sessionState) apply(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.ScrollbackEvent:
		st.ScrollbackLines = e.TotalLines
	case protocol.StateEvent:
		st.State = e.State
	case protocol.ScreenEvent:
		content := e.Content
		st.Screen = &content
	case protocol.TitleEvent:
		title := e.Title
		st.Title = &title
	case protocol.GitEvent, protocol.ChangesEvent, protocol.StatsEvent, protocol.DesktopStatusEvent:
	}
	st.Sequence++
}

// SessionKey is the state store key of a session actor.
func SessionKey(id string) string {
	return "session/" + id
}

// SessionConfig wires a session actor to its collaborators.
type SessionConfig struct {
	Store   store.StateStore
	List    ListNotifier
	Mailbox int
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Session is the actor for one session id. All fields below act are owned
// by the actor goroutine.
type Session struct {
	id  string
	act *actor.Actor

	store   store.StateStore
	list    ListNotifier
	log     *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	state      sessionState
	summary    protocol.SessionSummary
	desktop    Desktop
	conn       ConnID
	nextConn   ConnID
	hub        *broadcast.Hub
	lastActive time.Time
}

// NewSession starts the actor for id; it restores its state before serving.
func NewSession(id string, cfg SessionConfig) *Session {
	s := &Session{
		id:      id,
		store:   cfg.Store,
		list:    cfg.List,
		log:     logging.New("session-actor").WithSession(id),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		state:   newSessionState(id),
		hub:     broadcast.NewHub(),
	}
	if s.metrics == nil {
		s.metrics = metrics.Global()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.lastActive = s.now()
	s.act = actor.New(actor.Config{
		Name:    SessionKey(id),
		Session: id,
		Mailbox: cfg.Mailbox,
		Restore: s.restore,
		OnStop:  s.release,
		Metrics: s.metrics,
	})
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) restore(ctx context.Context) error {
	data, err := s.store.Load(ctx, SessionKey(s.id))
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	st := newSessionState(s.id)
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode %s: %w", SessionKey(s.id), err)
	}
	st.ID = s.id
	s.state = st
	return nil
}

func (s *Session) persist(ctx context.Context, st sessionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, SessionKey(s.id), data); err != nil {
		s.metrics.PersistFailures.Add(1)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (s *Session) touch() {
	s.lastActive = s.now()
}

func (s *Session) broadcast(ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		s.log.Error("encode_failed", map[string]interface{}{"kind": string(ev.Kind())}, err)
		return
	}
	s.broadcastRaw(data)
}

func (s *Session) broadcastRaw(data []byte) {
	res := s.hub.Broadcast(data)
	s.metrics.RecordBroadcast(res.Evicted)
	if res.Evicted > 0 {
		s.metrics.ViewersConnected.Add(-int64(res.Evicted))
		s.log.Debug("viewers_evicted", map[string]interface{}{"evicted": res.Evicted, "remaining": s.hub.Len()})
	}
}

func (s *Session) prune() {
	if n := s.hub.Prune(); n > 0 {
		s.metrics.ViewersConnected.Add(-int64(n))
	}
}

// AttachDesktop installs d as the session's only desktop connection,
// closing any previous one. Events from d must be passed to HandleEvent with
// the returned ConnID.
func (s *Session) AttachDesktop(ctx context.Context, d Desktop, meta ConnectMeta) (ConnID, error) {
	var id ConnID
	err := s.act.Do(ctx, func(ctx context.Context) error {
		replaced := s.desktop != nil
		if replaced {
			if err := s.desktop.Close(); err != nil {
				s.log.Debug("close_replaced_desktop", map[string]interface{}{"error": err.Error()})
			}
		}

		s.nextConn++
		s.conn = s.nextConn
		s.desktop = d
		id = s.conn

		startedAt := meta.StartedAt
		if startedAt == 0 {
			startedAt = s.now().UnixMilli()
		}
		s.summary = protocol.SessionSummary{
			ID:        s.id,
			Cwd:       meta.Cwd,
			Platform:  meta.Platform,
			State:     s.state.State,
			StartedAt: startedAt,
		}
		s.touch()
		s.metrics.RecordDesktopConnect(replaced)
		s.log.Info("desktop_attached", map[string]interface{}{
			"conn":     uint64(id),
			"replaced": replaced,
			"cwd":      meta.Cwd,
			"platform": string(meta.Platform),
		})

		s.broadcast(protocol.NewDesktopStatus(true))
		s.notify(s.list.NotifyConnect(s.summary), "connect")
		return nil
	})
	return id, err
}

// HandleEvent applies one raw desktop frame: it updates the cached fields for
// the event's kind, persists, then broadcasts the frame unmodified. Malformed
// frames are rejected without touching state.
func (s *Session) HandleEvent(ctx context.Context, conn ConnID, raw []byte) error {
	ev, err := protocol.DecodeDesktop(raw)
	if err != nil {
		s.metrics.RecordEvent(false)
		s.log.Warn("event_rejected", map[string]interface{}{"bytes": len(raw)}, err)
		return err
	}

	return s.act.Do(ctx, func(ctx context.Context) error {
		if conn != s.conn || s.desktop == nil {
			return ErrStaleConnection
		}

		next := s.state
		next.apply(ev)
		if err := s.persist(ctx, next); err != nil {
			s.log.Error("persist_failed", map[string]interface{}{"kind": string(ev.Kind())}, err)
			return err
		}
		s.state = next
		s.touch()
		s.metrics.RecordEvent(true)

		s.broadcastRaw(raw)

		if st, ok := ev.(protocol.StateEvent); ok {
			s.summary.State = st.State
			s.notify(s.list.NotifyState(s.id, st.State), "state")
		}
		return nil
	})
}

// DetachDesktop handles the close of connection conn. A detach for a
// connection that has already been replaced changes nothing.
func (s *Session) DetachDesktop(ctx context.Context, conn ConnID) error {
	return s.act.Do(ctx, func(ctx context.Context) error {
		if conn != s.conn || s.desktop == nil {
			return nil
		}
		s.disconnect("closed")
		return nil
	})
}

// disconnect clears the desktop and tells viewers and the list. Cached
// screen, title and state are kept for the next connection.
func (s *Session) disconnect(reason string) {
	s.desktop.Close()
	s.desktop = nil
	s.touch()
	s.metrics.DesktopDisconnects.Add(1)
	s.log.Info("desktop_detached", map[string]interface{}{"conn": uint64(s.conn), "reason": reason})

	s.broadcast(protocol.NewDesktopStatus(false))
	s.notify(s.list.NotifyDisconnect(s.id), "disconnect")
}

func (s *Session) notify(queued bool, what string) {
	s.metrics.RecordListNotify(queued)
	if !queued {
		s.log.Warn("list_notify_dropped", map[string]interface{}{"notification": what}, nil)
	}
}

// Subscribe registers stream as a viewer and queues the catch-up sequence:
// desktop_status, then, only while a desktop is connected, the last screen
// (if any), the lifecycle state, and the last title (if any).
func (s *Session) Subscribe(ctx context.Context, stream broadcast.Stream) error {
	return s.act.Do(ctx, func(ctx context.Context) error {
		s.prune()

		connected := s.desktop != nil
		catchUp := []protocol.Event{protocol.NewDesktopStatus(connected)}
		if connected {
			if s.state.Screen != nil {
				catchUp = append(catchUp, protocol.ScreenEvent{Content: *s.state.Screen})
			}
			catchUp = append(catchUp, protocol.StateEvent{State: s.state.State, Timestamp: s.now().UnixMilli()})
			if s.state.Title != nil {
				catchUp = append(catchUp, protocol.TitleEvent{Title: *s.state.Title})
			}
		}

		for _, ev := range catchUp {
			data, err := protocol.Encode(ev)
			if err != nil {
				stream.Close()
				return err
			}
			if err := stream.Send(data); err != nil {
				stream.Close()
				return fmt.Errorf("catch-up %s: %w", ev.Kind(), err)
			}
		}

		s.hub.Add(stream)
		s.touch()
		s.metrics.ViewersConnected.Add(1)
		s.log.Debug("viewer_subscribed", map[string]interface{}{"viewers": s.hub.Len(), "connected": connected})
		return nil
	})
}

// SendInput forwards a viewer's answer or key to the desktop. It returns
// ErrDesktopOffline when no desktop is connected and an ErrSendFailed error
// when the write itself fails.
func (s *Session) SendInput(ctx context.Context, msg protocol.Control) error {
	return s.act.Do(ctx, func(ctx context.Context) error {
		if s.desktop == nil {
			s.metrics.InputOffline.Add(1)
			return ErrDesktopOffline
		}

		data, err := protocol.EncodeControl(msg)
		if err != nil {
			return err
		}
		if err := s.desktop.Send(ctx, data); err != nil {
			s.metrics.InputFailed.Add(1)
			s.log.Warn("input_send_failed", map[string]interface{}{"type": string(msg.ControlType())}, err)
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		s.touch()
		s.metrics.InputForwarded.Add(1)
		return nil
	})
}

// Ping sends a keepalive to the desktop if one is connected.
func (s *Session) Ping(ctx context.Context, conn ConnID) error {
	return s.act.Do(ctx, func(ctx context.Context) error {
		if conn != s.conn || s.desktop == nil {
			return ErrStaleConnection
		}
		data, _ := protocol.EncodeControl(protocol.PingMessage{})
		if err := s.desktop.Send(ctx, data); err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		return nil
	})
}

// Diagnostics returns the current cached state.
func (s *Session) Diagnostics(ctx context.Context) (Diagnostics, error) {
	var d Diagnostics
	err := s.act.Do(ctx, func(ctx context.Context) error {
		s.prune()
		d = Diagnostics{
			State:            s.state.State,
			ScrollbackLines:  s.state.ScrollbackLines,
			HasScreen:        s.state.Screen != nil,
			EventSequence:    s.state.Sequence,
			DesktopConnected: s.desktop != nil,
			SSEClients:       s.hub.Len(),
		}
		if s.state.Title != nil {
			title := *s.state.Title
			d.Title = &title
		}
		return nil
	})
	return d, err
}

// StopIfIdle stops the actor when it has no desktop, no viewers, and no
// activity within ttl. A session that failed to activate counts as idle.
func (s *Session) StopIfIdle(ctx context.Context, now time.Time, ttl time.Duration) bool {
	var idle bool
	err := s.act.Do(ctx, func(ctx context.Context) error {
		s.prune()
		if s.desktop == nil && s.hub.Len() == 0 && now.Sub(s.lastActive) >= ttl {
			idle = true
			s.act.StopAfterCurrent()
		}
		return nil
	})
	if errors.Is(err, actor.ErrActivation) || errors.Is(err, actor.ErrStopped) {
		return true
	}
	return idle
}

// whenDetached runs fn on the actor if no desktop is attached and reports
// whether it ran. An attach cannot interleave with fn.
func (s *Session) whenDetached(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	var ran bool
	err := s.act.Do(ctx, func(ctx context.Context) error {
		if s.desktop != nil {
			return nil
		}
		ran = true
		return fn(ctx)
	})
	return ran, err
}

// Stop ends the actor and waits for it to exit.
func (s *Session) Stop() {
	s.act.Stop()
	<-s.act.Done()
}

// Stopped reports whether the actor has been stopped.
func (s *Session) Stopped() bool {
	return s.act.Stopped()
}

// release runs on the actor goroutine after its last operation.
func (s *Session) release() {
	if s.desktop != nil {
		s.disconnect("shutdown")
	}
	if n := s.hub.Len(); n > 0 {
		s.metrics.ViewersConnected.Add(-int64(n))
	}
	s.hub.CloseAll()
}
