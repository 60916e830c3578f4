package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joss/crabrelay/internal/actor"
	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/relay"
)

const (
	writeWait = 10 * time.Second

	// maxFrame bounds one desktop frame; screen snapshots are the largest.
	maxFrame = 4 << 20
)

// wsDesktop adapts a websocket to relay.Desktop. Writes are serialized
// because the actor and the ping loop both send.
type wsDesktop struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSDesktop(conn *websocket.Conn) *wsDesktop {
	return &wsDesktop{conn: conn}
}

func (d *wsDesktop) Send(ctx context.Context, msg []byte) error {
	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn.SetWriteDeadline(deadline)
	return d.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a close frame and closes the socket. Safe to call more than
// once and concurrently with the read loop.
func (d *wsDesktop) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		d.mu.Unlock()
		err = d.conn.Close()
	})
	return err
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.origins.checkUpgrade,
	}
}

// connectMeta reads the desktop's metadata from the query string, falling
// back to the directory record.
func connectMeta(r *http.Request, rec *directory.Session) relay.ConnectMeta {
	q := r.URL.Query()
	meta := relay.ConnectMeta{
		Cwd:       rec.Cwd,
		Platform:  rec.Platform,
		StartedAt: rec.StartedAt,
	}
	if cwd := q.Get("cwd"); cwd != "" {
		meta.Cwd = cwd
	}
	if p, ok := protocol.ParsePlatform(q.Get("platform")); ok {
		meta.Platform = p
	}
	if v, err := strconv.ParseInt(q.Get("started_at"), 10, 64); err == nil && v > 0 {
		meta.StartedAt = v
	}
	return meta
}

// handleConnect upgrades the owning desktop's request and binds the socket
// to the session actor until either side closes.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if caller.Kind != auth.KindDevice {
		writeError(w, http.StatusForbidden, CodeForbidden, "only the owning desktop may connect")
		return
	}
	rec, err := s.dir.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if rec.DeviceID != caller.DeviceID {
		writeError(w, http.StatusForbidden, CodeForbidden, "session belongs to another device")
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.WithSession(id).Warn("upgrade_failed", nil, err)
		return
	}
	conn.SetReadLimit(maxFrame)
	desktop := newWSDesktop(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var sess *relay.Session
	var connID relay.ConnID
	err = s.relay.Session(ctx, id, func(ss *relay.Session) error {
		sess = ss
		var err error
		connID, err = ss.AttachDesktop(ctx, desktop, connectMeta(r, rec))
		return err
	})
	if err != nil {
		s.log.WithSession(id).Error("attach_failed", nil, err)
		desktop.Close()
		return
	}

	log := s.log.WithSession(id).WithDevice(caller.DeviceID)
	logging.SafeGo("gateway", func() { s.pingLoop(ctx, sess, connID) })

	s.readLoop(ctx, log, sess, connID, conn)

	cancel()
	if err := sess.DetachDesktop(context.Background(), connID); err != nil && !errors.Is(err, actor.ErrStopped) {
		log.Warn("detach_failed", nil, err)
	}
	desktop.Close()
}

func (s *Server) readLoop(ctx context.Context, log *logging.Logger, sess *relay.Session, connID relay.ConnID, conn *websocket.Conn) {
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("desktop_read_ended", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		err = sess.HandleEvent(ctx, connID, raw)
		switch {
		case err == nil:
		case errors.Is(err, relay.ErrStaleConnection), errors.Is(err, actor.ErrStopped):
			return
		case errors.Is(err, protocol.ErrMalformedEvent),
			errors.Is(err, protocol.ErrUnknownEvent),
			errors.Is(err, protocol.ErrReservedEvent):
			// logged by the actor; the connection stays up
		default:
			log.Warn("event_failed", nil, err)
		}
	}
}

// pingLoop sends application pings until the connection is replaced or
// closed.
func (s *Server) pingLoop(ctx context.Context, sess *relay.Session, connID relay.ConnID) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.Ping(ctx, connID); err != nil {
				return
			}
		}
	}
}
