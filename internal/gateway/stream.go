package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/broadcast"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/relay"
)

// handleSessionStream subscribes the caller to one session's events. The
// catch-up sequence is queued before the response starts, so an actor error
// can still be reported as a status code.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := s.ownedSession(w, r, canView)
	if !ok {
		return
	}

	stream := broadcast.NewSSEStream(s.cfg.ViewerBuffer)
	err := s.relay.Session(r.Context(), rec.ID, func(sess *relay.Session) error {
		return sess.Subscribe(r.Context(), stream)
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	broadcast.PrepareSSE(w)
	w.WriteHeader(http.StatusOK)
	if err := stream.Pump(r.Context(), w, s.cfg.SSEKeepalive); err != nil {
		s.log.WithSession(rec.ID).Debug("viewer_stream_ended", map[string]interface{}{"error": err.Error()})
	}
}

// handleListStream subscribes the caller to session-list deltas for its
// own device.
func (s *Server) handleListStream(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if caller.Kind == auth.KindShare {
		writeError(w, http.StatusForbidden, CodeForbidden, "share links cannot list sessions")
		return
	}
	owned, err := s.ownedSessionIDs(r, caller.DeviceID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	f := &deviceFilter{dir: s.dir, deviceID: caller.DeviceID, ctx: r.Context(), owned: owned}
	stream := broadcast.NewSSEStream(s.cfg.ViewerBuffer)
	stream.SetFilter(f.keep)
	if err := s.relay.List.Subscribe(r.Context(), stream); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	broadcast.PrepareSSE(w)
	w.WriteHeader(http.StatusOK)
	if err := stream.Pump(r.Context(), w, s.cfg.SSEKeepalive); err != nil {
		s.log.WithDevice(caller.DeviceID).Debug("list_stream_ended", map[string]interface{}{"error": err.Error()})
	}
}

// deviceFilter passes list deltas about sessions owned by one device.
// Ownership is looked up once per session id and remembered, so a
// "deleted" delta still matches after the directory row is gone.
type deviceFilter struct {
	dir      Directory
	deviceID string
	ctx      context.Context

	mu    sync.Mutex
	owned map[string]bool
}

func (f *deviceFilter) keep(msg []byte) bool {
	var head struct {
		Type    protocol.ListType `json:"type"`
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return false
	}
	if head.Type == protocol.ListConnected {
		return true
	}
	if head.Session.ID == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if owned, seen := f.owned[head.Session.ID]; seen {
		return owned
	}
	rec, err := f.dir.GetSession(f.ctx, head.Session.ID)
	if err != nil {
		return false
	}
	owned := rec.DeviceID == f.deviceID
	f.owned[head.Session.ID] = owned
	return owned
}
