package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/relay"
	"github.com/joss/crabrelay/internal/store"
)

// registerRequest is the body a desktop posts on first run.
type registerRequest struct {
	DeviceID   string `json:"device_id"`
	SecretHash string `json:"secret_hash"`
	Name       string `json:"name"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.dir.RegisterDevice(r.Context(), directory.Device{
		ID:         req.DeviceID,
		SecretHash: req.SecretHash,
		Name:       req.Name,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.log.WithDevice(d.ID).Info("device_registered", map[string]interface{}{"name": d.Name})
	writeJSON(w, http.StatusOK, d)
}

type createSessionResponse struct {
	ID    string `json:"id"`
	WSURL string `json:"ws_url"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if caller.Kind != auth.KindDevice {
		writeError(w, http.StatusForbidden, CodeForbidden, "only a desktop may create sessions")
		return
	}

	var req directory.NewSession
	if !decodeBody(w, r, &req) {
		return
	}
	sess, created, err := s.dir.CreateSession(r.Context(), caller.DeviceID, req)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.notifyList(r, protocol.ListCreated, sess.Summary())
		s.log.WithSession(sess.ID).WithDevice(caller.DeviceID).Info("session_created", map[string]interface{}{
			"platform": string(sess.Platform),
		})
	}
	writeJSON(w, status, createSessionResponse{ID: sess.ID, WSURL: s.wsURL(r, sess)})
}

// wsURL is where the desktop dials to attach to sess.
func (s *Server) wsURL(r *http.Request, sess *directory.Session) string {
	base := s.cfg.PublicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	q := url.Values{}
	q.Set("cwd", sess.Cwd)
	q.Set("platform", string(sess.Platform))
	q.Set("started_at", strconv.FormatInt(sess.StartedAt, 10))
	return base + "/api/sessions/" + url.PathEscape(sess.ID) + "/connect?" + q.Encode()
}

// ownedSessionIDs returns the ids of every directory session of deviceID.
func (s *Server) ownedSessionIDs(r *http.Request, deviceID string) (map[string]bool, error) {
	records, err := s.dir.ListSessions(r.Context(), deviceID, store.Filter{})
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(records))
	for _, rec := range records {
		ids[rec.ID] = true
	}
	return ids, nil
}

// handleListSessions returns the caller's sessions that have a connected
// desktop. With ?history=1 it returns the caller's directory records
// instead, paged by limit and offset.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if caller.Kind == auth.KindShare {
		writeError(w, http.StatusForbidden, CodeForbidden, "share links cannot list sessions")
		return
	}

	q := r.URL.Query()
	if q.Get("history") != "" {
		filter := store.DefaultFilter()
		if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
			filter = filter.WithLimit(n)
		}
		if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
			filter = filter.WithOffset(n)
		}
		records, err := s.dir.ListSessions(r.Context(), caller.DeviceID, filter)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		if records == nil {
			records = []*directory.Session{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
		return
	}

	owned, err := s.ownedSessionIDs(r, caller.DeviceID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	live, err := s.relay.List.List(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	sessions := make([]protocol.SessionSummary, 0, len(live))
	for _, sum := range live {
		if owned[sum.ID] {
			sessions = append(sessions, sum)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// ownedSession loads session id and checks the caller may act on it. It
// writes the error response and returns false otherwise.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, allowed func(c *auth.Context, id, owner string) bool) (*auth.Context, *directory.Session, bool) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return nil, nil, false
	}
	id := r.PathValue("id")
	rec, err := s.dir.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return nil, nil, false
	}
	if !allowed(caller, id, rec.DeviceID) {
		writeError(w, http.StatusForbidden, CodeForbidden, auth.ErrForbidden.Error())
		return nil, nil, false
	}
	return caller, rec, true
}

func canView(c *auth.Context, id, owner string) bool    { return c.CanView(id, owner) }
func canControl(c *auth.Context, id, owner string) bool { return c.CanControl(id, owner) }

func isOwnerDevice(c *auth.Context, id, owner string) bool {
	return c.Kind == auth.KindDevice && c.CanControl(id, owner)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := s.ownedSession(w, r, isOwnerDevice)
	if !ok {
		return
	}
	var patch directory.SessionPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	updated, err := s.dir.UpdateSession(r.Context(), rec.ID, patch)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.notifyList(r, protocol.ListUpdated, updated.Summary())
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := s.ownedSession(w, r, isOwnerDevice)
	if !ok {
		return
	}
	if err := s.dir.DeleteSession(r.Context(), rec.ID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.notifyList(r, protocol.ListDeleted, map[string]string{"id": rec.ID})
	writeOK(w)
}

func (s *Server) handleShareSession(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := s.ownedSession(w, r, canControl)
	if !ok {
		return
	}
	token, err := s.dir.ShareSession(r.Context(), rec.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	base := s.cfg.PublicURL
	if base == "" {
		base = "http://" + r.Host
	}
	link := base + "/api/sessions/" + url.PathEscape(rec.ID) + "/stream?" + auth.ShareQueryParam + "=" + url.QueryEscape(token)
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "url": link})
}

// notifyList relays a directory change to list subscribers. Failures are
// logged; the directory write already succeeded.
func (s *Server) notifyList(r *http.Request, typ protocol.ListType, session any) {
	if err := s.relay.List.Notify(r.Context(), typ, session); err != nil {
		s.log.Warn("list_notify_failed", map[string]interface{}{"type": string(typ)}, err)
	}
}

// Viewer input

type answerRequest struct {
	Text string `json:"text"`
}

type keyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := s.ownedSession(w, r, canControl)
	if !ok {
		return
	}
	var req answerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "text is required")
		return
	}
	s.sendInput(w, r, rec.ID, protocol.AnswerMessage{Text: req.Text})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := s.ownedSession(w, r, canControl)
	if !ok {
		return
	}
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "key is required")
		return
	}
	s.sendInput(w, r, rec.ID, protocol.KeyMessage{Key: req.Key})
}

func (s *Server) sendInput(w http.ResponseWriter, r *http.Request, id string, msg protocol.Control) {
	err := s.relay.Session(r.Context(), id, func(sess *relay.Session) error {
		return sess.SendInput(r.Context(), msg)
	})
	switch {
	case err == nil:
		writeOK(w)
	case errors.Is(err, relay.ErrDesktopOffline):
		writeError(w, http.StatusServiceUnavailable, CodeDesktopOffline, "desktop is not connected")
	case errors.Is(err, relay.ErrSendFailed):
		writeError(w, http.StatusInternalServerError, CodeSendFailed, err.Error())
	default:
		s.writeStoreError(w, r, err)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := s.ownedSession(w, r, canView)
	if !ok {
		return
	}
	var diag relay.Diagnostics
	err := s.relay.Session(r.Context(), rec.ID, func(sess *relay.Session) error {
		var err error
		diag, err = sess.Diagnostics(r.Context())
		return err
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}
