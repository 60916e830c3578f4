package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/joss/crabrelay/internal/protocol"
)

// Internal list routes let a co-located process drive the list actor
// directly, without a desktop connection.

func (s *Server) handleInternalConnect(w http.ResponseWriter, r *http.Request) {
	var sum protocol.SessionSummary
	if !decodeBody(w, r, &sum) {
		return
	}
	if sum.ID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "id is required")
		return
	}
	if err := s.relay.List.Connect(r.Context(), sum); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleInternalDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "id is required")
		return
	}
	if err := s.relay.List.Disconnect(r.Context(), req.ID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleInternalNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    protocol.ListType `json:"type"`
		Session json.RawMessage   `json:"session"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var session any
	if len(req.Session) > 0 {
		session = req.Session
	}
	if err := s.relay.List.Notify(r.Context(), req.Type, session); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleInternalSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.relay.List.List(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	subscribers, err := s.relay.List.Subscribers(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":    sessions,
		"subscribers": subscribers,
	})
}
