// Package gateway is the HTTP, WebSocket and SSE surface of the relay. It
// authenticates callers, checks ownership against the directory, and hands
// each request to the right actor.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/metrics"
	"github.com/joss/crabrelay/internal/relay"
	"github.com/joss/crabrelay/internal/store"
)

// Error codes returned in {"error", "code"} bodies.
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeDesktopOffline = "DESKTOP_OFFLINE"
	CodeSendFailed     = "SEND_FAILED"
	CodeInternal       = "INTERNAL"
	CodeUnavailable    = "UNAVAILABLE"
)

// InternalTokenHeader carries the shared secret for /internal routes.
const InternalTokenHeader = "X-Internal-Token"

// Directory is the directory store surface the gateway uses.
type Directory interface {
	auth.Directory
	Ping(ctx context.Context) error
	RegisterDevice(ctx context.Context, d directory.Device) (*directory.Device, error)
	CreateSession(ctx context.Context, deviceID string, in directory.NewSession) (*directory.Session, bool, error)
	GetSession(ctx context.Context, id string) (*directory.Session, error)
	ListSessions(ctx context.Context, deviceID string, filter store.Filter) ([]*directory.Session, error)
	UpdateSession(ctx context.Context, id string, p directory.SessionPatch) (*directory.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ShareSession(ctx context.Context, id string) (string, error)
}

var _ Directory = (*directory.SQLite)(nil)

// Config wires a Server.
type Config struct {
	Addr           string
	PublicURL      string
	InternalToken  string
	AllowedOrigins []string
	ViewerBuffer   int
	SSEKeepalive   time.Duration
	PingInterval   time.Duration
	SignatureSkew  time.Duration

	Relay     *relay.Relay
	Directory Directory
	Metrics   *metrics.Metrics
}

// Server routes relay requests.
type Server struct {
	cfg      Config
	relay    *relay.Relay
	dir      Directory
	auth     *auth.Resolver
	metrics  *metrics.Metrics
	mux      *http.ServeMux
	origins  *originPolicy
	log      *logging.Logger
	recovery *logging.RecoveryHandler
	srv      *http.Server
}

// New builds a Server and its routes.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.SSEKeepalive <= 0 {
		cfg.SSEKeepalive = 15 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ViewerBuffer <= 0 {
		cfg.ViewerBuffer = cfg.Relay.ViewerBuffer()
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	s := &Server{
		cfg:      cfg,
		relay:    cfg.Relay,
		dir:      cfg.Directory,
		auth:     auth.NewResolver(cfg.Directory, cfg.SignatureSkew),
		metrics:  cfg.Metrics,
		mux:      http.NewServeMux(),
		origins:  newOriginPolicy(cfg.AllowedOrigins),
		log:      logging.New("gateway"),
		recovery: logging.NewRecoveryHandler("gateway"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	s.mux.HandleFunc("POST /api/devices", s.handleRegisterDevice)

	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/stream", s.handleListStream)
	s.mux.HandleFunc("PATCH /api/sessions/{id}", s.handleUpdateSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/share", s.handleShareSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/connect", s.handleConnect)
	s.mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleSessionStream)
	s.mux.HandleFunc("POST /api/sessions/{id}/answer", s.handleAnswer)
	s.mux.HandleFunc("POST /api/sessions/{id}/key", s.handleKey)
	s.mux.HandleFunc("GET /api/sessions/{id}/state", s.handleState)

	s.mux.Handle("POST /internal/list/connect", s.internalOnly(s.handleInternalConnect))
	s.mux.Handle("POST /internal/list/disconnect", s.internalOnly(s.handleInternalDisconnect))
	s.mux.Handle("POST /internal/list/notify", s.internalOnly(s.handleInternalNotify))
	s.mux.Handle("GET /internal/list/sessions", s.internalOnly(s.handleInternalSessions))
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.withRecovery(s.withCORS(s.mux)))
}

// Serve listens on cfg.Addr until Shutdown is called.
func (s *Server) Serve() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: streams and sockets are long-lived
	}
	s.log.Info("listening", map[string]interface{}{
		"addr":    s.cfg.Addr,
		"origins": s.origins.String(),
	})
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for handlers up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "directory unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.relay.Sessions.Len(),
	})
}

// Response helpers

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// maxBody bounds request bodies; desktop payloads are small.
const maxBody = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "malformed JSON body")
		return false
	}
	return true
}

// writeStoreError maps directory and actor errors to responses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, directory.ErrInvalid):
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, directory.ErrConflict):
		writeError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, relay.ErrInvalidListType):
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	default:
		s.log.Error("request_failed", map[string]interface{}{
			"path":       r.URL.Path,
			"request_id": logging.GetRequestID(r.Context()),
		}, err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
