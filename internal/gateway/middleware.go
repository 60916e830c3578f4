package gateway

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/logging"
)

var corsHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	auth.HeaderDeviceID,
	auth.HeaderTimestamp,
	auth.HeaderSignature,
	auth.HeaderShareToken,
	logging.RequestIDHeader,
}, ", ")

// statusRecorder captures the response status for the access log. It keeps
// the Flusher and Hijacker of the underlying writer reachable so SSE and
// websocket upgrades work through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withRequestID tags the request with an ID, echoes it, and logs the
// request on completion.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := logging.RequestIDFromHeader(r.Header.Get(logging.RequestIDHeader))
		w.Header().Set(logging.RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(logging.WithRequestID(r.Context(), id)))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		logging.RequestEvent(id, r.Method, r.URL.Path, status, time.Since(start))
	})
}

// withRecovery turns a handler panic into a 500 and a critical alert.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := w.(*statusRecorder)
		err := s.recovery.WrapError(func() error {
			next.ServeHTTP(w, r)
			return nil
		})
		if err != nil && (!ok || rec.status == 0) {
			writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		}
	})
}

// withCORS answers preflights and sets CORS headers for allowed origins.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.origins.allowsCORS(origin) {
			h := w.Header()
			if s.origins.open() {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Expose-Headers", logging.RequestIDHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// internalOnly guards the /internal routes with the shared token when one
// is configured.
func (s *Server) internalOnly(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalToken != "" {
			got := r.Header.Get(InternalTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.InternalToken)) != 1 {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid internal token")
				return
			}
		}
		fn(w, r)
	})
}

// authenticate resolves the caller or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Context, bool) {
	c, err := s.auth.Resolve(r)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
		} else {
			s.writeStoreError(w, r, err)
		}
		return nil, false
	}
	return c, true
}

// originPolicy matches Origin headers against glob patterns such as
// "https://*.example.com". An empty pattern list allows any origin for
// CORS and only the request's own host for websocket upgrades.
type originPolicy struct {
	patterns []string
}

func newOriginPolicy(patterns []string) *originPolicy {
	var valid []string
	for _, p := range patterns {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			logging.New("gateway").Warn("origin_pattern_invalid", map[string]interface{}{"pattern": p}, nil)
			continue
		}
		valid = append(valid, p)
	}
	return &originPolicy{patterns: valid}
}

func (p *originPolicy) open() bool {
	return len(p.patterns) == 0
}

func (p *originPolicy) match(origin string) bool {
	origin = strings.TrimRight(origin, "/")
	for _, pattern := range p.patterns {
		if ok, _ := doublestar.Match(pattern, origin); ok {
			return true
		}
	}
	return false
}

func (p *originPolicy) allowsCORS(origin string) bool {
	return p.open() || p.match(origin)
}

// checkUpgrade is the websocket CheckOrigin. Desktops send no Origin.
func (p *originPolicy) checkUpgrade(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if p.open() {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	return p.match(origin)
}

func (p *originPolicy) String() string {
	if p.open() {
		return "*"
	}
	return fmt.Sprint(p.patterns)
}
