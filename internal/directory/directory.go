// Package directory stores devices, mobile links and session metadata. It
// is the source of truth for whether a session exists and who owns it; it
// does not know whether a desktop is currently connected.
package directory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/store"
)

var (
	// ErrNotFound is returned for unknown devices, sessions and tokens.
	ErrNotFound = store.ErrNotFound

	// ErrConflict is returned when a record exists with different content.
	ErrConflict = errors.New("conflict")

	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("invalid input")
)

// Device is a registered desktop installation.
type Device struct {
	ID         string    `json:"id"`
	SecretHash string    `json:"-"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MobileLink pairs a bearer token with the device it may act for. Only the
// token's hash is stored.
type MobileLink struct {
	TokenHash string    `json:"-"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats are the counters a desktop reports for a session.
type Stats struct {
	Prompts         int64 `json:"prompts"`
	Completions     int64 `json:"completions"`
	ToolCalls       int64 `json:"tool_calls"`
	ThinkingSeconds int64 `json:"thinking_seconds"`
}

// Session is the directory record of a session.
type Session struct {
	ID              string                  `json:"id"`
	DeviceID        string                  `json:"device_id"`
	ClientSessionID string                  `json:"client_session_id"`
	Cwd             string                  `json:"cwd"`
	Platform        protocol.Platform       `json:"platform"`
	State           protocol.LifecycleState `json:"state"`
	Active          bool                    `json:"is_active"`
	StartedAt       int64                   `json:"started_at"`         // unix ms
	EndedAt         *int64                  `json:"ended_at,omitempty"` // unix ms
	Stats           Stats                   `json:"stats"`
	ShareToken      *string                 `json:"-"`
}

// Summary is the session-list view of s.
func (s *Session) Summary() protocol.SessionSummary {
	return protocol.SessionSummary{
		ID:        s.ID,
		Cwd:       s.Cwd,
		Platform:  s.Platform,
		State:     s.State,
		StartedAt: s.StartedAt,
	}
}

// NewSession is the body a desktop posts to create a session.
type NewSession struct {
	ClientSessionID string `json:"client_session_id"`
	Cwd             string `json:"cwd"`
	Platform        string `json:"platform"`
}

// SessionPatch is a partial update. EndedAt is unix seconds, as desktops
// send it; setting it marks the session inactive.
type SessionPatch struct {
	EndedAt *int64                   `json:"ended_at,omitempty"`
	State   *protocol.LifecycleState `json:"state,omitempty"`
	Stats   *Stats                   `json:"stats,omitempty"`
}

// Validate checks field values.
func (p SessionPatch) Validate() error {
	if p.State != nil && !p.State.Valid() {
		return errInvalid("state %q", *p.State)
	}
	if p.EndedAt != nil && *p.EndedAt < 0 {
		return errInvalid("ended_at %d", *p.EndedAt)
	}
	if p.Stats != nil {
		st := p.Stats
		if st.Prompts < 0 || st.Completions < 0 || st.ToolCalls < 0 || st.ThinkingSeconds < 0 {
			return errInvalid("negative stats")
		}
	}
	return nil
}

// ValidDeviceID reports whether id is a UUID as desktops generate them.
func ValidDeviceID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

func validSecretHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
