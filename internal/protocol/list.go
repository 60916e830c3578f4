package protocol

// ─────────────────────────────────────────────────────────────────────────────
// Relay → list subscriber
// ─────────────────────────────────────────────────────────────────────────────

// ListType is the "type" tag of a session-list delta.
type ListType string

const (
	ListConnected ListType = "connected"
	ListCreated   ListType = "created"
	ListUpdated   ListType = "updated"
	ListDeleted   ListType = "deleted"
)

// Valid reports whether t may be relayed through the generic notify route.
// "connected" is produced only by the list itself.
func (t ListType) Valid() bool {
	switch t {
	case ListCreated, ListUpdated, ListDeleted:
		return true
	}
	return false
}

// SessionSummary is one entry of the live-session map.
type SessionSummary struct {
	ID        string         `json:"id"`
	Cwd       string         `json:"cwd,omitempty"`
	Platform  Platform       `json:"platform,omitempty"`
	State     LifecycleState `json:"state,omitempty"`
	StartedAt int64          `json:"started_at,omitempty"` // unix ms
}

// ListMessage is a delta pushed to dashboard subscribers. Session is a
// SessionSummary for deltas the list produces and arbitrary JSON for
// relayed notifications.
type ListMessage struct {
	Type    ListType `json:"type"`
	Session any      `json:"session,omitempty"`
	Clients int      `json:"clients,omitempty"`
}
