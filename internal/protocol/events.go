// Package protocol defines the JSON messages exchanged between a desktop,
// the relay, and viewers.
//
// Desktop → relay: one tagged event per websocket text frame.
//
//	{"type":"state","state":"thinking","timestamp":1700000000000}
//
// Relay → desktop: control messages (answer, key, ping).
// Relay → viewer: every desktop event kind plus desktop_status.
// Relay → list subscriber: connected/created/updated/deleted deltas.
package protocol

import (
	"encoding/json"
	"time"
)

// Kind is the "type" tag of an event.
type Kind string

const (
	KindScrollback    Kind = "scrollback"
	KindState         Kind = "state"
	KindScreen        Kind = "screen"
	KindTitle         Kind = "title"
	KindGit           Kind = "git"
	KindChanges       Kind = "changes"
	KindStats         Kind = "stats"
	KindDesktopStatus Kind = "desktop_status"
)

// Event is the closed set of session events. Only types in this package
// implement it; consumers switch on the concrete type.
type Event interface {
	Kind() Kind
	sealed()
}

// LifecycleState is the assistant's coarse state as reported by the desktop.
type LifecycleState string

const (
	StateReady      LifecycleState = "ready"
	StateThinking   LifecycleState = "thinking"
	StatePermission LifecycleState = "permission"
	StateQuestion   LifecycleState = "question"
	StateComplete   LifecycleState = "complete"
)

// Valid reports whether s is one of the known lifecycle states.
func (s LifecycleState) Valid() bool {
	switch s {
	case StateReady, StateThinking, StatePermission, StateQuestion, StateComplete:
		return true
	}
	return false
}

// NowMillis returns the current time as unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ─────────────────────────────────────────────────────────────────────────────
// Desktop events
// ─────────────────────────────────────────────────────────────────────────────

// ScrollbackEvent carries newly appended scrollback lines.
type ScrollbackEvent struct {
	Diff       string `json:"diff"`
	TotalLines int    `json:"total_lines"`
}

// StateEvent reports a lifecycle state change.
type StateEvent struct {
	State     LifecycleState `json:"state"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

// ScreenEvent is a full ANSI screen snapshot.
type ScreenEvent struct {
	Content string `json:"content"`
}

// TitleEvent is the terminal title.
type TitleEvent struct {
	Title string `json:"title"`
}

// GitFile is one entry of `git status`.
type GitFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// GitEvent reports the working tree status.
type GitEvent struct {
	Branch string    `json:"branch"`
	Files  []GitFile `json:"files"`
}

// CodeChange is a symbol-level change.
type CodeChange struct {
	Kind       string  `json:"kind"`
	Name       string  `json:"name"`
	ChangeType string  `json:"change_type"`
	Additions  int     `json:"additions"`
	Deletions  int     `json:"deletions"`
	FilePath   *string `json:"file_path,omitempty"`
	LineNumber *int    `json:"line_number,omitempty"`
}

// LanguageChanges groups code changes by language.
type LanguageChanges struct {
	Language string       `json:"language"`
	Changes  []CodeChange `json:"changes"`
}

// ChangesEvent reports code changes grouped by language.
type ChangesEvent struct {
	ByLanguage []LanguageChanges `json:"by_language"`
}

// StatsEvent carries session counters.
type StatsEvent struct {
	Prompts         int   `json:"prompts"`
	Completions     int   `json:"completions"`
	Tools           int   `json:"tools"`
	ThinkingSeconds int64 `json:"thinking_seconds"`
	WorkSeconds     int64 `json:"work_seconds"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Relay events
// ─────────────────────────────────────────────────────────────────────────────

// DesktopStatusEvent tells viewers whether the desktop is connected.
// Only the relay produces it.
type DesktopStatusEvent struct {
	Connected bool  `json:"connected"`
	Timestamp int64 `json:"timestamp"` // unix ms
}

// NewDesktopStatus returns a status event stamped with the current time.
func NewDesktopStatus(connected bool) DesktopStatusEvent {
	return DesktopStatusEvent{Connected: connected, Timestamp: NowMillis()}
}

func (ScrollbackEvent) Kind() Kind    { return KindScrollback }
func (StateEvent) Kind() Kind         { return KindState }
func (ScreenEvent) Kind() Kind        { return KindScreen }
func (TitleEvent) Kind() Kind         { return KindTitle }
func (GitEvent) Kind() Kind           { return KindGit }
func (ChangesEvent) Kind() Kind       { return KindChanges }
func (StatsEvent) Kind() Kind         { return KindStats }
func (DesktopStatusEvent) Kind() Kind { return KindDesktopStatus }

func (ScrollbackEvent) sealed()    {}
func (StateEvent) sealed()         {}
func (ScreenEvent) sealed()        {}
func (TitleEvent) sealed()         {}
func (GitEvent) sealed()           {}
func (ChangesEvent) sealed()       {}
func (StatsEvent) sealed()         {}
func (DesktopStatusEvent) sealed() {}

// MarshalJSON methods emit the "type" tag ahead of the event's own fields,
// so an event always encodes with the tag matching its Go type.

func (e ScrollbackEvent) MarshalJSON() ([]byte, error) {
	type plain ScrollbackEvent
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindScrollback, plain(e)})
}

func (e StateEvent) MarshalJSON() ([]byte, error) {
	type plain StateEvent
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindState, plain(e)})
}

func (e ScreenEvent) MarshalJSON() ([]byte, error) {
	type plain ScreenEvent
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindScreen, plain(e)})
}

func (e TitleEvent) MarshalJSON() ([]byte, error) {
	type plain TitleEvent
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindTitle, plain(e)})
}

func (e GitEvent) MarshalJSON() ([]byte, error) {
	type plain GitEvent
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindGit, plain(e)})
}

func (e ChangesEvent) MarshalJSON() ([]byte, error) {
	type plain ChangesEvent
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindChanges, plain(e)})
}

func (e StatsEvent) MarshalJSON() ([]byte, error) {
	type plain StatsEvent
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindStats, plain(e)})
}

func (e DesktopStatusEvent) MarshalJSON() ([]byte, error) {
	type plain DesktopStatusEvent
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindDesktopStatus, plain(e)})
}
