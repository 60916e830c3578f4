package protocol

import (
	"encoding/json"
	"strings"
)

// ─────────────────────────────────────────────────────────────────────────────
// Relay → desktop
// ─────────────────────────────────────────────────────────────────────────────

// ControlType is the "type" tag of a desktop-bound message.
type ControlType string

const (
	ControlAnswer ControlType = "answer"
	ControlKey    ControlType = "key"
	ControlPing   ControlType = "ping"
)

// Control is a message the relay sends to a desktop.
type Control interface {
	ControlType() ControlType
	sealedControl()
}

// AnswerMessage is free text typed by a viewer.
type AnswerMessage struct {
	Text string `json:"text"`
}

// KeyMessage is a discrete key command from a viewer (e.g. "enter", "esc").
type KeyMessage struct {
	Key string `json:"key"`
}

// PingMessage keeps the desktop connection warm.
type PingMessage struct{}

func (AnswerMessage) ControlType() ControlType { return ControlAnswer }
func (KeyMessage) ControlType() ControlType    { return ControlKey }
func (PingMessage) ControlType() ControlType   { return ControlPing }

func (AnswerMessage) sealedControl() {}
func (KeyMessage) sealedControl()    {}
func (PingMessage) sealedControl()   {}

func (m AnswerMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type ControlType `json:"type"`
		Text string      `json:"text"`
	}{ControlAnswer, m.Text})
}

func (m KeyMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type ControlType `json:"type"`
		Key  string      `json:"key"`
	}{ControlKey, m.Key})
}

func (PingMessage) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"ping"}`), nil
}

// EncodeControl serializes a desktop-bound message.
func EncodeControl(c Control) ([]byte, error) {
	return json.Marshal(c)
}

// ─────────────────────────────────────────────────────────────────────────────
// Platforms
// ─────────────────────────────────────────────────────────────────────────────

// Platform is the assistant backend a desktop drives.
type Platform string

const (
	PlatformClaude Platform = "claude"
	PlatformCodex  Platform = "codex"
)

// ParsePlatform normalizes the names desktops send for each backend.
func ParsePlatform(s string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "claude", "claude-code", "claude_code":
		return PlatformClaude, true
	case "codex", "codecs", "openai":
		return PlatformCodex, true
	}
	return "", false
}
