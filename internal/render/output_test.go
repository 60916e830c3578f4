package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/relay"
)

func TestPlainSessions(t *testing.T) {
	r := New(false)
	out := r.Sessions([]protocol.SessionSummary{
		{ID: "s1", Cwd: "/w", Platform: protocol.PlatformClaude, State: protocol.StateThinking, StartedAt: 5},
	})
	assert.Equal(t, "id=s1 state=thinking platform=claude started_at=5 cwd=/w\n", out)
	assert.Equal(t, "No connected sessions\n", r.Sessions(nil))
}

func TestPlainDiagnostics(t *testing.T) {
	title := "build"
	out := New(false).Diagnostics("s1", relay.Diagnostics{
		State:            protocol.StateReady,
		Title:            &title,
		DesktopConnected: true,
		SSEClients:       2,
		EventSequence:    9,
	})
	assert.Equal(t, "id=s1 state=ready desktop=true viewers=2 scrollback=0 screen=false sequence=9 title=\"build\"\n", out)
}

func TestPlainEvent(t *testing.T) {
	r := New(false)
	r.now = func() time.Time { return time.Date(2024, 1, 1, 9, 30, 0, 0, time.Local) }

	assert.Equal(t, "09:30:00 desktop connected\n", r.Event(protocol.DesktopStatusEvent{Connected: true}))
	assert.Equal(t, "09:30:00 state question\n", r.Event(protocol.StateEvent{State: protocol.StateQuestion}))
	assert.Equal(t, "09:30:00 scrollback +3 bytes (40 lines)\n", r.Event(protocol.ScrollbackEvent{Diff: "abc", TotalLines: 40}))
}

func TestTruncateAndAge(t *testing.T) {
	assert.Equal(t, "héllo", Truncate("héllo", 5))
	assert.Equal(t, "hé...", Truncate("héllo world", 5))
	assert.Equal(t, "45s", FormatAge(45*time.Second))
	assert.Equal(t, "3h", FormatAge(3*time.Hour))
	assert.Equal(t, "2d", FormatAge(49*time.Hour))
}
