package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/joss/crabrelay/internal/alerts"
	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/relay"
)

// Renderer handles output formatting. Pretty output uses color and box
// rules; plain output is one key=value record per line for scripts.
type Renderer struct {
	pretty bool
	now    func() time.Time
}

// New creates a new renderer.
func New(pretty bool) *Renderer {
	return &Renderer{pretty: pretty, now: time.Now}
}

func (r *Renderer) stateColor(s protocol.LifecycleState) string {
	text := StateIcon(s) + " " + string(s)
	if !r.pretty {
		return string(s)
	}
	switch s {
	case protocol.StateThinking:
		return color.YellowString(text)
	case protocol.StatePermission, protocol.StateQuestion:
		return color.MagentaString(text)
	case protocol.StateComplete:
		return color.GreenString(text)
	default:
		return color.CyanString(text)
	}
}

// Sessions formats the live session list.
func (r *Renderer) Sessions(sessions []protocol.SessionSummary) string {
	if len(sessions) == 0 {
		return "No connected sessions\n"
	}

	var sb strings.Builder
	if r.pretty {
		sb.WriteString(color.CyanString("Connected Sessions\n"))
		sb.WriteString(strings.Repeat("─", 72) + "\n")
	}
	for _, s := range sessions {
		started := time.UnixMilli(s.StartedAt)
		if r.pretty {
			fmt.Fprintf(&sb, "%-26s %-22s %-7s %s  %s\n",
				s.ID,
				r.stateColor(s.State),
				s.Platform,
				color.HiBlackString(FormatAge(r.now().Sub(started))),
				Truncate(s.Cwd, 40),
			)
		} else {
			fmt.Fprintf(&sb, "id=%s state=%s platform=%s started_at=%d cwd=%s\n",
				s.ID, s.State, s.Platform, s.StartedAt, s.Cwd)
		}
	}
	return sb.String()
}

// History formats directory records.
func (r *Renderer) History(sessions []*directory.Session) string {
	if len(sessions) == 0 {
		return "No sessions recorded\n"
	}

	var sb strings.Builder
	if r.pretty {
		sb.WriteString(color.CyanString("Session History\n"))
		sb.WriteString(strings.Repeat("─", 72) + "\n")
	}
	for _, s := range sessions {
		started := time.UnixMilli(s.StartedAt)
		if !r.pretty {
			fmt.Fprintf(&sb, "id=%s active=%v state=%s prompts=%d started_at=%d cwd=%s\n",
				s.ID, s.Active, s.State, s.Stats.Prompts, s.StartedAt, s.Cwd)
			continue
		}
		active := color.HiBlackString("ended")
		if s.Active {
			active = color.GreenString("active")
		}
		fmt.Fprintf(&sb, "%-26s %-16s %s  %s\n", s.ID, active, started.Format("Jan 02 15:04"), Truncate(s.Cwd, 40))
		fmt.Fprintf(&sb, "    └─ %d prompts, %d tool calls, %s thinking\n",
			s.Stats.Prompts, s.Stats.ToolCalls, FormatDuration(time.Duration(s.Stats.ThinkingSeconds)*time.Second))
	}
	return sb.String()
}

// Diagnostics formats a session's cached state.
func (r *Renderer) Diagnostics(id string, d relay.Diagnostics) string {
	title := "-"
	if d.Title != nil {
		title = *d.Title
	}

	var sb strings.Builder
	if !r.pretty {
		fmt.Fprintf(&sb, "id=%s state=%s desktop=%v viewers=%d scrollback=%d screen=%v sequence=%d title=%q\n",
			id, d.State, d.DesktopConnected, d.SSEClients, d.ScrollbackLines, d.HasScreen, d.EventSequence, title)
		return sb.String()
	}

	desktop := color.RedString("offline")
	if d.DesktopConnected {
		desktop = color.GreenString("connected")
	}
	sb.WriteString(color.CyanString("Session %s\n", id))
	sb.WriteString(strings.Repeat("─", 40) + "\n")
	fmt.Fprintf(&sb, "  Desktop:    %s\n", desktop)
	fmt.Fprintf(&sb, "  State:      %s\n", r.stateColor(d.State))
	fmt.Fprintf(&sb, "  Title:      %s\n", title)
	fmt.Fprintf(&sb, "  Viewers:    %d\n", d.SSEClients)
	fmt.Fprintf(&sb, "  Scrollback: %d lines\n", d.ScrollbackLines)
	fmt.Fprintf(&sb, "  Screen:     %s\n", BoolIcon(d.HasScreen))
	fmt.Fprintf(&sb, "  Events:     %d\n", d.EventSequence)
	return sb.String()
}

// Event formats one streamed session event as a single line.
func (r *Renderer) Event(ev protocol.Event) string {
	ts := color.HiBlackString(r.now().Format("15:04:05"))
	if !r.pretty {
		ts = r.now().Format("15:04:05")
	}

	var body string
	switch e := ev.(type) {
	case protocol.DesktopStatusEvent:
		body = "desktop disconnected"
		if e.Connected {
			body = "desktop connected"
		}
		if r.pretty {
			body = color.BlueString(body)
		}
	case protocol.StateEvent:
		body = "state " + r.stateColor(e.State)
	case protocol.TitleEvent:
		body = "title " + e.Title
	case protocol.ScrollbackEvent:
		body = fmt.Sprintf("scrollback +%d bytes (%d lines)", len(e.Diff), e.TotalLines)
	case protocol.ScreenEvent:
		body = fmt.Sprintf("screen %d bytes", len(e.Content))
	case protocol.GitEvent:
		body = fmt.Sprintf("git %s, %d changed files", e.Branch, len(e.Files))
	case protocol.ChangesEvent:
		n := 0
		for _, lang := range e.ByLanguage {
			n += len(lang.Changes)
		}
		body = fmt.Sprintf("changes %d symbols in %d languages", n, len(e.ByLanguage))
	case protocol.StatsEvent:
		body = fmt.Sprintf("stats %d prompts, %d completions, %d tools", e.Prompts, e.Completions, e.Tools)
	default:
		body = string(ev.Kind())
	}
	return fmt.Sprintf("%s %s\n", ts, body)
}

// Alerts formats active alerts.
func (r *Renderer) Alerts(active []alerts.Alert) string {
	if len(active) == 0 {
		return "No active alerts\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d active alert(s):\n\n", len(active))
	for _, a := range active {
		icon := LevelIcon(a.Level)
		if r.pretty && (a.Level == alerts.LevelError || a.Level == alerts.LevelCritical) {
			icon = color.RedString(icon)
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", icon, a.Component, a.Title)
		fmt.Fprintf(&sb, "    %s\n", a.Message)
		fmt.Fprintf(&sb, "    ID: %s  %s\n\n", a.ID, a.Timestamp.Format(time.RFC3339))
	}
	return sb.String()
}

// FormatAge formats an elapsed time coarsely ("45s", "12m", "3h", "2d").
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
