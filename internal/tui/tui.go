// Package tui provides the live session dashboard (crabrelay top) using
// Bubble Tea.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/joss/crabrelay/internal/client"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/render"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(2)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	waitingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// Source is what the dashboard reads from.
type Source interface {
	Sessions(ctx context.Context) ([]protocol.SessionSummary, error)
	WatchList(ctx context.Context, fn func(client.ListDelta) error) error
}

// resyncInterval bounds how stale the view can get if a delta was missed.
const (
	resyncInterval = 30 * time.Second
	reconnectDelay = 5 * time.Second
)

// Message types
type snapshotMsg []protocol.SessionSummary
type deltaMsg client.ListDelta
type streamClosedMsg struct{ err error }
type reconnectMsg struct{}
type errMsg error
type tickMsg time.Time

// Model is the dashboard model.
type Model struct {
	src    Source
	ctx    context.Context
	deltas chan client.ListDelta

	sessions    map[string]protocol.SessionSummary
	order       []string
	selectedIdx int
	subscribers int
	streaming   bool
	lastUpdate  time.Time
	err         error
	quitting    bool

	spinner spinner.Model
	width   int
	now     func() time.Time
}

// New creates a dashboard model reading from src until ctx ends.
func New(ctx context.Context, src Source) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		src:      src,
		ctx:      ctx,
		deltas:   make(chan client.ListDelta, 64),
		sessions: make(map[string]protocol.SessionSummary),
		spinner:  s,
		now:      time.Now,
	}
}

// Init starts the snapshot fetch and the delta stream.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.fetchSnapshot,
		m.watch,
		m.waitForDelta,
		tickCmd(),
	)
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		case "down", "j":
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case "r":
			cmds = append(cmds, m.fetchSnapshot)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case snapshotMsg:
		m.sessions = make(map[string]protocol.SessionSummary, len(msg))
		for _, s := range msg {
			m.sessions[s.ID] = s
		}
		m.reorder()
		m.err = nil

	case deltaMsg:
		m.applyDelta(client.ListDelta(msg))
		cmds = append(cmds, m.waitForDelta)

	case streamClosedMsg:
		m.streaming = false
		if msg.err != nil {
			m.err = msg.err
		}
		if m.ctx.Err() == nil {
			cmds = append(cmds, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} }))
		}

	case reconnectMsg:
		cmds = append(cmds, m.watch, m.fetchSnapshot)

	case errMsg:
		m.err = msg

	case tickMsg:
		cmds = append(cmds, m.fetchSnapshot, tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) applyDelta(d client.ListDelta) {
	m.lastUpdate = m.now()
	switch d.Type {
	case protocol.ListConnected:
		m.streaming = true
		m.subscribers = d.Clients
		return
	case protocol.ListCreated:
		if d.Session.ID != "" {
			m.sessions[d.Session.ID] = d.Session
		}
	case protocol.ListUpdated:
		// relayed directory updates can name sessions with no desktop
		if cur, ok := m.sessions[d.Session.ID]; ok {
			if d.Session.State != "" {
				cur.State = d.Session.State
			}
			m.sessions[d.Session.ID] = cur
		}
	case protocol.ListDeleted:
		delete(m.sessions, d.Session.ID)
	}
	m.reorder()
}

func (m *Model) reorder() {
	m.order = m.order[:0]
	for id := range m.sessions {
		m.order = append(m.order, id)
	}
	sort.Slice(m.order, func(i, j int) bool {
		a, b := m.sessions[m.order[i]], m.sessions[m.order[j]]
		if a.StartedAt != b.StartedAt {
			return a.StartedAt < b.StartedAt
		}
		return a.ID < b.ID
	})
	if m.selectedIdx >= len(m.order) {
		m.selectedIdx = max(len(m.order)-1, 0)
	}
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("🦀 crabrelay top") + "\n\n")

	live := errorStyle.Render("○ stream down")
	if m.streaming {
		live = activeStyle.Render("● live")
	}
	status := fmt.Sprintf("%s │ Sessions: %d │ Watchers: %d", live, len(m.order), m.subscribers)
	if !m.lastUpdate.IsZero() {
		status += " │ Updated " + m.lastUpdate.Format("15:04:05")
	}
	b.WriteString(infoStyle.Render(status) + "\n\n")

	var rows strings.Builder
	if len(m.order) == 0 {
		rows.WriteString(fmt.Sprintf("%s waiting for desktops...", m.spinner.View()))
	}
	for i, id := range m.order {
		s := m.sessions[id]
		cursor := "  "
		if i == m.selectedIdx {
			cursor = "▶ "
		}
		style := infoStyle
		switch s.State {
		case protocol.StateThinking:
			style = activeStyle
		case protocol.StatePermission, protocol.StateQuestion:
			style = waitingStyle
		}
		age := render.FormatAge(m.now().Sub(time.UnixMilli(s.StartedAt)))
		line := fmt.Sprintf("%s%-26s %-12s %-6s %5s  %s",
			cursor, id, render.StateIcon(s.State)+" "+string(s.State), s.Platform, age, render.Truncate(s.Cwd, 36))
		rows.WriteString(style.Render(line))
		if i < len(m.order)-1 {
			rows.WriteString("\n")
		}
	}
	box := boxStyle
	if m.width > 4 {
		box = box.Width(m.width - 4)
	}
	b.WriteString(box.Render(rows.String()) + "\n")

	if m.err != nil {
		b.WriteString("\n  " + errorStyle.Render("error: "+m.err.Error()) + "\n")
	}
	b.WriteString(helpStyle.Render("  j/k: navigate │ r: refresh │ q: quit"))
	return b.String()
}

// Commands

func (m Model) fetchSnapshot() tea.Msg {
	sessions, err := m.src.Sessions(m.ctx)
	if err != nil {
		return errMsg(err)
	}
	return snapshotMsg(sessions)
}

// watch runs the list stream, forwarding deltas to the channel
// waitForDelta reads from.
func (m Model) watch() tea.Msg {
	err := m.src.WatchList(m.ctx, func(d client.ListDelta) error {
		select {
		case m.deltas <- d:
			return nil
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
	})
	if m.ctx.Err() != nil {
		err = nil
	}
	return streamClosedMsg{err: err}
}

func (m Model) waitForDelta() tea.Msg {
	select {
	case d := <-m.deltas:
		return deltaMsg(d)
	case <-m.ctx.Done():
		return nil
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(resyncInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Run starts the dashboard against src.
func Run(ctx context.Context, src Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(ctx, src), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
