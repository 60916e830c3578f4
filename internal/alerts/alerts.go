// Package alerts records operator-facing alerts (recovered panics, actors that
// failed to activate) as JSON files under the relay's data directory.
//
// A failing session tends to fail the same way on every activation, so an
// unresolved alert with the same component, title and message is bumped
// instead of duplicated.
package alerts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joss/crabrelay/internal/config"
)

// Level is an alert severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Serious reports whether l needs an operator.
func (l Level) Serious() bool {
	return l == LevelError || l == LevelCritical
}

// Alert is one recorded condition. Count is how many times it fired while
// unresolved; Timestamp is the first occurrence and LastSeen the latest.
type Alert struct {
	ID        string                 `json:"id"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	LastSeen  time.Time              `json:"last_seen"`
	Count     int                    `json:"count"`
	Resolved  bool                   `json:"resolved"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (a *Alert) sameAs(level Level, component, title, message string) bool {
	return !a.Resolved && a.Level == level && a.Component == component && a.Title == title && a.Message == message
}

const (
	activeFile  = "active.json"
	alertPrefix = "alert-"
)

// Manager keeps recent alerts in memory and mirrors them to dir: one file
// per alert plus active.json with the unresolved ones.
type Manager struct {
	mu       sync.RWMutex
	dir      string
	alerts   []Alert
	keep     int
	maxFiles int
	now      func() time.Time
}

var (
	globalMu      sync.Mutex
	globalManager *Manager
)

// Global returns the process-wide manager, created on first use under
// $CRABRELAY_ALERT_DIR or the default alerts path.
func Global() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalManager == nil {
		dir := os.Getenv("CRABRELAY_ALERT_DIR")
		if dir == "" {
			dir = config.GetPaths().Alerts
		}
		globalManager = NewManager(dir)
	}
	return globalManager
}

// SetGlobal replaces the process-wide manager. nil resets it.
func SetGlobal(m *Manager) {
	globalMu.Lock()
	globalManager = m
	globalMu.Unlock()
}

// NewManager loads the alerts persisted in dir, creating it if needed.
func NewManager(dir string) *Manager {
	os.MkdirAll(dir, 0755)
	m := &Manager{
		dir:      dir,
		keep:     100,
		maxFiles: 100,
		now:      func() time.Time { return time.Now().UTC() },
	}
	m.load()
	m.prune()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(filepath.Join(m.dir, activeFile))
	if err != nil {
		return
	}
	var summary struct {
		Alerts []Alert `json:"alerts"`
	}
	if json.Unmarshal(data, &summary) == nil {
		m.alerts = summary.Alerts
	}
}

// Send records an alert, or bumps the matching unresolved one, and returns
// a copy of it.
func (m *Manager) Send(level Level, component, title, message string, ctx map[string]interface{}) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := &m.alerts[i]
		if !a.sameAs(level, component, title, message) {
			continue
		}
		a.Count++
		a.LastSeen = now
		if ctx != nil {
			a.Context = ctx
		}
		m.write(a)
		m.flush()
		out := *a
		return &out
	}

	a := Alert{
		ID:        alertPrefix + strings.ToLower(ulid.Make().String()),
		Level:     level,
		Component: component,
		Title:     title,
		Message:   message,
		Timestamp: now,
		LastSeen:  now,
		Count:     1,
		Context:   ctx,
	}
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.keep {
		m.alerts = m.alerts[len(m.alerts)-m.keep:]
	}
	m.write(&a)
	m.flush()
	if len(m.alerts)%10 == 0 {
		m.prune()
	}
	return &a
}

// Resolve marks alertID resolved and reports whether it was known.
func (m *Manager) Resolve(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID == alertID {
			m.alerts[i].Resolved = true
			m.write(&m.alerts[i])
			m.flush()
			return true
		}
	}
	return false
}

// GetActive returns the unresolved alerts, oldest first.
func (m *Manager) GetActive() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active()
}

func (m *Manager) active() []Alert {
	out := make([]Alert, 0)
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

// GetRecent returns the n most recent alerts, resolved or not.
func (m *Manager) GetRecent(n int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n > len(m.alerts) {
		n = len(m.alerts)
	}
	return append([]Alert(nil), m.alerts[len(m.alerts)-n:]...)
}

// Dir returns the directory alerts are written to.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) write(a *Alert) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(m.dir, a.ID+".json"), data, 0644)
}

// flush rewrites active.json.
func (m *Manager) flush() {
	active := m.active()
	summary := struct {
		Count     int       `json:"count"`
		Updated   time.Time `json:"updated"`
		HasErrors bool      `json:"has_errors"`
		Alerts    []Alert   `json:"alerts"`
	}{
		Count:   len(active),
		Updated: m.now(),
		Alerts:  active,
	}
	for _, a := range active {
		if a.Level.Serious() {
			summary.HasErrors = true
			break
		}
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(m.dir, activeFile), data, 0644)
}

// prune deletes the oldest alert files beyond maxFiles. Alert ids are ULIDs,
// so file names sort by creation time.
func (m *Manager) prune() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, alertPrefix) && filepath.Ext(name) == ".json" {
			names = append(names, name)
		}
	}
	if len(names) <= m.maxFiles {
		return
	}

	sort.Strings(names)
	for _, name := range names[:len(names)-m.maxFiles] {
		os.Remove(filepath.Join(m.dir, name))
	}
}

// Error sends an error-level alert through the global manager.
func Error(component, title, message string, ctx map[string]interface{}) *Alert {
	return Global().Send(LevelError, component, title, message, ctx)
}

// Critical sends a critical-level alert through the global manager.
func Critical(component, title, message string, ctx map[string]interface{}) *Alert {
	return Global().Send(LevelCritical, component, title, message, ctx)
}
