// Package logging provides structured JSON logging for relay components.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Event represents a structured log event
type Event struct {
	Timestamp string                 `json:"ts"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Event     string                 `json:"event"`
	Session   string                 `json:"session,omitempty"`
	Device    string                 `json:"device,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

var (
	outMu    sync.Mutex
	out      io.Writer = os.Stderr
	minLevel           = LevelInfo
)

func init() {
	if lvl := Level(os.Getenv("CRABRELAY_LOG_LEVEL")); lvl != "" {
		if _, ok := levelRank[lvl]; ok {
			minLevel = lvl
		}
	}
}

// SetOutput redirects all loggers to w and returns a func restoring the
// previous writer.
func SetOutput(w io.Writer) (restore func()) {
	outMu.Lock()
	prev := out
	out = w
	outMu.Unlock()
	return func() {
		outMu.Lock()
		out = prev
		outMu.Unlock()
	}
}

// SetLevel sets the minimum level that is written.
func SetLevel(level Level) {
	if _, ok := levelRank[level]; !ok {
		return
	}
	outMu.Lock()
	minLevel = level
	outMu.Unlock()
}

// Logger provides structured logging
type Logger struct {
	component string
	session   string
	device    string
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{component: component}
}

// WithSession sets the session context
func (l *Logger) WithSession(session string) *Logger {
	return &Logger{
		component: l.component,
		session:   session,
		device:    l.device,
	}
}

// WithDevice sets the device context
func (l *Logger) WithDevice(device string) *Logger {
	return &Logger{
		component: l.component,
		session:   l.session,
		device:    device,
	}
}

func (l *Logger) event(level Level, event string, extra map[string]interface{}, err error) Event {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Component: l.component,
		Event:     event,
		Session:   l.session,
		Device:    l.device,
		Extra:     extra,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// emit writes a single JSON line if the level passes the filter.
func emit(e Event) {
	outMu.Lock()
	defer outMu.Unlock()

	if levelRank[e.Level] < levelRank[minLevel] {
		return
	}
	data, _ := json.Marshal(e)
	fmt.Fprintln(out, string(data))
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]interface{}) {
	emit(l.event(LevelDebug, event, extra, nil))
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]interface{}) {
	emit(l.event(LevelInfo, event, extra, nil))
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]interface{}, err error) {
	emit(l.event(LevelWarn, event, extra, err))
}

// Error logs an error event
func (l *Logger) Error(event string, extra map[string]interface{}, err error) {
	emit(l.event(LevelError, event, extra, err))
}

// TimedEvent logs an event with duration
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]interface{}) {
	e := l.event(LevelInfo, event, extra, nil)
	e.Duration = time.Since(start).Milliseconds()
	emit(e)
}

// RequestEvent logs a completed HTTP request
func RequestEvent(requestID, method, path string, status int, duration time.Duration) {
	level := LevelInfo
	if status >= 500 {
		level = LevelError
	} else if status >= 400 {
		level = LevelWarn
	}

	emit(Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Component: "gateway",
		Event:     "request",
		RequestID: requestID,
		Duration:  duration.Milliseconds(),
		Extra: map[string]interface{}{
			"method": method,
			"path":   path,
			"status": status,
		},
	})
}
