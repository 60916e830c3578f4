package logging

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/joss/crabrelay/internal/alerts"
)

// maxAlertStack bounds the stack copied into an alert file; the full stack
// still goes to the log.
const maxAlertStack = 4 << 10

// RecoveryHandler turns panics inside a component into a logged error and a
// critical alert. OnPanic, when set, runs after both.
type RecoveryHandler struct {
	Component string
	OnPanic   func(rec interface{}, stack string)
}

// NewRecoveryHandler creates a recovery handler for a component.
func NewRecoveryHandler(component string) *RecoveryHandler {
	return &RecoveryHandler{Component: component}
}

// Wrap runs fn and swallows a panic.
func (r *RecoveryHandler) Wrap(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.recovered(rec)
		}
	}()
	fn()
}

// WrapError runs fn and converts a panic into its returned error.
func (r *RecoveryHandler) WrapError(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = r.recovered(rec)
		}
	}()
	return fn()
}

func (r *RecoveryHandler) recovered(rec interface{}) error {
	stack := string(debug.Stack())
	err := fmt.Errorf("panic in %s: %v", r.Component, rec)
	now := time.Now().UTC()

	emit(Event{
		Timestamp: now.Format(time.RFC3339),
		Level:     LevelError,
		Component: r.Component,
		Event:     "panic_recovered",
		Error:     fmt.Sprint(rec),
		Extra:     map[string]interface{}{"stack": stack},
	})

	alertStack := stack
	if len(alertStack) > maxAlertStack {
		alertStack = alertStack[:maxAlertStack] + "\n[truncated]"
	}
	alerts.Critical(r.Component, "Panic Recovered", err.Error(), map[string]interface{}{
		"stack":     alertStack,
		"timestamp": now.Format(time.RFC3339),
	})

	if r.OnPanic != nil {
		r.OnPanic(rec, stack)
	}
	return err
}

// SafeGo runs fn in a goroutine that cannot crash the process.
func SafeGo(component string, fn func()) {
	go NewRecoveryHandler(component).Wrap(fn)
}
