// Package render formats relay data for the CLI, keeping presentation out of
// the commands that fetch it.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joss/crabrelay/internal/alerts"
	"github.com/joss/crabrelay/internal/protocol"
)

// Writer wraps an io.Writer with formatting utilities.
type Writer struct {
	out io.Writer
}

// NewWriter creates a Writer that writes to the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

// Stdout returns a Writer that writes to os.Stdout.
func Stdout() *Writer {
	return NewWriter(os.Stdout)
}

// Println writes formatted text with newline.
func (w *Writer) Println(format string, args ...any) {
	fmt.Fprintf(w.out, format+"\n", args...)
}

// Header writes a header line.
func (w *Writer) Header(title string, args ...any) {
	if len(args) > 0 {
		title = fmt.Sprintf(title, args...)
	}
	fmt.Fprintln(w.out, strings.ToUpper(title))
	fmt.Fprintln(w.out)
}

// Item writes an indented item line.
func (w *Writer) Item(format string, args ...any) {
	fmt.Fprintf(w.out, "  "+format+"\n", args...)
}

// Nested writes a nested item with tree connector.
func (w *Writer) Nested(format string, args ...any) {
	fmt.Fprintf(w.out, "    └─ "+format+"\n", args...)
}

// Empty writes an empty state message.
func (w *Writer) Empty(msg string) {
	fmt.Fprintln(w.out, msg)
}

// StateIcon returns the icon for a lifecycle state.
func StateIcon(s protocol.LifecycleState) string {
	switch s {
	case protocol.StateReady:
		return "○"
	case protocol.StateThinking:
		return "◐"
	case protocol.StatePermission, protocol.StateQuestion:
		return "?"
	case protocol.StateComplete:
		return "✓"
	default:
		return "•"
	}
}

// LevelIcon returns the icon for an alert level.
func LevelIcon(level alerts.Level) string {
	switch level {
	case alerts.LevelWarning:
		return "!"
	case alerts.LevelError:
		return "✗"
	case alerts.LevelCritical:
		return "‼"
	default:
		return "i"
	}
}

// BoolIcon returns icon for boolean.
func BoolIcon(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}

// Truncate shortens a string to max runes.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
