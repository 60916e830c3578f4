// Package broadcast implements the write-or-evict fan-out shared by the
// session and session-list actors.
package broadcast

import (
	"errors"
	"sync"
)

var (
	// ErrStreamClosed is returned by Send after the stream was closed.
	ErrStreamClosed = errors.New("stream closed")

	// ErrStreamFull is returned by Send when the viewer has fallen behind.
	ErrStreamFull = errors.New("stream buffer full")
)

// Stream is one open output channel to a viewer. Send must not block.
type Stream interface {
	Send(msg []byte) error
	Close()
	Closed() bool
}

// Hub is a set of viewer streams. It is owned by exactly one actor and is
// not safe for concurrent use; only Broadcast fans out internally.
type Hub struct {
	streams []Stream
}

// Result reports the outcome of one broadcast pass.
type Result struct {
	Delivered int
	Evicted   int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Add registers a stream.
func (h *Hub) Add(s Stream) {
	h.streams = append(h.streams, s)
}

// Len returns the number of registered streams.
func (h *Hub) Len() int {
	return len(h.streams)
}

// Prune drops streams that already report closed and returns how many.
func (h *Hub) Prune() int {
	kept := h.streams[:0]
	for _, s := range h.streams {
		if !s.Closed() {
			kept = append(kept, s)
		}
	}
	removed := len(h.streams) - len(kept)
	clear(h.streams[len(kept):])
	h.streams = kept
	return removed
}

// Broadcast writes msg to every stream concurrently and waits for all writes.
// Streams whose write failed are closed and removed after the pass.
func (h *Hub) Broadcast(msg []byte) Result {
	n := len(h.streams)
	if n == 0 {
		return Result{}
	}

	failed := make([]bool, n)
	if n == 1 {
		failed[0] = h.streams[0].Send(msg) != nil
	} else {
		var wg sync.WaitGroup
		wg.Add(n)
		for i, s := range h.streams {
			go func(i int, s Stream) {
				defer wg.Done()
				failed[i] = s.Send(msg) != nil
			}(i, s)
		}
		wg.Wait()
	}

	kept := make([]Stream, 0, n)
	var res Result
	for i, s := range h.streams {
		if failed[i] {
			s.Close()
			res.Evicted++
			continue
		}
		kept = append(kept, s)
		res.Delivered++
	}
	h.streams = kept
	return res
}

// CloseAll closes and forgets every stream.
func (h *Hub) CloseAll() {
	for _, s := range h.streams {
		s.Close()
	}
	h.streams = nil
}
