package broadcast

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// MinBuffer is the smallest outbox a stream gets; it covers a full
// catch-up sequence.
const MinBuffer = 8

// SSEStream is a buffered viewer stream drained to an HTTP response by Pump.
// Send never blocks: a full outbox fails the write and the hub evicts it.
type SSEStream struct {
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	filter    func(msg []byte) bool
}

// NewSSEStream creates a stream with room for buffer pending messages.
func NewSSEStream(buffer int) *SSEStream {
	if buffer < MinBuffer {
		buffer = MinBuffer
	}
	return &SSEStream{
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (s *SSEStream) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return ErrStreamFull
	}
}

func (s *SSEStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *SSEStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed once the stream is closed.
func (s *SSEStream) Done() <-chan struct{} {
	return s.done
}

// SetFilter makes Pump skip messages for which keep returns false. It must
// be called before Pump.
func (s *SSEStream) SetFilter(keep func(msg []byte) bool) {
	s.filter = keep
}

// C exposes pending messages for in-process consumers.
func (s *SSEStream) C() <-chan []byte {
	return s.out
}

// Pump writes queued messages as server-sent events until ctx ends, the
// stream is closed, or a write fails. Messages queued before Close are still
// written. It emits a comment every keepalive interval so proxies keep the
// connection open.
func (s *SSEStream) Pump(ctx context.Context, w http.ResponseWriter, keepalive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.Close()
		return errors.New("response writer does not support flushing")
	}
	defer s.Close()

	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return s.flushPending(w, flusher)
		case msg := <-s.out:
			if err := s.write(w, msg); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// flushPending writes what is left in the outbox after Close, such as the
// final desktop_status of a stopping session.
func (s *SSEStream) flushPending(w io.Writer, flusher http.Flusher) error {
	defer flusher.Flush()
	for {
		select {
		case msg := <-s.out:
			if err := s.write(w, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *SSEStream) write(w io.Writer, msg []byte) error {
	if s.filter != nil && !s.filter(msg) {
		return nil
	}
	_, err := w.Write(EncodeEvent(msg))
	return err
}

// EncodeEvent frames msg as one SSE event. Each line of msg gets its own
// data field, so clients rejoin multi-line payloads with "\n".
func EncodeEvent(msg []byte) []byte {
	msg = bytes.ReplaceAll(msg, []byte("\r\n"), []byte("\n"))
	msg = bytes.ReplaceAll(msg, []byte("\r"), []byte("\n"))

	var b bytes.Buffer
	b.Grow(len(msg) + 8)
	for _, line := range bytes.Split(msg, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// PrepareSSE sets the response headers for an event stream.
func PrepareSSE(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
