package broadcast

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream records messages and can be told to fail.
type fakeStream struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
	delay  time.Duration
}

func (f *fakeStream) Send(msg []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStreamClosed
	}
	if f.fail {
		return ErrStreamFull
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeStream) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeStream) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestHub_BroadcastDeliversToAll(t *testing.T) {
	h := NewHub()
	a, b := &fakeStream{}, &fakeStream{}
	h.Add(a)
	h.Add(b)

	res := h.Broadcast([]byte(`{"type":"title","title":"x"}`))

	assert.Equal(t, Result{Delivered: 2}, res)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 2, h.Len())
}

func TestHub_ClosedStreamDoesNotBlockOthers(t *testing.T) {
	h := NewHub()
	open1, dead, open2 := &fakeStream{}, &fakeStream{}, &fakeStream{}
	dead.Close()
	h.Add(open1)
	h.Add(dead)
	h.Add(open2)

	res := h.Broadcast([]byte("m1"))

	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, 1, open1.count())
	assert.Equal(t, 1, open2.count())
	assert.Equal(t, 2, h.Len(), "dead stream removed after the pass")

	res = h.Broadcast([]byte("m2"))
	assert.Equal(t, Result{Delivered: 2}, res)
}

func TestHub_FailedWriteClosesStream(t *testing.T) {
	h := NewHub()
	slow := &fakeStream{fail: true}
	h.Add(slow)

	res := h.Broadcast([]byte("m"))

	assert.Equal(t, Result{Evicted: 1}, res)
	assert.True(t, slow.Closed())
	assert.Equal(t, 0, h.Len())
}

func TestHub_WritesAreConcurrent(t *testing.T) {
	h := NewHub()
	for i := 0; i < 5; i++ {
		h.Add(&fakeStream{delay: 50 * time.Millisecond})
	}

	start := time.Now()
	res := h.Broadcast([]byte("m"))

	assert.Equal(t, 5, res.Delivered)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestHub_Prune(t *testing.T) {
	h := NewHub()
	a, b := &fakeStream{}, &fakeStream{}
	h.Add(a)
	h.Add(b)
	b.Close()

	assert.Equal(t, 1, h.Prune())
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 0, h.Prune())
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub()
	a := &fakeStream{}
	h.Add(a)

	h.CloseAll()

	assert.True(t, a.Closed())
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, Result{}, h.Broadcast([]byte("m")))
}

func TestSSEStream_SendAndFull(t *testing.T) {
	s := NewSSEStream(1)

	for i := 0; i < MinBuffer; i++ {
		require.NoError(t, s.Send([]byte("m")))
	}
	assert.ErrorIs(t, s.Send([]byte("overflow")), ErrStreamFull)

	s.Close()
	s.Close()
	assert.True(t, s.Closed())
	assert.ErrorIs(t, s.Send([]byte("m")), ErrStreamClosed)
}

func TestSSEStream_Pump(t *testing.T) {
	s := NewSSEStream(16)
	require.NoError(t, s.Send([]byte(`{"type":"desktop_status","connected":false}`)))
	require.NoError(t, s.Send([]byte(`{"type":"title","title":"t"}`)))

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Pump(ctx, rec, time.Hour) }()

	require.Eventually(t, func() bool { return len(s.C()) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	body := rec.Body.String()
	assert.Equal(t,
		"data: {\"type\":\"desktop_status\",\"connected\":false}\n\ndata: {\"type\":\"title\",\"title\":\"t\"}\n\n",
		body)
	assert.True(t, s.Closed(), "pump closes the stream on exit")
}

func TestSSEStream_PumpKeepalive(t *testing.T) {
	s := NewSSEStream(4)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Pump(ctx, rec, 20*time.Millisecond))
	assert.True(t, strings.Contains(rec.Body.String(), ": keepalive\n\n"))
}

func TestSSEStream_PumpStopsOnClose(t *testing.T) {
	s := NewSSEStream(4)
	rec := httptest.NewRecorder()

	done := make(chan error, 1)
	go func() { done <- s.Pump(context.Background(), rec, time.Hour) }()

	s.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after Close")
	}
}

func TestPrepareSSE(t *testing.T) {
	rec := httptest.NewRecorder()
	PrepareSSE(rec)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestSSEStream_PumpFilter(t *testing.T) {
	s := NewSSEStream(8)
	s.SetFilter(func(msg []byte) bool { return !strings.Contains(string(msg), "secret") })
	require.NoError(t, s.Send([]byte(`{"id":"secret"}`)))
	require.NoError(t, s.Send([]byte(`{"id":"public"}`)))

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Pump(ctx, rec, time.Hour) }()

	require.Eventually(t, func() bool { return len(s.C()) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "data: {\"id\":\"public\"}\n\n", rec.Body.String())
}

func TestEncodeEvent(t *testing.T) {
	assert.Equal(t, "data: {\"type\":\"title\"}\n\n", string(EncodeEvent([]byte(`{"type":"title"}`))))
	assert.Equal(t,
		"data: {\ndata:   \"type\": \"title\",\ndata:   \"title\": \"hello\"\ndata: }\n\n",
		string(EncodeEvent([]byte("{\n  \"type\": \"title\",\n  \"title\": \"hello\"\n}"))))
	assert.Equal(t, "data: {\ndata: }\n\n", string(EncodeEvent([]byte("{\r\n}"))))
}

func TestSSEStream_PumpFramesMultiLinePayloads(t *testing.T) {
	s := NewSSEStream(8)
	require.NoError(t, s.Send([]byte("{\n  \"type\": \"title\",\n  \"title\": \"hello\"\n}")))
	s.Close()

	rec := httptest.NewRecorder()
	require.NoError(t, s.Pump(context.Background(), rec, time.Hour))

	var joined []string
	for _, line := range strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n") {
		require.True(t, strings.HasPrefix(line, "data: "), "bare line on the wire: %q", line)
		joined = append(joined, strings.TrimPrefix(line, "data: "))
	}
	assert.JSONEq(t, `{"type":"title","title":"hello"}`, strings.Join(joined, "\n"))
}

func TestSSEStream_PumpFlushesQueuedOnClose(t *testing.T) {
	s := NewSSEStream(8)
	require.NoError(t, s.Send([]byte(`{"type":"title","title":"last"}`)))
	require.NoError(t, s.Send([]byte(`{"type":"desktop_status","connected":false}`)))
	s.Close()

	rec := httptest.NewRecorder()
	require.NoError(t, s.Pump(context.Background(), rec, time.Hour))

	assert.Equal(t,
		"data: {\"type\":\"title\",\"title\":\"last\"}\n\ndata: {\"type\":\"desktop_status\",\"connected\":false}\n\n",
		rec.Body.String())
}
