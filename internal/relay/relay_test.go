package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/crabrelay/internal/actor"
	"github.com/joss/crabrelay/internal/alerts"
	"github.com/joss/crabrelay/internal/broadcast"
	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/metrics"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/store"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "crabrelay-relay-alerts")
	if err != nil {
		panic(err)
	}
	alerts.SetGlobal(alerts.NewManager(dir))
	restore := logging.SetOutput(io.Discard)

	code := m.Run()

	restore()
	os.RemoveAll(dir)
	os.Exit(code)
}

// fakeDesktop records what the relay sends to the desktop.
type fakeDesktop struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func (d *fakeDesktop) Send(ctx context.Context, msg []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, msg)
	return nil
}

func (d *fakeDesktop) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDesktop) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDesktop) messages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	for i, m := range d.sent {
		out[i] = string(m)
	}
	return out
}

// flakyStore fails every Save while failing is set.
type flakyStore struct {
	*store.Memory
	failing atomic.Bool
}

func (f *flakyStore) Save(ctx context.Context, key string, value []byte) error {
	if f.failing.Load() {
		return errors.New("disk full")
	}
	return f.Memory.Save(ctx, key, value)
}

// recordingList captures notifications synchronously.
type recordingList struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingList) add(e string) bool {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return true
}

func (r *recordingList) NotifyConnect(s protocol.SessionSummary) bool { return r.add("connect:" + s.ID) }
func (r *recordingList) NotifyDisconnect(id string) bool { return r.add("disconnect:" + id) }
func (r *recordingList) NotifyState(id string, st protocol.LifecycleState) bool {
	return r.add("state:" + id + ":" + string(st))
}

func (r *recordingList) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestSession(t *testing.T, id string, st store.StateStore, list ListNotifier) *Session {
	t.Helper()
	if list == nil {
		list = &recordingList{}
	}
	s := NewSession(id, SessionConfig{Store: st, List: list, Metrics: metrics.New()})
	t.Cleanup(s.Stop)
	return s
}

// frame is one decoded message read from a stream.
type frame map[string]interface{}

func (f frame) typ() string {
	s, _ := f["type"].(string)
	return s
}

func next(t *testing.T, s *broadcast.SSEStream) frame {
	t.Helper()
	select {
	case msg := <-s.C():
		var f frame
		require.NoError(t, json.Unmarshal(msg, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("no message on stream")
		return nil
	}
}

func assertEmpty(t *testing.T, s *broadcast.SSEStream) {
	t.Helper()
	select {
	case msg := <-s.C():
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func event(t *testing.T, ev protocol.Event) []byte {
	t.Helper()
	data, err := protocol.Encode(ev)
	require.NoError(t, err)
	return data
}

func TestScenario_ConnectStateSubscribeDisconnect(t *testing.T) {
	ctx := context.Background()
	r := New(Config{Store: store.NewMemory(), Metrics: metrics.New()})
	defer r.Shutdown(ctx)

	listViewer := broadcast.NewSSEStream(16)
	require.NoError(t, r.List.Subscribe(ctx, listViewer))
	hello := next(t, listViewer)
	assert.Equal(t, "connected", hello.typ())
	assert.EqualValues(t, 1, hello["clients"])

	desktop := &fakeDesktop{}
	var conn ConnID
	require.NoError(t, r.Session(ctx, "S1", func(s *Session) error {
		var err error
		conn, err = s.AttachDesktop(ctx, desktop, ConnectMeta{Cwd: "/repo", Platform: protocol.PlatformClaude})
		return err
	}))
	require.NoError(t, r.Session(ctx, "S1", func(s *Session) error {
		return s.HandleEvent(ctx, conn, []byte(`{"type":"state","state":"thinking","timestamp":1}`))
	}))

	viewer := broadcast.NewSSEStream(16)
	require.NoError(t, r.Session(ctx, "S1", func(s *Session) error { return s.Subscribe(ctx, viewer) }))

	status := next(t, viewer)
	assert.Equal(t, "desktop_status", status.typ())
	assert.Equal(t, true, status["connected"])
	state := next(t, viewer)
	assert.Equal(t, "state", state.typ())
	assert.Equal(t, "thinking", state["state"])
	assertEmpty(t, viewer)

	require.NoError(t, r.Session(ctx, "S1", func(s *Session) error { return s.DetachDesktop(ctx, conn) }))

	offline := next(t, viewer)
	assert.Equal(t, "desktop_status", offline.typ())
	assert.Equal(t, false, offline["connected"])

	created := next(t, listViewer)
	assert.Equal(t, "created", created.typ())
	assert.Equal(t, "/repo", created["session"].(map[string]interface{})["cwd"])
	updated := next(t, listViewer)
	assert.Equal(t, "updated", updated.typ())
	assert.Equal(t, "thinking", updated["session"].(map[string]interface{})["state"])
	deleted := next(t, listViewer)
	assert.Equal(t, "deleted", deleted.typ())
	assert.Equal(t, map[string]interface{}{"id": "S1"}, deleted["session"])
}

func TestSession_NewestDesktopWins(t *testing.T) {
	ctx := context.Background()
	list := &recordingList{}
	s := newTestSession(t, "S1", store.NewMemory(), list)

	first, second := &fakeDesktop{}, &fakeDesktop{}
	c1, err := s.AttachDesktop(ctx, first, ConnectMeta{Cwd: "/a"})
	require.NoError(t, err)
	c2, err := s.AttachDesktop(ctx, second, ConnectMeta{Cwd: "/b"})
	require.NoError(t, err)

	assert.True(t, first.isClosed(), "first connection is closed")
	assert.False(t, second.isClosed())
	assert.NotEqual(t, c1, c2)

	require.NoError(t, s.SendInput(ctx, protocol.AnswerMessage{Text: "yes"}))
	assert.Empty(t, first.messages())
	assert.Equal(t, []string{`{"type":"answer","text":"yes"}`}, second.messages())

	err = s.HandleEvent(ctx, c1, event(t, protocol.TitleEvent{Title: "stale"}))
	assert.ErrorIs(t, err, ErrStaleConnection)

	require.NoError(t, s.DetachDesktop(ctx, c1))
	d, err := s.Diagnostics(ctx)
	require.NoError(t, err)
	assert.True(t, d.DesktopConnected, "stale detach leaves the new desktop attached")
	assert.Nil(t, d.Title)

	assert.Equal(t, []string{"connect:S1", "connect:S1"}, list.snapshot())
}

func TestSession_CatchUpIsLatestPerKind(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "S1", store.NewMemory(), nil)

	conn, err := s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
	require.NoError(t, err)
	for _, ev := range []protocol.Event{
		protocol.ScreenEvent{Content: "one"},
		protocol.TitleEvent{Title: "first"},
		protocol.ScreenEvent{Content: "two"},
		protocol.StateEvent{State: protocol.StateQuestion, Timestamp: 5},
		protocol.ScreenEvent{Content: "three"},
		protocol.TitleEvent{Title: "second"},
		protocol.ScrollbackEvent{Diff: "x", TotalLines: 42},
	} {
		require.NoError(t, s.HandleEvent(ctx, conn, event(t, ev)))
	}

	viewer := broadcast.NewSSEStream(16)
	require.NoError(t, s.Subscribe(ctx, viewer))

	var got []string
	for i := 0; i < 4; i++ {
		f := next(t, viewer)
		got = append(got, f.typ())
		switch f.typ() {
		case "screen":
			assert.Equal(t, "three", f["content"])
		case "state":
			assert.Equal(t, "question", f["state"])
		case "title":
			assert.Equal(t, "second", f["title"])
		}
	}
	assert.Equal(t, []string{"desktop_status", "screen", "state", "title"}, got)
	assertEmpty(t, viewer)
}

func TestSession_CatchUpWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "S1", store.NewMemory(), nil)

	conn, err := s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
	require.NoError(t, err)
	require.NoError(t, s.HandleEvent(ctx, conn, event(t, protocol.ScreenEvent{Content: "kept"})))
	require.NoError(t, s.DetachDesktop(ctx, conn))

	viewer := broadcast.NewSSEStream(16)
	require.NoError(t, s.Subscribe(ctx, viewer))

	status := next(t, viewer)
	assert.Equal(t, "desktop_status", status.typ())
	assert.Equal(t, false, status["connected"])
	assertEmpty(t, viewer)

	d, err := s.Diagnostics(ctx)
	require.NoError(t, err)
	assert.True(t, d.HasScreen, "disconnect keeps the cached screen")
}

func TestSession_UnknownSessionBehavesAsDisconnected(t *testing.T) {
	s := newTestSession(t, "never-seen", store.NewMemory(), nil)
	viewer := broadcast.NewSSEStream(16)

	require.NoError(t, s.Subscribe(context.Background(), viewer))

	status := next(t, viewer)
	assert.Equal(t, false, status["connected"])
	assertEmpty(t, viewer)
}

func TestSession_EventsAreBroadcastUnmodified(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "S1", store.NewMemory(), nil)
	conn, err := s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
	require.NoError(t, err)

	viewer := broadcast.NewSSEStream(16)
	require.NoError(t, s.Subscribe(ctx, viewer))
	next(t, viewer) // desktop_status
	next(t, viewer) // state

	raw := []byte(`{"type":"git","branch":"main","files":[{"path":"a.go","status":"M","additions":1,"deletions":0}]}`)
	require.NoError(t, s.HandleEvent(ctx, conn, raw))

	select {
	case msg := <-viewer.C():
		assert.Equal(t, string(raw), string(msg))
	case <-time.After(time.Second):
		t.Fatal("event not broadcast")
	}
}

func TestSession_DurableRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	events := []protocol.Event{
		protocol.StateEvent{State: protocol.StateThinking, Timestamp: 1},
		protocol.ScrollbackEvent{Diff: "a\nb", TotalLines: 2},
		protocol.ScreenEvent{Content: "screen"},
		protocol.TitleEvent{Title: "title"},
		protocol.StatsEvent{Prompts: 1},
		protocol.StateEvent{State: protocol.StatePermission, Timestamp: 2},
	}

	first := NewSession("S1", SessionConfig{Store: st, List: &recordingList{}, Metrics: metrics.New()})
	conn, err := first.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, first.HandleEvent(ctx, conn, event(t, ev)))
	}
	require.NoError(t, first.DetachDesktop(ctx, conn))
	want, err := first.Diagnostics(ctx)
	require.NoError(t, err)
	first.Stop()

	direct := newSessionState("S1")
	for _, ev := range events {
		direct.apply(ev)
	}

	second := newTestSession(t, "S1", st, nil)
	got, err := second.Diagnostics(ctx)
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, direct.State, got.State)
	assert.Equal(t, direct.ScrollbackLines, got.ScrollbackLines)
	assert.Equal(t, direct.Sequence, got.EventSequence)
	assert.Equal(t, uint64(len(events)), got.EventSequence)
	require.NotNil(t, got.Title)
	assert.Equal(t, "title", *got.Title)
	assert.False(t, got.DesktopConnected)
}

func TestSession_MalformedEventLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	s := NewSession("S1", SessionConfig{Store: store.NewMemory(), List: &recordingList{}, Metrics: m})
	defer s.Stop()

	conn, err := s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
	require.NoError(t, err)
	require.NoError(t, s.HandleEvent(ctx, conn, event(t, protocol.TitleEvent{Title: "good"})))

	for _, raw := range []string{
		`not json`,
		`{"type":"teleport"}`,
		`{"type":"state","state":"sleeping"}`,
		`{"type":"desktop_status","connected":false}`,
	} {
		assert.Error(t, s.HandleEvent(ctx, conn, []byte(raw)), raw)
	}

	d, err := s.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.EventSequence)
	assert.Equal(t, "good", *d.Title)
	assert.Equal(t, protocol.StateReady, d.State)
	assert.True(t, d.DesktopConnected)
	assert.Equal(t, int64(4), m.EventsRejected.Load())
}

func TestSession_PersistFailureIsNotApplied(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	s := newTestSession(t, "S1", st, nil)

	conn, err := s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
	require.NoError(t, err)
	viewer := broadcast.NewSSEStream(16)
	require.NoError(t, s.Subscribe(ctx, viewer))
	next(t, viewer)
	next(t, viewer)

	st.failing.Store(true)
	err = s.HandleEvent(ctx, conn, event(t, protocol.TitleEvent{Title: "lost"}))
	assert.ErrorIs(t, err, ErrPersist)
	assertEmpty(t, viewer)

	d, err := s.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Nil(t, d.Title)
	assert.Zero(t, d.EventSequence)
}

func TestSession_SendInput(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "S1", store.NewMemory(), nil)

	err := s.SendInput(ctx, protocol.KeyMessage{Key: "enter"})
	assert.ErrorIs(t, err, ErrDesktopOffline)
	assert.NotErrorIs(t, err, ErrSendFailed)

	broken := &fakeDesktop{sendErr: errors.New("broken pipe")}
	_, err = s.AttachDesktop(ctx, broken, ConnectMeta{})
	require.NoError(t, err)

	err = s.SendInput(ctx, protocol.KeyMessage{Key: "enter"})
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.NotErrorIs(t, err, ErrDesktopOffline)

	ok := &fakeDesktop{}
	_, err = s.AttachDesktop(ctx, ok, ConnectMeta{})
	require.NoError(t, err)
	require.NoError(t, s.SendInput(ctx, protocol.KeyMessage{Key: "escape"}))
	assert.Equal(t, []string{`{"type":"key","key":"escape"}`}, ok.messages())
}

func TestSession_ClosedViewerDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "S1", store.NewMemory(), nil)
	conn, err := s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
	require.NoError(t, err)

	live, dead := broadcast.NewSSEStream(16), broadcast.NewSSEStream(16)
	require.NoError(t, s.Subscribe(ctx, live))
	require.NoError(t, s.Subscribe(ctx, dead))
	dead.Close()

	require.NoError(t, s.HandleEvent(ctx, conn, event(t, protocol.TitleEvent{Title: "t"})))

	next(t, live)
	next(t, live)
	assert.Equal(t, "title", next(t, live).typ())

	d, err := s.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.SSEClients)
}

func TestSession_StopIfIdle(t *testing.T) {
	ctx := context.Background()
	later := time.Now().Add(time.Hour)

	withDesktop := newTestSession(t, "busy", store.NewMemory(), nil)
	_, err := withDesktop.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
	require.NoError(t, err)
	assert.False(t, withDesktop.StopIfIdle(ctx, later, time.Minute))

	withViewer := newTestSession(t, "watched", store.NewMemory(), nil)
	require.NoError(t, withViewer.Subscribe(ctx, broadcast.NewSSEStream(8)))
	assert.False(t, withViewer.StopIfIdle(ctx, later, time.Minute))

	fresh := newTestSession(t, "fresh", store.NewMemory(), nil)
	assert.False(t, fresh.StopIfIdle(ctx, time.Now(), time.Minute))

	idle := newTestSession(t, "idle", store.NewMemory(), nil)
	assert.True(t, idle.StopIfIdle(ctx, later, time.Minute))
	assert.Eventually(t, idle.Stopped, time.Second, 5*time.Millisecond)
}

func TestSession_RestoreFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Save(ctx, SessionKey("S1"), []byte("{corrupt")))

	s := newTestSession(t, "S1", st, nil)

	_, err := s.Diagnostics(ctx)
	assert.ErrorIs(t, err, actor.ErrActivation)
	_, err = s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
	assert.ErrorIs(t, err, actor.ErrActivation)
}

func TestSession_StopDisconnectsDesktopAndViewers(t *testing.T) {
	ctx := context.Background()
	list := &recordingList{}
	s := NewSession("S1", SessionConfig{Store: store.NewMemory(), List: list, Metrics: metrics.New()})

	desktop := &fakeDesktop{}
	_, err := s.AttachDesktop(ctx, desktop, ConnectMeta{})
	require.NoError(t, err)
	viewer := broadcast.NewSSEStream(16)
	require.NoError(t, s.Subscribe(ctx, viewer))

	s.Stop()

	assert.True(t, desktop.isClosed())
	assert.True(t, viewer.Closed())
	assert.Equal(t, []string{"connect:S1", "disconnect:S1"}, list.snapshot())
}

func TestRelay_IdleSessionIsRecreated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(Config{Store: st, IdleTTL: time.Minute, Metrics: metrics.New()})
	defer r.Shutdown(ctx)

	var conn ConnID
	require.NoError(t, r.Session(ctx, "S1", func(s *Session) error {
		var err error
		conn, err = s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
		if err != nil {
			return err
		}
		if err := s.HandleEvent(ctx, conn, event(t, protocol.TitleEvent{Title: "kept"})); err != nil {
			return err
		}
		return s.DetachDesktop(ctx, conn)
	}))

	first, ok := r.Sessions.Peek("S1")
	require.True(t, ok)
	require.True(t, first.StopIfIdle(ctx, time.Now().Add(time.Hour), time.Minute))

	var d Diagnostics
	require.NoError(t, r.Session(ctx, "S1", func(s *Session) error {
		var err error
		d, err = s.Diagnostics(ctx)
		return err
	}))
	require.NotNil(t, d.Title)
	assert.Equal(t, "kept", *d.Title)
}

func TestRelay_ShutdownDrainsListNotifications(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(Config{Store: st, Metrics: metrics.New()})

	require.NoError(t, r.Session(ctx, "S1", func(s *Session) error {
		_, err := s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{Cwd: "/repo"})
		return err
	}))
	require.Eventually(t, func() bool {
		sessions, err := r.List.List(ctx)
		return err == nil && len(sessions) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Shutdown(ctx))

	reopened := NewList(ListConfig{Store: st, Metrics: metrics.New()})
	defer reopened.Stop()
	sessions, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions, "shutdown disconnects every live desktop")
}

func TestRelay_ShutdownClearsListBeyondMailbox(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(Config{Store: st, Mailbox: 2, Metrics: metrics.New()})

	const sessions = 40
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("S%02d", i)
		require.NoError(t, r.Session(ctx, id, func(s *Session) error {
			_, err := s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{})
			return err
		}))
		// the attach notification may be dropped by the small mailbox
		require.NoError(t, r.List.Connect(ctx, protocol.SessionSummary{ID: id}))
	}

	require.NoError(t, r.Shutdown(ctx))

	reopened := NewList(ListConfig{Store: st, Metrics: metrics.New()})
	defer reopened.Stop()
	listed, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestRelay_SweepRestoredDropsDesktopsThatNeverReturned(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	previous := NewList(ListConfig{Store: st, Metrics: metrics.New()})
	require.NoError(t, previous.Connect(ctx, protocol.SessionSummary{ID: "gone"}))
	require.NoError(t, previous.Connect(ctx, protocol.SessionSummary{ID: "back"}))
	previous.Stop()

	r := New(Config{Store: st, ReconnectGrace: 10 * time.Millisecond, Metrics: metrics.New()})
	defer r.Shutdown(ctx)

	require.NoError(t, r.Session(ctx, "back", func(s *Session) error {
		_, err := s.AttachDesktop(ctx, &fakeDesktop{}, ConnectMeta{Cwd: "/repo"})
		return err
	}))

	swept, err := r.SweepRestored(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	listed, err := r.List.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "back", listed[0].ID)
}

func TestRelay_SweepRestoredStopsWithContext(t *testing.T) {
	r := New(Config{Store: store.NewMemory(), ReconnectGrace: time.Hour, Metrics: metrics.New()})
	defer r.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.SweepRestored(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
