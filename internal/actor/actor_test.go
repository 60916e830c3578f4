package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/crabrelay/internal/alerts"
	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/metrics"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "crabrelay-actor-alerts")
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

func newTestActor(t *testing.T, cfg Config) *Actor {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	a := New(cfg)
	t.Cleanup(a.Stop)
	return a
}

func TestActor_RestoreBeforeOperations(t *testing.T) {
	release := make(chan struct{})
	var restored atomic.Bool

	a := newTestActor(t, Config{
		Name: "restore-first",
		Restore: func(ctx context.Context) error {
			<-release
			restored.Store(true)
			return nil
		},
	})

	result := make(chan bool, 1)
	go func() {
		a.Do(context.Background(), func(ctx context.Context) error {
			result <- restored.Load()
			return nil
		})
	}()

	select {
	case <-result:
		t.Fatal("operation ran before restore finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	assert.True(t, <-result, "operation must observe restored state")
}

func TestActor_OperationsAreSequential(t *testing.T) {
	a := newTestActor(t, Config{Name: "sequential"})

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Do(context.Background(), func(ctx context.Context) error {
				n := inFlight.Add(1)
				if n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestActor_DoReturnsResult(t *testing.T) {
	a := newTestActor(t, Config{Name: "result"})
	boom := errors.New("boom")

	assert.NoError(t, a.Do(context.Background(), func(ctx context.Context) error { return nil }))
	assert.ErrorIs(t, a.Do(context.Background(), func(ctx context.Context) error { return boom }), boom)
}

func TestActor_PanicBecomesError(t *testing.T) {
	a := newTestActor(t, Config{Name: "panics"})

	err := a.Do(context.Background(), func(ctx context.Context) error {
		panic("bad event")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad event")

	assert.NoError(t, a.Do(context.Background(), func(ctx context.Context) error { return nil }),
		"actor keeps serving after a panic")
}

func TestActor_ActivationFailureIsTerminal(t *testing.T) {
	m := metrics.New()
	a := newTestActor(t, Config{
		Name:    "broken",
		Metrics: m,
		Restore: func(ctx context.Context) error { return errors.New("corrupt snapshot") },
	})

	var ran atomic.Bool
	for i := 0; i < 3; i++ {
		err := a.Do(context.Background(), func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
		assert.ErrorIs(t, err, ErrActivation)
		assert.Contains(t, err.Error(), "corrupt snapshot")
	}
	assert.False(t, ran.Load(), "no operation may run on a failed actor")
	assert.ErrorIs(t, a.Err(), ErrActivation)
	assert.Equal(t, int64(1), m.ActivationFailures.Load())
}

func TestActor_TellDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	a := newTestActor(t, Config{Name: "full", Mailbox: 1})

	started := make(chan struct{})
	go a.Do(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	assert.True(t, a.Tell(func(ctx context.Context) {}), "first Tell fits the mailbox")
	assert.False(t, a.Tell(func(ctx context.Context) {}), "second Tell is dropped")
	close(block)
}

func TestActor_TellRuns(t *testing.T) {
	a := newTestActor(t, Config{Name: "tell"})
	ran := make(chan struct{})

	require.True(t, a.Tell(func(ctx context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("told operation did not run")
	}
}

func TestActor_Stop(t *testing.T) {
	var stopped atomic.Bool
	a := New(Config{Name: "stop", Metrics: metrics.New(), OnStop: func() { stopped.Store(true) }})

	a.Stop()
	a.Stop()
	<-a.Done()

	assert.True(t, a.Stopped())
	assert.True(t, stopped.Load())
	assert.ErrorIs(t, a.Do(context.Background(), func(ctx context.Context) error { return nil }), ErrStopped)
	assert.False(t, a.Tell(func(ctx context.Context) {}))
}

func TestActor_StopAfterCurrent(t *testing.T) {
	a := New(Config{Name: "self-stop", Metrics: metrics.New()})

	err := a.Do(context.Background(), func(ctx context.Context) error {
		a.StopAfterCurrent()
		return nil
	})
	require.NoError(t, err)

	<-a.Done()
	assert.ErrorIs(t, a.Do(context.Background(), func(ctx context.Context) error { return nil }), ErrStopped)
}

func TestActor_DoHonorsContext(t *testing.T) {
	a := newTestActor(t, Config{Name: "ctx"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	err := a.Do(ctx, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestActor_ShutdownRunsQueuedWork(t *testing.T) {
	a := New(Config{Name: "drain", Metrics: metrics.New()})
	block := make(chan struct{})
	started := make(chan struct{})

	go a.Do(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	var told atomic.Int32
	for i := 0; i < 3; i++ {
		require.True(t, a.Tell(func(ctx context.Context) { told.Add(1) }))
	}

	done := make(chan error, 1)
	go func() { done <- a.Shutdown(context.Background()) }()
	close(block)

	require.NoError(t, <-done)
	assert.Equal(t, int32(3), told.Load())
	assert.True(t, a.Stopped())
}

// syncBuffer collects log lines written from actor goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) events(t *testing.T) []logging.Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []logging.Event
	for _, line := range bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n")) {
		var e logging.Event
		require.NoError(t, json.Unmarshal(line, &e))
		out = append(out, e)
	}
	return out
}

func TestActor_LogsNameSeparatelyFromSession(t *testing.T) {
	out := &syncBuffer{}
	restore := logging.SetOutput(out)
	defer restore()

	failing := func(ctx context.Context) error { return errors.New("disk gone") }
	list := newTestActor(t, Config{Name: "session-list", Restore: failing})
	sess := newTestActor(t, Config{Name: "session/01jabc", Session: "01jabc", Restore: failing})

	assert.ErrorIs(t, list.Do(context.Background(), func(ctx context.Context) error { return nil }), ErrActivation)
	assert.ErrorIs(t, sess.Do(context.Background(), func(ctx context.Context) error { return nil }), ErrActivation)

	byActor := make(map[string]logging.Event)
	for _, e := range out.events(t) {
		if e.Event == "activation_failed" {
			byActor[e.Extra["actor"].(string)] = e
		}
	}
	require.Contains(t, byActor, "session-list")
	require.Contains(t, byActor, "session/01jabc")
	assert.Empty(t, byActor["session-list"].Session)
	assert.Equal(t, "01jabc", byActor["session/01jabc"].Session)
}
