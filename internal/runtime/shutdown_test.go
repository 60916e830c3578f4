package runtime

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/joss/crabrelay/internal/logging"
)

func TestMain(m *testing.M) {
	restore := logging.SetOutput(io.Discard)
	code := m.Run()
	restore()
	os.Exit(code)
}

func TestNewShutdownManager(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	if m == nil {
		t.Fatal("NewShutdownManager returned nil")
	}

	if m.timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", m.timeout)
	}
}

func TestShutdownManager_Register(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var called int32

	m.Register("test-handler", func(ctx context.Context) error {
		atomic.AddInt32(&called, 1)
		return nil
	})

	m.Shutdown()

	if atomic.LoadInt32(&called) != 1 {
		t.Error("handler was not called")
	}
}

func TestShutdownManager_RegisterSimple(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var called bool

	m.RegisterSimple("simple-handler", func() {
		called = true
	})

	m.Shutdown()

	if !called {
		t.Error("simple handler was not called")
	}
}

func TestShutdownManager_LIFO(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	order := make([]int, 0, 3)

	m.RegisterSimple("stores", func() {
		order = append(order, 1)
	})
	m.RegisterSimple("actors", func() {
		order = append(order, 2)
	})
	m.RegisterSimple("http", func() {
		order = append(order, 3)
	})

	m.Shutdown()

	if len(order) != 3 {
		t.Fatalf("expected 3 handlers called, got %d", len(order))
	}
	for i, want := range []int{3, 2, 1} {
		if order[i] != want {
			t.Errorf("handler order = %v, want [3 2 1]", order)
			break
		}
	}
}

func TestShutdownManager_Context(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	ctx := m.Context()

	select {
	case <-ctx.Done():
		t.Fatal("context should not be cancelled before shutdown")
	default:
		// Good
	}

	m.Shutdown()

	select {
	case <-ctx.Done():
		// Good - context should be cancelled
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after shutdown")
	}
}

func TestShutdownManager_Done(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	done := m.Done()

	select {
	case <-done:
		t.Fatal("done channel should not be closed before shutdown")
	default:
		// Good
	}

	m.Shutdown()

	select {
	case <-done:
		// Good - done should be closed
	case <-time.After(time.Second):
		t.Fatal("done channel should be closed after shutdown")
	}
}

func TestShutdownManager_Timeout(t *testing.T) {
	m := NewShutdownManager(100 * time.Millisecond)

	var skipped bool
	m.RegisterSimple("stores", func() { skipped = true })
	m.Register("slow-handler", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	})

	start := time.Now()
	m.Shutdown()
	duration := time.Since(start)

	if duration > 500*time.Millisecond {
		t.Errorf("shutdown took too long: %v", duration)
	}
	if skipped {
		t.Error("handlers after the deadline must not run")
	}
	var timeoutErr error
	for _, err := range m.Errors() {
		if errors.Is(err, ErrTimeout) {
			timeoutErr = err
		}
	}
	if timeoutErr == nil {
		t.Fatalf("expected a timeout error, got %v", m.Errors())
	}
	if !strings.Contains(timeoutErr.Error(), "stores") {
		t.Errorf("timeout error should name pending handlers: %v", timeoutErr)
	}
}

func TestShutdownManager_DefaultTimeout(t *testing.T) {
	if m := NewShutdownManager(0); m.timeout != DefaultShutdownTimeout {
		t.Errorf("expected default timeout, got %v", m.timeout)
	}
}

func TestShutdownManager_Signals(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)
	exited := make(chan int, 1)
	m.exit = func(code int) { exited <- code }

	release := make(chan struct{})
	m.RegisterSimple("gateway", func() { <-release })

	ch := make(chan os.Signal, 2)
	go m.watchSignals(ch)

	ch <- syscall.SIGTERM
	select {
	case <-m.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("first signal should start shutdown")
	}

	ch <- syscall.SIGINT
	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(time.Second):
		t.Fatal("second signal should force an exit")
	}

	close(release)
	m.WaitForShutdown()
}

func TestShutdownManager_ErrorHandling(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var laterCalled bool
	m.RegisterSimple("success-handler", func() {
		laterCalled = true
	})
	m.Register("error-handler", func(ctx context.Context) error {
		return errors.New("test error")
	})

	m.Shutdown()

	if !laterCalled {
		t.Error("a failing handler must not stop the remaining handlers")
	}
	errs := m.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected 1 collected error, got %d", len(errs))
	}
	if errs[0].Error() != "error-handler: test error" {
		t.Errorf("unexpected error: %v", errs[0])
	}
}

func TestShutdownManager_OnlyOnce(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var callCount int32

	m.Register("once-handler", func(ctx context.Context) error {
		atomic.AddInt32(&callCount, 1)
		return nil
	})

	// Call shutdown multiple times
	m.Shutdown()
	m.Shutdown()
	m.Shutdown()

	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("handler should only be called once, got %d", callCount)
	}
}
