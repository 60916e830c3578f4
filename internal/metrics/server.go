// Package metrics provides a simple Prometheus-compatible metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds runtime metrics for the relay
type Metrics struct {
	// Desktop connections
	DesktopConnects     atomic.Int64
	DesktopReplacements atomic.Int64
	DesktopDisconnects  atomic.Int64

	// Desktop events
	EventsApplied   atomic.Int64
	EventsRejected  atomic.Int64
	PersistFailures atomic.Int64

	// Viewer fan-out
	Broadcasts       atomic.Int64
	ViewerEvictions  atomic.Int64
	ViewersConnected atomic.Int64

	// Cross-actor notifications
	ListNotifySent    atomic.Int64
	ListNotifyDropped atomic.Int64

	// Viewer input
	InputForwarded atomic.Int64
	InputOffline   atomic.Int64
	InputFailed    atomic.Int64

	// Actors
	ActiveActors       atomic.Int64
	ActivationFailures atomic.Int64

	// Timing (last restore duration in ms)
	LastRestoreDurationMs atomic.Int64

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the global metrics instance
func Global() *Metrics {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// New creates an isolated metrics instance
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordDesktopConnect records a desktop attach; replaced is true when an
// existing connection was closed to make room.
func (m *Metrics) RecordDesktopConnect(replaced bool) {
	m.DesktopConnects.Add(1)
	if replaced {
		m.DesktopReplacements.Add(1)
	}
}

// RecordEvent records a desktop event that was applied or rejected
func (m *Metrics) RecordEvent(applied bool) {
	if applied {
		m.EventsApplied.Add(1)
	} else {
		m.EventsRejected.Add(1)
	}
}

// RecordBroadcast records one broadcast pass and the streams it evicted
func (m *Metrics) RecordBroadcast(evicted int) {
	m.Broadcasts.Add(1)
	m.ViewerEvictions.Add(int64(evicted))
}

// RecordListNotify records a fire-and-forget notification to the list actor
func (m *Metrics) RecordListNotify(delivered bool) {
	if delivered {
		m.ListNotifySent.Add(1)
	} else {
		m.ListNotifyDropped.Add(1)
	}
}

// RecordRestore records an actor restore attempt
func (m *Metrics) RecordRestore(success bool, durationMs int64) {
	if !success {
		m.ActivationFailures.Add(1)
	}
	m.LastRestoreDurationMs.Store(durationMs)
}

type sample struct {
	name, help, kind string
	value            int64
}

// Handler returns an HTTP handler for /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		uptime := time.Since(m.startTime).Seconds()

		fmt.Fprintf(w, "# HELP crabrelay_uptime_seconds Time since the relay started\n")
		fmt.Fprintf(w, "# TYPE crabrelay_uptime_seconds gauge\n")
		fmt.Fprintf(w, "crabrelay_uptime_seconds %.2f\n\n", uptime)

		samples := []sample{
			{"crabrelay_desktop_connects_total", "Desktop connections accepted", "counter", m.DesktopConnects.Load()},
			{"crabrelay_desktop_replacements_total", "Desktop connections closed by a newer connection", "counter", m.DesktopReplacements.Load()},
			{"crabrelay_desktop_disconnects_total", "Desktop disconnects", "counter", m.DesktopDisconnects.Load()},
			{"crabrelay_events_applied_total", "Desktop events applied", "counter", m.EventsApplied.Load()},
			{"crabrelay_events_rejected_total", "Desktop events dropped as malformed", "counter", m.EventsRejected.Load()},
			{"crabrelay_persist_failures_total", "Actor state writes that failed", "counter", m.PersistFailures.Load()},
			{"crabrelay_broadcasts_total", "Broadcast passes", "counter", m.Broadcasts.Load()},
			{"crabrelay_viewer_evictions_total", "Viewer streams evicted after a failed write", "counter", m.ViewerEvictions.Load()},
			{"crabrelay_viewers_connected", "Viewer streams currently open", "gauge", m.ViewersConnected.Load()},
			{"crabrelay_list_notify_sent_total", "Notifications delivered to the list actor mailbox", "counter", m.ListNotifySent.Load()},
			{"crabrelay_list_notify_dropped_total", "Notifications dropped because the list mailbox was full", "counter", m.ListNotifyDropped.Load()},
			{"crabrelay_input_forwarded_total", "Viewer inputs sent to a desktop", "counter", m.InputForwarded.Load()},
			{"crabrelay_input_offline_total", "Viewer inputs rejected because the desktop was offline", "counter", m.InputOffline.Load()},
			{"crabrelay_input_failed_total", "Viewer inputs that failed to send", "counter", m.InputFailed.Load()},
			{"crabrelay_active_actors", "Session actors currently resident", "gauge", m.ActiveActors.Load()},
			{"crabrelay_activation_failures_total", "Actors that failed to restore state", "counter", m.ActivationFailures.Load()},
			{"crabrelay_last_restore_duration_ms", "Last actor restore duration", "gauge", m.LastRestoreDurationMs.Load()},
		}

		for i, s := range samples {
			fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
			fmt.Fprintf(w, "%s %d\n", s.name, s.value)
			if i < len(samples)-1 {
				fmt.Fprintln(w)
			}
		}
	}
}

// Server wraps the metrics HTTP server
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server on the given address
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", Global().Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server in background
func (s *Server) Start() error {
	go s.srv.ListenAndServe()
	return nil
}

// Stop gracefully shuts down the metrics server
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
