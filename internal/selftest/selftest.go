// Package selftest diagnoses a relay installation: data directory, the two
// databases, alerts and, when a URL is given, the running relay.
package selftest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/joss/crabrelay/internal/alerts"
	"github.com/joss/crabrelay/internal/config"
	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/store"
)

// ErrDegraded marks a check result that is a warning rather than a failure.
var ErrDegraded = errors.New("degraded")

// Component states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// Check is one named diagnostic. Fn returns a short detail on success.
type Check struct {
	Name string
	Fn   func(ctx context.Context) (string, error)
}

// ComponentStatus is the outcome of one check.
type ComponentStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Latency int64  `json:"latency_ms"`
	Error   string `json:"error,omitempty"`
}

// Report is the outcome of a diagnostic run.
type Report struct {
	Status     string            `json:"status"` // healthy, degraded, unhealthy
	HasTTY     bool              `json:"tty"`
	Components []ComponentStatus `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// Run executes checks concurrently, each bounded by timeout.
func Run(ctx context.Context, checks []Check, timeout time.Duration) *Report {
	report := &Report{
		Status:    "healthy",
		HasTTY:    term.IsTerminal(int(os.Stdin.Fd())),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, c := range checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			result := runCheck(ctx, c, timeout)
			mu.Lock()
			report.Components = append(report.Components, result)
			switch {
			case result.Status == StatusError:
				report.Status = "unhealthy"
			case result.Status == StatusDegraded && report.Status == "healthy":
				report.Status = "degraded"
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}

func runCheck(ctx context.Context, c Check, timeout time.Duration) ComponentStatus {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	detail, err := c.Fn(ctx)
	out := ComponentStatus{
		Name:    c.Name,
		Status:  StatusOK,
		Detail:  detail,
		Latency: time.Since(start).Milliseconds(),
	}
	switch {
	case errors.Is(err, ErrDegraded):
		out.Status = StatusDegraded
		out.Error = err.Error()
	case err != nil:
		out.Status = StatusError
		out.Error = err.Error()
	}
	return out
}

// Healthy reports whether no check failed.
func (r *Report) Healthy() bool {
	return r.Status != "unhealthy"
}

// Summary returns a human-readable report.
func (r *Report) Summary() string {
	var sb strings.Builder

	sb.WriteString("CRABRELAY ENVIRONMENT CHECK\n")
	sb.WriteString(strings.Repeat("─", 40) + "\n")

	for _, c := range r.Components {
		icon := "✓"
		switch c.Status {
		case StatusDegraded:
			icon = "⚠"
		case StatusError:
			icon = "✗"
		}
		line := fmt.Sprintf("%s %-13s %5dms", icon, c.Name, c.Latency)
		if c.Detail != "" {
			line += "  " + c.Detail
		}
		if c.Error != "" {
			line += "  " + c.Error
		}
		sb.WriteString(line + "\n")
	}

	sb.WriteString("\n")
	switch r.Status {
	case "healthy":
		sb.WriteString("Status: HEALTHY\n")
	case "degraded":
		sb.WriteString("Status: DEGRADED\n")
	default:
		sb.WriteString("Status: UNHEALTHY - fix errors above\n")
	}
	return sb.String()
}

// QuickCheck returns a one-line status.
func (r *Report) QuickCheck() string {
	var failed []string
	for _, c := range r.Components {
		if c.Status != StatusOK {
			failed = append(failed, c.Name+":"+c.Status)
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("%s (%d checks)", r.Status, len(r.Components))
	}
	return fmt.Sprintf("%s: %s", r.Status, strings.Join(failed, " "))
}

// DefaultChecks diagnoses the installation under dataDir. ping, when not
// nil, probes a running relay; an unreachable relay is a warning.
func DefaultChecks(dataDir string, ping func(ctx context.Context) error) []Check {
	checks := []Check{
		{Name: "data_dir", Fn: func(ctx context.Context) (string, error) {
			return checkDataDir(dataDir)
		}},
		{Name: "state_db", Fn: func(ctx context.Context) (string, error) {
			return checkStateDB(ctx, config.StateDB(dataDir))
		}},
		{Name: "directory_db", Fn: func(ctx context.Context) (string, error) {
			return checkDirectoryDB(ctx, config.DirectoryDB(dataDir))
		}},
		{Name: "alerts", Fn: func(ctx context.Context) (string, error) {
			return checkAlerts(alerts.Global().GetActive())
		}},
	}
	if ping != nil {
		checks = append(checks, Check{Name: "relay", Fn: func(ctx context.Context) (string, error) {
			if err := ping(ctx); err != nil {
				return "", fmt.Errorf("%w: %v", ErrDegraded, err)
			}
			return "reachable", nil
		}})
	}
	return checks
}

func checkDataDir(dir string) (string, error) {
	if err := config.EnsureDir(dir); err != nil {
		return "", err
	}
	probe := filepath.Join(dir, ".doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return "", fmt.Errorf("not writable: %w", err)
	}
	os.Remove(probe)
	return dir, nil
}

func checkStateDB(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s not created yet", ErrDegraded, filepath.Base(path))
	}
	s, err := store.OpenSQLite(path)
	if err != nil {
		return "", err
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		return "", err
	}
	keys, err := s.Keys(ctx, "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d persisted actors", len(keys)), nil
}

func checkDirectoryDB(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s not created yet", ErrDegraded, filepath.Base(path))
	}
	d, err := directory.Open(path)
	if err != nil {
		return "", err
	}
	defer d.Close()
	if err := d.Ping(ctx); err != nil {
		return "", err
	}
	devices, err := d.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d devices", len(devices)), nil
}

func checkAlerts(active []alerts.Alert) (string, error) {
	errs := 0
	for _, a := range active {
		if a.Level.Serious() {
			errs++
		}
	}
	if errs > 0 {
		return "", fmt.Errorf("%w: %d unresolved error alerts", ErrDegraded, errs)
	}
	return fmt.Sprintf("%d active", len(active)), nil
}
