// Package config provides centralized configuration management.
// Every CRABRELAY_* variable is read here once; commands override fields from flags.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RelayEnv holds all crabrelay environment variables.
type RelayEnv struct {
	// Addr is the gateway listen address (CRABRELAY_ADDR)
	Addr string

	// PublicURL is the externally reachable base URL used to build ws_url (CRABRELAY_PUBLIC_URL)
	PublicURL string

	// DataDir holds the sqlite databases and alerts (CRABRELAY_DATA_DIR)
	DataDir string

	// MetricsAddr starts a standalone metrics server when set (CRABRELAY_METRICS_ADDR)
	MetricsAddr string

	// InternalToken guards the /internal/list routes when set (CRABRELAY_INTERNAL_TOKEN)
	InternalToken string

	// AllowedOrigins are glob patterns accepted on websocket upgrades (CRABRELAY_ALLOWED_ORIGINS)
	AllowedOrigins []string

	// IdleTTL is how long an idle session actor survives (CRABRELAY_IDLE_TTL)
	IdleTTL time.Duration

	// ReconnectGrace is how long desktops listed before a restart get to
	// reconnect before their entries are dropped (CRABRELAY_RECONNECT_GRACE)
	ReconnectGrace time.Duration

	// SignatureSkew is the accepted clock drift for device signatures (CRABRELAY_SIGNATURE_SKEW)
	SignatureSkew time.Duration

	// ViewerBuffer is the per-viewer outbox size (CRABRELAY_VIEWER_BUFFER)
	ViewerBuffer int

	// MailboxSize is the per-actor mailbox size (CRABRELAY_MAILBOX_SIZE)
	MailboxSize int

	// URL is the relay base URL used by CLI client commands (CRABRELAY_URL)
	URL string

	// Token is the mobile bearer token used by CLI client commands (CRABRELAY_TOKEN)
	Token string

	// DeviceID signs CLI client requests as a device (CRABRELAY_DEVICE_ID)
	DeviceID string

	// DeviceSecret is the raw device secret; only its hash is sent at registration (CRABRELAY_DEVICE_SECRET)
	DeviceSecret string
}

var (
	env     *RelayEnv
	envOnce sync.Once
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *RelayEnv {
	envOnce.Do(func() {
		env = &RelayEnv{
			Addr:           getEnvDefault("CRABRELAY_ADDR", ":8787"),
			PublicURL:      strings.TrimRight(os.Getenv("CRABRELAY_PUBLIC_URL"), "/"),
			DataDir:        getEnvDefault("CRABRELAY_DATA_DIR", GetPaths().Data),
			MetricsAddr:    os.Getenv("CRABRELAY_METRICS_ADDR"),
			InternalToken:  os.Getenv("CRABRELAY_INTERNAL_TOKEN"),
			AllowedOrigins: splitList(os.Getenv("CRABRELAY_ALLOWED_ORIGINS")),
			IdleTTL:        getEnvDuration("CRABRELAY_IDLE_TTL", 10*time.Minute),
			ReconnectGrace: getEnvDuration("CRABRELAY_RECONNECT_GRACE", time.Minute),
			SignatureSkew:  getEnvDuration("CRABRELAY_SIGNATURE_SKEW", 5*time.Minute),
			ViewerBuffer:   getEnvInt("CRABRELAY_VIEWER_BUFFER", 64),
			MailboxSize:    getEnvInt("CRABRELAY_MAILBOX_SIZE", 128),
			URL:            strings.TrimRight(getEnvDefault("CRABRELAY_URL", "http://localhost:8787"), "/"),
			Token:          os.Getenv("CRABRELAY_TOKEN"),
			DeviceID:       os.Getenv("CRABRELAY_DEVICE_ID"),
			DeviceSecret:   os.Getenv("CRABRELAY_DEVICE_SECRET"),
		}
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Paths holds standard crabrelay directory paths.
type Paths struct {
	// Home is the crabrelay home directory (~/.crabrelay)
	Home string

	// Data is the default data directory (~/.crabrelay/data)
	Data string

	// Alerts is the alerts directory (~/.crabrelay/alerts)
	Alerts string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		relayHome := filepath.Join(home, ".crabrelay")

		paths = &Paths{
			Home:   relayHome,
			Data:   filepath.Join(relayHome, "data"),
			Alerts: filepath.Join(relayHome, "alerts"),
		}
	})
	return paths
}

// StateDB is the actor state database path under dataDir.
func StateDB(dataDir string) string {
	return filepath.Join(dataDir, "actors.db")
}

// DirectoryDB is the directory database path under dataDir.
func DirectoryDB(dataDir string) string {
	return filepath.Join(dataDir, "directory.db")
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
