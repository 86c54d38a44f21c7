package canvasd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigFileName is the YAML config file canvasd looks for in
// its config directory when --config is not given.
const DefaultConfigFileName = "canvasd.yaml"

// DefaultConfigDir returns the per-user config directory, honoring
// CANVASD_CONFIG_DIR when set.
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("CANVASD_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".canvasd"), nil
}

const (
	// DefaultListen is the default TCP endpoint the relay binds to.
	DefaultListen = ":9440"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultStore points the relay at the in-memory document store when no store is provided.
	DefaultStore = "mem://"
	// DefaultLockTTL is how long an advisory shape lock is honored without renewal.
	DefaultLockTTL = 10 * time.Second
	// DefaultSweepInterval sets the tick frequency of the lock-expiry sweeper.
	// Kept at half the lock TTL so a stale lock never lingers visibly long.
	DefaultSweepInterval = DefaultLockTTL / 2
	// DefaultPresenceTTL is the heartbeat window after which a silent peer counts as offline.
	DefaultPresenceTTL = 20 * time.Second
	// DefaultHeartbeatInterval is how often a session republishes its presence record.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultCursorMinInterval throttles cursor publications to roughly 25 per second.
	DefaultCursorMinInterval = 40 * time.Millisecond
	// DefaultCursorMinDelta lets a cursor jump of at least this many canvas units bypass the throttle.
	DefaultCursorMinDelta = 48.0
	// DefaultHistoryLimit bounds the per-session undo and redo stacks.
	DefaultHistoryLimit = 256
	// DefaultAutosaveDebounce is how long the relay waits after the last mutation before persisting the document.
	DefaultAutosaveDebounce = 2 * time.Second
	// DefaultDrainGrace is the grace period granted before relay shutdown begins closing connections.
	DefaultDrainGrace = 10 * time.Second
	// DefaultReconnectMaxInterval caps the session's exponential reconnect backoff.
	DefaultReconnectMaxInterval = 30 * time.Second
)

// Config carries every tunable for a canvasd process, relay and embedded
// sessions alike. Zero values mean "use the default"; Validate fills
// them in and rejects contradictions.
type Config struct {
	// Listen is the relay bind address (for example ":9440").
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// Store is the document store DSN (mem://, bolt://path, postgres://..., s3://host/bucket[/prefix]).
	Store string
	// Redis is the redis address for the multi-relay bus; empty selects the in-process bus.
	Redis string
	// LockTTL is the advisory shape lock timeout.
	LockTTL time.Duration
	// SweepInterval controls lock-expiry sweep cadence; zero derives LockTTL/2.
	SweepInterval time.Duration
	// PresenceTTL is the peer liveness window.
	PresenceTTL time.Duration
	// HeartbeatInterval is the presence republish cadence.
	HeartbeatInterval time.Duration
	// CursorMinInterval is the minimum delay between cursor publications.
	CursorMinInterval time.Duration
	// CursorMinDelta is the positional jump that bypasses the cursor throttle; zero disables the bypass.
	CursorMinDelta float64
	// HistoryLimit bounds undo/redo stack depth; zero means DefaultHistoryLimit.
	HistoryLimit int
	// AutosaveDebounce is the settle time before the relay persists a mutated canvas.
	AutosaveDebounce time.Duration
	// DrainGrace is the shutdown grace before client connections are closed.
	DrainGrace time.Duration
	// ReconnectMaxInterval caps session reconnect backoff.
	ReconnectMaxInterval time.Duration
}

// Validate fills defaults and rejects inconsistent settings. It mutates
// the receiver so a zero Config becomes a runnable one.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	} else if c.LockTTL < 0 {
		return fmt.Errorf("config: lock ttl must be > 0")
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = c.LockTTL / 2
	} else if c.SweepInterval < 0 {
		return fmt.Errorf("config: sweep interval must be > 0")
	}
	if c.SweepInterval > c.LockTTL {
		return fmt.Errorf("config: sweep interval must not exceed lock ttl")
	}
	if c.PresenceTTL == 0 {
		c.PresenceTTL = DefaultPresenceTTL
	} else if c.PresenceTTL < 0 {
		return fmt.Errorf("config: presence ttl must be > 0")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	} else if c.HeartbeatInterval < 0 {
		return fmt.Errorf("config: heartbeat interval must be > 0")
	}
	if c.HeartbeatInterval >= c.PresenceTTL {
		return fmt.Errorf("config: heartbeat interval must be shorter than presence ttl")
	}
	if c.CursorMinInterval == 0 {
		c.CursorMinInterval = DefaultCursorMinInterval
	} else if c.CursorMinInterval < 0 {
		return fmt.Errorf("config: cursor min interval must be > 0")
	}
	if c.CursorMinDelta == 0 {
		c.CursorMinDelta = DefaultCursorMinDelta
	} else if c.CursorMinDelta < 0 {
		c.CursorMinDelta = 0
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	} else if c.HistoryLimit < 0 {
		return fmt.Errorf("config: history limit must be > 0")
	}
	if c.AutosaveDebounce == 0 {
		c.AutosaveDebounce = DefaultAutosaveDebounce
	} else if c.AutosaveDebounce < 0 {
		return fmt.Errorf("config: autosave debounce must be > 0")
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	} else if c.DrainGrace < 0 {
		return fmt.Errorf("config: drain grace must be > 0")
	}
	if c.ReconnectMaxInterval == 0 {
		c.ReconnectMaxInterval = DefaultReconnectMaxInterval
	} else if c.ReconnectMaxInterval < 0 {
		return fmt.Errorf("config: reconnect max interval must be > 0")
	}
	return nil
}
