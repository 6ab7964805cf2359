// Package config loads pilotdeck configuration from a TOML file.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pilotdeck/pilotdeck/internal/logging"
)

var cfgLog = logging.ForComponent(logging.CompConfig)

// ConfigFileName is the config file name inside the base directory.
const ConfigFileName = "config.toml"

// Config is the top-level pilotdeck configuration.
// The zero value is not usable; call Default() or Load().
type Config struct {
	// BaseDir is the directory for all persisted state (event logs,
	// organization snapshots, chat history, log files). Passed explicitly
	// into every component constructor; there is no process-global path.
	BaseDir string `toml:"base_dir"`

	Watchdog WatchdogSettings `toml:"watchdog"`
	Bridge   BridgeSettings   `toml:"bridge"`
	Backend  BackendSettings  `toml:"backend"`
	Org      OrgSettings      `toml:"org"`
	Log      LogSettings      `toml:"log"`

	// MetricsEventKinds lists additional event kinds to classify as
	// metrics-only for watchdog purposes. Unknown kinds default to
	// progress, so a new backend event can never make a session appear
	// stuck by omission here.
	MetricsEventKinds []string `toml:"metrics_event_kinds"`
}

// WatchdogSettings defines timeout tiers and the poll cadence.
type WatchdogSettings struct {
	// PollIntervalSecs is the reaper poll interval (default: 10).
	// Invariant: poll interval * 2 <= quiescence tier.
	PollIntervalSecs int `toml:"poll_interval_secs"`

	// QuiescenceSecs is the shortest tier, applied to a resumed session
	// that has seen no events since restart (default: 30).
	QuiescenceSecs int `toml:"quiescence_secs"`

	// InactivitySecs is the default conversational tier (default: 120).
	InactivitySecs int `toml:"inactivity_secs"`

	// ToolExecutionSecs is the long tier for tool calls and multi-agent
	// delegation (default: 600).
	ToolExecutionSecs int `toml:"tool_execution_secs"`

	// MaxProcessingSecs is the absolute ceiling on a single turn,
	// regardless of activity (default: 1800). Must exceed the tool tier.
	MaxProcessingSecs int `toml:"max_processing_secs"`
}

// BridgeSettings defines bridge server and client endpoints.
type BridgeSettings struct {
	// ListenAddr is the server listen address (default: 127.0.0.1:8741).
	ListenAddr string `toml:"listen_addr"`

	// LANAddr is the local-network endpoint clients probe first.
	LANAddr string `toml:"lan_addr"`

	// TunnelAddr is the fallback endpoint when the LAN probe fails.
	TunnelAddr string `toml:"tunnel_addr"`

	// Token authorizes bridge connections when non-empty.
	Token string `toml:"token"`

	// ProbeTimeoutMillis bounds the LAN reachability probe (default: 800).
	ProbeTimeoutMillis int `toml:"probe_timeout_millis"`
}

// BackendSettings defines the external CLI adapter.
type BackendSettings struct {
	// Command is the CLI binary to invoke (default: "claude").
	Command string `toml:"command"`

	// AbortTimeoutMillis bounds the abort RPC so a hung abort cannot hang
	// the caller (default: 2000). Independent of the watchdog tiers.
	AbortTimeoutMillis int `toml:"abort_timeout_millis"`
}

// OrgSettings defines organization persistence behavior.
type OrgSettings struct {
	// DebounceMillis is the snapshot flush debounce window (default: 500).
	DebounceMillis int `toml:"debounce_millis"`
}

// LogSettings mirrors logging.Config for the TOML file.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Default returns a config with all defaults applied, rooted at baseDir.
// If baseDir is empty, ~/.pilotdeck is used.
func Default(baseDir string) Config {
	if baseDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			baseDir = filepath.Join(home, ".pilotdeck")
		} else {
			baseDir = ".pilotdeck"
		}
	}
	return Config{
		BaseDir: baseDir,
		Watchdog: WatchdogSettings{
			PollIntervalSecs:  10,
			QuiescenceSecs:    30,
			InactivitySecs:    120,
			ToolExecutionSecs: 600,
			MaxProcessingSecs: 1800,
		},
		Bridge: BridgeSettings{
			ListenAddr:         "127.0.0.1:8741",
			ProbeTimeoutMillis: 800,
		},
		Backend: BackendSettings{
			Command:            "claude",
			AbortTimeoutMillis: 2000,
		},
		Org: OrgSettings{
			DebounceMillis: 500,
		},
		Log: LogSettings{
			Level:    "info",
			Format:   "json",
			Compress: true,
		},
	}
}

// Load reads config.toml from baseDir, applying defaults for missing or
// invalid values. A missing or corrupt file yields the defaults; loading
// never fails.
func Load(baseDir string) Config {
	cfg := Default(baseDir)
	path := filepath.Join(cfg.BaseDir, ConfigFileName)

	if _, err := os.Stat(path); err != nil {
		return cfg
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		cfgLog.Warn("config_parse_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return Default(baseDir)
	}

	cfg.normalize(baseDir)
	return cfg
}

// normalize re-applies defaults for zero/invalid values and enforces the
// tier ordering invariants.
func (c *Config) normalize(baseDir string) {
	def := Default(baseDir)
	if c.BaseDir == "" {
		c.BaseDir = def.BaseDir
	}
	if c.Watchdog.PollIntervalSecs <= 0 {
		c.Watchdog.PollIntervalSecs = def.Watchdog.PollIntervalSecs
	}
	if c.Watchdog.QuiescenceSecs <= 0 {
		c.Watchdog.QuiescenceSecs = def.Watchdog.QuiescenceSecs
	}
	if c.Watchdog.InactivitySecs <= 0 {
		c.Watchdog.InactivitySecs = def.Watchdog.InactivitySecs
	}
	if c.Watchdog.ToolExecutionSecs <= 0 {
		c.Watchdog.ToolExecutionSecs = def.Watchdog.ToolExecutionSecs
	}
	if c.Watchdog.MaxProcessingSecs <= 0 {
		c.Watchdog.MaxProcessingSecs = def.Watchdog.MaxProcessingSecs
	}

	// The poll loop must sample each tier at least twice before it can fire.
	if c.Watchdog.PollIntervalSecs*2 > c.Watchdog.QuiescenceSecs {
		c.Watchdog.PollIntervalSecs = c.Watchdog.QuiescenceSecs / 2
		if c.Watchdog.PollIntervalSecs < 1 {
			c.Watchdog.PollIntervalSecs = 1
		}
	}
	// The absolute ceiling is a safety net above the longest tier.
	if c.Watchdog.MaxProcessingSecs <= c.Watchdog.ToolExecutionSecs {
		c.Watchdog.MaxProcessingSecs = c.Watchdog.ToolExecutionSecs * 3
	}

	if c.Bridge.ListenAddr == "" {
		c.Bridge.ListenAddr = def.Bridge.ListenAddr
	}
	if c.Bridge.ProbeTimeoutMillis <= 0 {
		c.Bridge.ProbeTimeoutMillis = def.Bridge.ProbeTimeoutMillis
	}
	if c.Backend.Command == "" {
		c.Backend.Command = def.Backend.Command
	}
	if c.Backend.AbortTimeoutMillis <= 0 {
		c.Backend.AbortTimeoutMillis = def.Backend.AbortTimeoutMillis
	}
	if c.Org.DebounceMillis <= 0 {
		c.Org.DebounceMillis = def.Org.DebounceMillis
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// PollInterval returns the watchdog poll interval as a duration.
func (w WatchdogSettings) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSecs) * time.Second
}

// Quiescence returns the quiescence tier as a duration.
func (w WatchdogSettings) Quiescence() time.Duration {
	return time.Duration(w.QuiescenceSecs) * time.Second
}

// Inactivity returns the inactivity tier as a duration.
func (w WatchdogSettings) Inactivity() time.Duration {
	return time.Duration(w.InactivitySecs) * time.Second
}

// ToolExecution returns the tool-execution tier as a duration.
func (w WatchdogSettings) ToolExecution() time.Duration {
	return time.Duration(w.ToolExecutionSecs) * time.Second
}

// MaxProcessing returns the absolute processing ceiling as a duration.
func (w WatchdogSettings) MaxProcessing() time.Duration {
	return time.Duration(w.MaxProcessingSecs) * time.Second
}

// ProbeTimeout returns the LAN probe timeout as a duration.
func (b BridgeSettings) ProbeTimeout() time.Duration {
	return time.Duration(b.ProbeTimeoutMillis) * time.Millisecond
}

// AbortTimeout returns the abort RPC timeout as a duration.
func (b BackendSettings) AbortTimeout() time.Duration {
	return time.Duration(b.AbortTimeoutMillis) * time.Millisecond
}

// Debounce returns the organization snapshot debounce window.
func (o OrgSettings) Debounce() time.Duration {
	return time.Duration(o.DebounceMillis) * time.Millisecond
}
