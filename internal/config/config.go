package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and file locations used by the daemon.
type Paths struct {
	LogDir     string `toml:"log_dir"`
	StateDir   string `toml:"state_dir"`
	SignalPath string `toml:"signal_path"`
}

// Devices selects which mounted filesystems take part in arbitration.
type Devices struct {
	// Roots lists mount points explicitly. Empty means discover every fixed
	// local filesystem from the mount table.
	Roots []string `toml:"roots"`
	// ArtifactDir is the directory, relative to each root, that holds artifacts.
	ArtifactDir    string   `toml:"artifact_dir"`
	ExcludeFSTypes []string `toml:"exclude_fs_types"`
	// Hotplug enables udev monitoring for block devices appearing or vanishing.
	Hotplug bool `toml:"hotplug"`
}

// Capacity describes the free-space policy and artifact sizing.
type Capacity struct {
	MinFreePercent float64 `toml:"min_free_percent"`
	SmallDivisor   uint64  `toml:"small_divisor"`
	BigDivisor     uint64  `toml:"big_divisor"`
	// UnitSize is the number of bytes one indexed unit occupies on disk.
	UnitSize uint64 `toml:"unit_size"`
	// PoolCapacity and AverageArtifactCapacity bound the random starting
	// index chosen for a device with no artifacts.
	PoolCapacity            uint64 `toml:"pool_capacity"`
	AverageArtifactCapacity uint64 `toml:"average_artifact_capacity"`
}

// Monitor contains polling intervals and the idle threshold, all in seconds.
type Monitor struct {
	DiskPollInterval     int `toml:"disk_poll_interval"`
	ActivityPollInterval int `toml:"activity_poll_interval"`
	IdleThreshold        int `toml:"idle_threshold"`
	IdlePollInterval     int `toml:"idle_poll_interval"`
}

// Generation configures the external plotter.
type Generation struct {
	Binary             string `toml:"binary"`
	AccountID          string `toml:"account_id"`
	Threads            int    `toml:"threads"`
	MemoryGB           int    `toml:"memory_gb"`
	LogThrottleSeconds int    `toml:"log_throttle_seconds"`

	// RetryBackoffSeconds is the pause after a failed pass; it doubles per
	// consecutive failure up to RetryBackoffMaxSeconds.
	RetryBackoffSeconds    int `toml:"retry_backoff_seconds"`
	RetryBackoffMaxSeconds int `toml:"retry_backoff_max_seconds"`
}

// Exploitation configures the external miner.
type Exploitation struct {
	Binary string `toml:"binary"`
	// ConfigTemplate is an optional YAML file whose plot_dirs entry is
	// replaced on every restart. Empty uses the built-in template.
	ConfigTemplate string `toml:"config_template"`
	ConfigDir      string `toml:"config_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`

	// HistoryRuns is how many finished runs the history ledger keeps. 0 keeps
	// every run.
	HistoryRuns int `toml:"history_runs"`
}

// API contains the HTTP status server settings. An empty bind disables it.
type API struct {
	Bind string `toml:"bind"`
}

// Config encapsulates all configuration values for plotkeeper.
//
// Configuration sections by subsystem:
//   - Paths: log, state and activity signal locations
//   - Devices: which filesystems are arbitrated
//   - Capacity: free-space threshold and artifact sizing
//   - Monitor: poll intervals and idle threshold
//   - Generation: plotter invocation
//   - Exploitation: miner invocation
//   - Logging: log format, level, and retention
//   - API: HTTP status endpoint
type Config struct {
	Paths        Paths        `toml:"paths"`
	Devices      Devices      `toml:"devices"`
	Capacity     Capacity     `toml:"capacity"`
	Monitor      Monitor      `toml:"monitor"`
	Generation   Generation   `toml:"generation"`
	Exploitation Exploitation `toml:"exploitation"`
	Logging      Logging      `toml:"logging"`
	API          API          `toml:"api"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("plotkeeper.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the log, state and miner config directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.LogDir, c.Paths.StateDir, c.Exploitation.ConfigDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string { return filepath.Join(c.Paths.StateDir, "plotkeeperd.lock") }

// SocketPath is the unix socket served by the daemon for CLI control.
func (c *Config) SocketPath() string { return filepath.Join(c.Paths.StateDir, "plotkeeper.sock") }

// PIDPath is the pid file written by the daemon process.
func (c *Config) PIDPath() string { return filepath.Join(c.Paths.StateDir, "plotkeeperd.pid") }

// HistoryPath is the sqlite job history database.
func (c *Config) HistoryPath() string { return filepath.Join(c.Paths.StateDir, "history.db") }

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

// DiskPoll is the disk monitor interval.
func (m Monitor) DiskPoll() time.Duration { return seconds(m.DiskPollInterval) }

// ActivityPoll is the activity monitor fallback poll interval.
func (m Monitor) ActivityPoll() time.Duration { return seconds(m.ActivityPollInterval) }

// Idle is the inactivity duration after which the machine counts as idle.
func (m Monitor) Idle() time.Duration { return seconds(m.IdleThreshold) }

// IdlePoll is how often the idle detector re-checks.
func (m Monitor) IdlePoll() time.Duration { return seconds(m.IdlePollInterval) }

// LogThrottle is the minimum spacing between logged external process lines.
func (g Generation) LogThrottle() time.Duration { return seconds(g.LogThrottleSeconds) }

// RetryBackoff is the base pause after a failed generation pass.
func (g Generation) RetryBackoff() time.Duration { return seconds(g.RetryBackoffSeconds) }

// RetryBackoffMax caps the doubled retry pause.
func (g Generation) RetryBackoffMax() time.Duration { return seconds(g.RetryBackoffMaxSeconds) }

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
