package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeDevices(); err != nil {
		return err
	}
	if err := c.normalizeExploitation(); err != nil {
		return err
	}
	c.normalizeGeneration()
	c.normalizeLogging()
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SignalPath) == "" {
		c.Paths.SignalPath = filepath.Join(c.Paths.StateDir, defaultSignalFile)
	}
	if c.Paths.SignalPath, err = expandPath(c.Paths.SignalPath); err != nil {
		return fmt.Errorf("paths.signal_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeDevices() error {
	roots := make([]string, 0, len(c.Devices.Roots))
	seen := make(map[string]struct{}, len(c.Devices.Roots))
	for _, root := range c.Devices.Roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		expanded, err := expandPath(strings.TrimSpace(root))
		if err != nil {
			return fmt.Errorf("devices.roots: %w", err)
		}
		if _, dup := seen[expanded]; dup {
			continue
		}
		seen[expanded] = struct{}{}
		roots = append(roots, expanded)
	}
	c.Devices.Roots = roots

	c.Devices.ArtifactDir = strings.Trim(strings.TrimSpace(c.Devices.ArtifactDir), "/")
	if c.Devices.ArtifactDir == "" {
		c.Devices.ArtifactDir = defaultArtifactDir
	}

	types := c.Devices.ExcludeFSTypes[:0]
	for _, fsType := range c.Devices.ExcludeFSTypes {
		if t := strings.ToLower(strings.TrimSpace(fsType)); t != "" {
			types = append(types, t)
		}
	}
	c.Devices.ExcludeFSTypes = types
	return nil
}

func (c *Config) normalizeGeneration() {
	c.Generation.Binary = strings.TrimSpace(c.Generation.Binary)
	c.Generation.AccountID = strings.TrimSpace(c.Generation.AccountID)
	if value, ok := os.LookupEnv("PLOTKEEPER_ACCOUNT_ID"); ok && strings.TrimSpace(value) != "" {
		c.Generation.AccountID = strings.TrimSpace(value)
	}
	if c.Generation.Threads <= 0 {
		c.Generation.Threads = runtime.NumCPU()
	}
	if c.Generation.LogThrottleSeconds < 0 {
		c.Generation.LogThrottleSeconds = 0
	}
}

func (c *Config) normalizeExploitation() error {
	var err error
	c.Exploitation.Binary = strings.TrimSpace(c.Exploitation.Binary)
	if c.Exploitation.ConfigTemplate, err = expandPath(strings.TrimSpace(c.Exploitation.ConfigTemplate)); err != nil {
		return fmt.Errorf("exploitation.config_template: %w", err)
	}
	if strings.TrimSpace(c.Exploitation.ConfigDir) == "" {
		c.Exploitation.ConfigDir = filepath.Join(c.Paths.StateDir, defaultMinerConfigDir)
	}
	if c.Exploitation.ConfigDir, err = expandPath(c.Exploitation.ConfigDir); err != nil {
		return fmt.Errorf("exploitation.config_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format != "json" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
	if c.Logging.HistoryRuns < 0 {
		c.Logging.HistoryRuns = 0
	}
}
