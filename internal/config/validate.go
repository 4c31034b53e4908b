package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCapacity(); err != nil {
		return err
	}
	if err := c.validateMonitor(); err != nil {
		return err
	}
	if err := c.validateGeneration(); err != nil {
		return err
	}
	if err := c.validateExploitation(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateCapacity() error {
	cp := c.Capacity
	if cp.MinFreePercent <= 0 || cp.MinFreePercent >= 100 {
		return errors.New("capacity.min_free_percent must be between 0 and 100 (exclusive)")
	}
	if cp.SmallDivisor == 0 || cp.BigDivisor == 0 {
		return errors.New("capacity.small_divisor and capacity.big_divisor must be positive")
	}
	if cp.BigDivisor > cp.SmallDivisor {
		return errors.New("capacity.big_divisor must not exceed capacity.small_divisor (big artifacts are the larger ones)")
	}
	if cp.UnitSize == 0 {
		return errors.New("capacity.unit_size must be positive")
	}
	if cp.AverageArtifactCapacity == 0 || cp.PoolCapacity < cp.AverageArtifactCapacity {
		return errors.New("capacity.pool_capacity must be at least capacity.average_artifact_capacity, which must be positive")
	}
	return nil
}

func (c *Config) validateMonitor() error {
	return ensurePositiveMap(map[string]int{
		"monitor.disk_poll_interval":     c.Monitor.DiskPollInterval,
		"monitor.activity_poll_interval": c.Monitor.ActivityPollInterval,
		"monitor.idle_threshold":         c.Monitor.IdleThreshold,
		"monitor.idle_poll_interval":     c.Monitor.IdlePollInterval,
	})
}

func (c *Config) validateGeneration() error {
	if c.Generation.Binary == "" {
		return errors.New("generation.binary must be set")
	}
	if c.Generation.AccountID == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("generation.account_id is required. Set PLOTKEEPER_ACCOUNT_ID or edit %s (create with 'plotkeeper config init')", defaultPath)
	}
	for _, r := range c.Generation.AccountID {
		if r < '0' || r > '9' {
			return errors.New("generation.account_id must be numeric")
		}
	}
	if err := ensurePositiveMap(map[string]int{
		"generation.threads":               c.Generation.Threads,
		"generation.memory_gb":             c.Generation.MemoryGB,
		"generation.retry_backoff_seconds": c.Generation.RetryBackoffSeconds,
	}); err != nil {
		return err
	}
	if c.Generation.RetryBackoffMaxSeconds < c.Generation.RetryBackoffSeconds {
		return errors.New("generation.retry_backoff_max_seconds must be at least generation.retry_backoff_seconds")
	}
	return nil
}

func (c *Config) validateExploitation() error {
	if c.Exploitation.Binary == "" {
		return errors.New("exploitation.binary must be set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", strings.TrimSpace(c.Logging.Level))
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
