package generation

import (
	"strconv"
	"time"

	"plotkeeper/internal/config"
	"plotkeeper/internal/runner"
)

// CommandConfig holds the plotter invocation settings.
type CommandConfig struct {
	Binary      string
	AccountID   string
	Threads     int
	MemoryGB    int
	LogThrottle time.Duration
}

// CommandConfigFromConfig extracts plotter settings from the generation section.
func CommandConfigFromConfig(g config.Generation) CommandConfig {
	return CommandConfig{
		Binary:      g.Binary,
		AccountID:   g.AccountID,
		Threads:     g.Threads,
		MemoryGB:    g.MemoryGB,
		LogThrottle: g.LogThrottle(),
	}
}

// Build returns the plotter command writing count units from start into dir.
func (c CommandConfig) Build(dir string, start, count uint64) runner.Command {
	return runner.Command{
		Name:   "plotter",
		Binary: c.Binary,
		Args: []string{
			"-id", c.AccountID,
			"-sn", strconv.FormatUint(start, 10),
			"-n", strconv.FormatUint(count, 10),
			"-t", strconv.Itoa(c.Threads),
			"-path", dir,
			"-mem", strconv.Itoa(c.MemoryGB) + "G",
		},
		Throttle: c.LogThrottle,
	}
}
