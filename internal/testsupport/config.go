package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"plotkeeper/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Poll intervals are shortened to one second and the API is bound to an
// ephemeral port.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Generation.AccountID = "1234567890"
	cfgVal.Generation.Threads = 1
	cfgVal.Generation.LogThrottleSeconds = 0
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.SignalPath = filepath.Join(base, "state", "activity.signal")
	cfgVal.Exploitation.ConfigDir = filepath.Join(base, "state", "miner")
	cfgVal.Devices.Hotplug = false
	cfgVal.Monitor = config.Monitor{
		DiskPollInterval:     1,
		ActivityPollInterval: 1,
		IdleThreshold:        1,
		IdlePollInterval:     1,
	}
	cfgVal.API.Bind = "127.0.0.1:0"

	builder := &configBuilder{t: t, baseDir: base, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithDeviceRoots creates the named directories under the temp base and uses
// them as explicit device roots.
func WithDeviceRoots(names ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Devices.Roots = nil
		for _, name := range names {
			root := filepath.Join(b.baseDir, "devices", name)
			if err := os.MkdirAll(root, 0o755); err != nil {
				b.t.Fatalf("mkdir device root: %v", err)
			}
			b.cfg.Devices.Roots = append(b.cfg.Devices.Roots, root)
		}
	}
}

// WithStubbedBinaries writes executables that sleep until killed and points
// the plotter and miner at them.
func WithStubbedBinaries() ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\necho started \"$@\"\nexec sleep 60\n")
		for _, name := range []string{"plotter", "miner"} {
			if err := os.WriteFile(filepath.Join(binDir, name), script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.cfg.Generation.Binary = filepath.Join(binDir, "plotter")
		b.cfg.Exploitation.Binary = filepath.Join(binDir, "miner")
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
