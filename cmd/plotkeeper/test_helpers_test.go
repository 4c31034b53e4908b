package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"plotkeeper/internal/config"
	"plotkeeper/internal/daemon"
	"plotkeeper/internal/ipc"
	"plotkeeper/internal/logging"
	"plotkeeper/internal/storage"
	"plotkeeper/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	stub       *testsupport.StubRunner
	socketPath string
	configPath string
	root       string
}

// newCLIConfig writes a config file for a single device root without
// starting a daemon.
func newCLIConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := testsupport.NewConfig(t, testsupport.WithDeviceRoots("a"), testsupport.WithStubbedBinaries())
	cfg.API.Bind = ""
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	return cfg, configPath
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg, configPath := newCLIConfig(t)
	root := cfg.Devices.Roots[0]
	prober := testsupport.NewFakeProber()
	prober.Set(root, 1000, 150)
	stub := testsupport.NewStubRunner().BlockNamed("miner")

	logger := logging.NewNop()
	d, err := daemon.New(cfg, logger,
		daemon.WithRunner(stub),
		daemon.WithProber(prober),
		daemon.WithDiscover(func(storage.DiscoverOptions) ([]storage.Device, error) {
			return []storage.Device{{Path: root}}, nil
		}))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("daemon Start: %v", err)
	}

	srv, err := ipc.NewServer(ctx, cfg.SocketPath(), d, logger)
	if err != nil {
		cancel()
		d.Close()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Close()
	})

	waitFor(t, defaultWait, func() bool {
		return d.Status(context.Background()).Exploitation.Running && len(stub.CallsNamed("miner")) > 0
	})

	return &cliTestEnv{
		cfg:        cfg,
		daemon:     d,
		stub:       stub,
		socketPath: cfg.SocketPath(),
		configPath: configPath,
		root:       root,
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if socket != "" {
		flags = append(flags, "--socket", socket)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

const defaultWait = 5 * time.Second

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
