package exploitation_test

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/exploitation"
	"plotkeeper/internal/runner"
	"plotkeeper/internal/storage"
	"plotkeeper/internal/testsupport"
)

type harness struct {
	bus    *bus.Bus
	runner *testsupport.StubRunner
	sup    *exploitation.Supervisor

	mu      sync.Mutex
	configs []string
}

func newHarness(t *testing.T, stub *testsupport.StubRunner, relaunch time.Duration) *harness {
	t.Helper()
	h := &harness{bus: bus.New(nil), runner: stub}
	stub.OnRun(func(cmd runner.Command) {
		idx := slices.Index(cmd.Args, "--config")
		if idx < 0 {
			return
		}
		data, err := os.ReadFile(cmd.Args[idx+1])
		if err != nil {
			return
		}
		h.mu.Lock()
		h.configs = append(h.configs, string(data))
		h.mu.Unlock()
	})
	h.sup = exploitation.NewSupervisor(exploitation.SupervisorDeps{
		Bus:           h.bus,
		Runner:        stub,
		Writer:        exploitation.NewConfigWriter("", t.TempDir()),
		Binary:        "miner",
		ArtifactDir:   "plots",
		RelaunchDelay: relaunch,
	})
	h.sup.Start(context.Background())
	t.Cleanup(h.sup.Stop)
	return h
}

func (h *harness) config(i int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.configs) {
		return ""
	}
	return h.configs[i]
}

func awaitStart(t *testing.T, stub *testsupport.StubRunner) {
	t.Helper()
	select {
	case <-stub.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("miner did not start")
	}
}

var (
	devA = storage.Device{Path: "/mnt/a"}
	devB = storage.Device{Path: "/mnt/b"}
)

func TestSupervisorRestartReplacesMiner(t *testing.T) {
	h := newHarness(t, testsupport.NewStubRunner().Blocking(), 0)

	h.bus.Publish(bus.Restart([]storage.Device{devA}, 1))
	awaitStart(t, h.runner)
	h.bus.Publish(bus.Restart([]storage.Device{devA, devB}, 2))
	awaitStart(t, h.runner)

	if calls := len(h.runner.Calls()); calls != 2 {
		t.Fatalf("expected one cancel and one new job (2 runs), got %d", calls)
	}
	if h.runner.MaxConcurrent() != 1 {
		t.Fatalf("at most one miner may run, saw %d", h.runner.MaxConcurrent())
	}
	second := h.config(1)
	if !strings.Contains(second, "'/mnt/a/plots'") || !strings.Contains(second, "'/mnt/b/plots'") {
		t.Fatalf("second miner config should list both devices:\n%s", second)
	}
	st := h.sup.Status()
	if !st.Running || st.Version != 2 || len(st.Devices) != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSupervisorEmptySetStopsMiner(t *testing.T) {
	h := newHarness(t, testsupport.NewStubRunner().Blocking(), 0)

	h.bus.Publish(bus.Restart([]storage.Device{devA}, 1))
	awaitStart(t, h.runner)
	h.bus.Publish(bus.Restart(nil, 2))

	if h.runner.Active() != 0 {
		t.Fatal("empty set must stop the miner before Publish returns")
	}
	if h.sup.Status().Running {
		t.Fatal("supervisor should report no running miner")
	}
	if len(h.runner.Calls()) != 1 {
		t.Fatal("empty set must not launch a miner")
	}
}

func TestSupervisorIgnoresStaleVersions(t *testing.T) {
	h := newHarness(t, testsupport.NewStubRunner().Blocking(), 0)

	h.bus.Publish(bus.Restart([]storage.Device{devA, devB}, 3))
	awaitStart(t, h.runner)
	h.bus.Publish(bus.Restart([]storage.Device{devA}, 2))
	h.bus.Publish(bus.Restart([]storage.Device{devA}, 3))

	if len(h.runner.Calls()) != 1 {
		t.Fatalf("stale restarts must be ignored, got %d runs", len(h.runner.Calls()))
	}
	if st := h.sup.Status(); st.Version != 3 || len(st.Devices) != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSupervisorAppliesUnversionedRestart(t *testing.T) {
	h := newHarness(t, testsupport.NewStubRunner().Blocking(), 0)

	h.bus.Publish(bus.Restart([]storage.Device{devA, devB}, 0))
	awaitStart(t, h.runner)
	if st := h.sup.Status(); !st.Running || len(st.Devices) != 2 || st.Version != 0 {
		t.Fatalf("unversioned restart should launch over both devices, got %+v", st)
	}

	h.bus.Publish(bus.Restart([]storage.Device{devA}, 4))
	awaitStart(t, h.runner)
	h.bus.Publish(bus.Restart([]storage.Device{devB}, 0))
	awaitStart(t, h.runner)

	st := h.sup.Status()
	if st.Version != 4 || !slices.Equal(st.Devices, []string{devB.Path}) {
		t.Fatalf("unversioned restart should apply without moving the version, got %+v", st)
	}
	h.bus.Publish(bus.Restart([]storage.Device{devA}, 3))
	if len(h.runner.Calls()) != 3 {
		t.Fatalf("versions at or below 4 must still be stale, got %d runs", len(h.runner.Calls()))
	}
}

func TestBlockHandshakeStopsMinerInline(t *testing.T) {
	h := newHarness(t, testsupport.NewStubRunner().Blocking(), 0)
	sched := exploitation.NewScheduler(h.bus, nil)
	sched.Start()
	defer sched.Close()

	h.bus.Publish(bus.ForDevice(bus.GenerationComplete, devA))
	h.bus.Publish(bus.ForDevice(bus.GenerationComplete, devB))
	awaitStart(t, h.runner)
	awaitStart(t, h.runner)

	h.bus.Publish(bus.ForDevice(bus.GenerationInProgress, devA))
	if sched.Contains(devA.Path) {
		t.Fatal("device about to generate is still in the exploitation set")
	}
	for _, d := range h.sup.Status().Devices {
		if d == devA.Path {
			t.Fatal("running miner still scans the generating device")
		}
	}
	if got := h.sup.Status().Devices; len(got) != 1 || got[0] != devB.Path {
		t.Fatalf("expected the miner to be relaunched over the remaining device, got %v", got)
	}
	awaitStart(t, h.runner)
	if h.runner.MaxConcurrent() != 1 {
		t.Fatalf("at most one miner may run, saw %d", h.runner.MaxConcurrent())
	}
}

func TestSupervisorRelaunchesExitedMiner(t *testing.T) {
	stub := testsupport.NewStubRunner()
	h := newHarness(t, stub, 10*time.Millisecond)

	h.bus.Publish(bus.Restart([]storage.Device{devA}, 1))
	awaitStart(t, stub)
	awaitStart(t, stub)

	h.sup.Stop()
	settled := len(stub.Calls())
	time.Sleep(50 * time.Millisecond)
	if len(stub.Calls()) != settled {
		t.Fatal("miner relaunched after Stop")
	}
}
