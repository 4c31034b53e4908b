package exploitation_test

import (
	"testing"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/exploitation"
	"plotkeeper/internal/storage"
)

func captureRestarts(b *bus.Bus) *[]bus.Notification {
	var seen []bus.Notification
	b.Subscribe(bus.RestartExploitation, func(n bus.Notification) { seen = append(seen, n) })
	return &seen
}

func TestSchedulerSetTransitions(t *testing.T) {
	b := bus.New(nil)
	restarts := captureRestarts(b)
	s := exploitation.NewScheduler(b, nil)
	s.Start()
	defer s.Close()

	a := storage.Device{Path: "/mnt/a"}
	c := storage.Device{Path: "/mnt/c"}

	b.Publish(bus.ForDevice(bus.GenerationComplete, c))
	b.Publish(bus.ForDevice(bus.GenerationComplete, a))
	if got := storage.Paths(s.Devices()); len(got) != 2 || got[0] != "/mnt/a" || got[1] != "/mnt/c" {
		t.Fatalf("unexpected set %v", got)
	}

	b.Publish(bus.ForDevice(bus.ExploitationBlockedForDevice, storage.Device{Path: "/mnt/missing"}))
	if len(*restarts) != 2 {
		t.Fatalf("removing an absent device must not publish, got %d restarts", len(*restarts))
	}

	b.Publish(bus.ForDevice(bus.SpaceInsufficient, c))
	if s.Contains("/mnt/c") {
		t.Fatal("SpaceInsufficient should block the device")
	}
	b.Publish(bus.ForDevice(bus.GenerationInProgress, a))
	if s.Contains("/mnt/a") {
		t.Fatal("GenerationInProgress should block the device")
	}

	got := *restarts
	if len(got) != 4 {
		t.Fatalf("expected 4 restarts, got %d", len(got))
	}
	for i, n := range got {
		if n.Version != uint64(i+1) {
			t.Fatalf("restart %d version = %d, want %d", i, n.Version, i+1)
		}
	}
	if last := got[3]; len(last.Devices) != 0 {
		t.Fatalf("final set should be empty, got %v", storage.Paths(last.Devices))
	}
	if len(got[1].Devices) != 2 {
		t.Fatalf("restart after second add should carry both devices, got %v", storage.Paths(got[1].Devices))
	}
}

func TestSchedulerCloseStopsReacting(t *testing.T) {
	b := bus.New(nil)
	s := exploitation.NewScheduler(b, nil)
	s.Start()
	s.Close()

	b.Publish(bus.ForDevice(bus.GenerationComplete, storage.Device{Path: "/mnt/a"}))
	if s.Version() != 0 || len(s.Devices()) != 0 {
		t.Fatal("closed scheduler should ignore notifications")
	}
}
