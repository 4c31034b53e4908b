package arbiter_test

import (
	"testing"

	"plotkeeper/internal/arbiter"
	"plotkeeper/internal/bus"
	"plotkeeper/internal/storage"
)

func TestArbiterEligibility(t *testing.T) {
	dev := storage.Device{Path: "/mnt/a", Total: 1000, Free: 900}
	other := storage.Device{Path: "/mnt/b"}

	type step struct {
		publish  bus.Notification
		eligible bool
		fired    int // cumulative DeviceAvailableForGeneration count
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "space then idle",
			steps: []step{
				{bus.ForDevice(bus.SpaceAvailable, dev), false, 0},
				{bus.Signal(bus.MachineIdle), true, 1},
			},
		},
		{
			name: "idle then space",
			steps: []step{
				{bus.Signal(bus.MachineIdle), false, 0},
				{bus.ForDevice(bus.SpaceAvailable, dev), true, 1},
			},
		},
		{
			name: "redundant idle re-fires",
			steps: []step{
				{bus.ForDevice(bus.SpaceAvailable, dev), false, 0},
				{bus.Signal(bus.MachineIdle), true, 1},
				{bus.Signal(bus.MachineIdle), true, 2},
				{bus.ForDevice(bus.SpaceAvailable, dev), true, 3},
			},
		},
		{
			name: "user activity clears idle",
			steps: []step{
				{bus.ForDevice(bus.SpaceAvailable, dev), false, 0},
				{bus.Signal(bus.MachineIdle), true, 1},
				{bus.Signal(bus.UserInteracted), false, 1},
				{bus.Signal(bus.MachineIdle), true, 2},
			},
		},
		{
			name: "insufficient space clears availability",
			steps: []step{
				{bus.Signal(bus.MachineIdle), false, 0},
				{bus.ForDevice(bus.SpaceAvailable, dev), true, 1},
				{bus.ForDevice(bus.SpaceInsufficient, dev), false, 1},
			},
		},
		{
			name: "other device signals are ignored",
			steps: []step{
				{bus.Signal(bus.MachineIdle), false, 0},
				{bus.ForDevice(bus.SpaceAvailable, other), false, 0},
				{bus.ForDevice(bus.SpaceAvailable, dev), true, 1},
				{bus.ForDevice(bus.SpaceInsufficient, other), true, 1},
			},
		},
		{
			name: "generation complete requires a fresh space signal",
			steps: []step{
				{bus.Signal(bus.MachineIdle), false, 0},
				{bus.ForDevice(bus.SpaceAvailable, dev), true, 1},
				{bus.ForDevice(bus.GenerationComplete, dev), false, 1},
				{bus.Signal(bus.MachineIdle), false, 1},
				{bus.ForDevice(bus.SpaceAvailable, dev), true, 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.New(nil)
			fired := 0
			b.Subscribe(bus.DeviceAvailableForGeneration, func(n bus.Notification) {
				if n.DevicePath() != dev.Path {
					t.Errorf("unexpected device %q", n.DevicePath())
				}
				fired++
			})
			a := arbiter.New(b, dev, nil)
			defer a.Close()

			for i, s := range tt.steps {
				b.Publish(s.publish)
				if got := a.State().Eligible; got != s.eligible {
					t.Fatalf("step %d (%s): eligible = %v, want %v", i, s.publish.Kind, got, s.eligible)
				}
				if fired != s.fired {
					t.Fatalf("step %d (%s): fired = %d, want %d", i, s.publish.Kind, fired, s.fired)
				}
			}
		})
	}
}

func TestArbiterCloseStopsUpdates(t *testing.T) {
	b := bus.New(nil)
	dev := storage.Device{Path: "/mnt/a"}
	a := arbiter.New(b, dev, nil)
	a.Close()
	a.Close()

	b.Publish(bus.Signal(bus.MachineIdle))
	b.Publish(bus.ForDevice(bus.SpaceAvailable, dev))
	if st := a.State(); st.MachineIdle || st.SpaceAvailable {
		t.Fatalf("closed arbiter should not update: %+v", st)
	}
	if n := b.Subscribers(bus.MachineIdle); n != 0 {
		t.Fatalf("expected no remaining subscribers, got %d", n)
	}
}

func TestArbiterPublishesLatestSnapshot(t *testing.T) {
	b := bus.New(nil)
	dev := storage.Device{Path: "/mnt/a", Total: 1000, Free: 900}
	var last bus.Notification
	b.Subscribe(bus.DeviceAvailableForGeneration, func(n bus.Notification) { last = n })
	a := arbiter.New(b, storage.Device{Path: dev.Path}, nil)
	defer a.Close()

	b.Publish(bus.Signal(bus.MachineIdle))
	b.Publish(bus.ForDevice(bus.SpaceAvailable, dev))
	if last.Device.Free != 900 || last.Device.Total != 1000 {
		t.Fatalf("expected latest capacity in notification, got %+v", last.Device)
	}
}
