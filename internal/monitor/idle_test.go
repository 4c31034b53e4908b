package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/monitor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestIdleDetectorLevelTriggered(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := bus.New(nil)
	idleCount := 0
	b.Subscribe(bus.MachineIdle, func(bus.Notification) { idleCount++ })

	d := monitor.NewIdleDetector(b, 5*time.Second, time.Hour, nil, monitor.WithClock(clock.Now))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	clock.Advance(3 * time.Second)
	if d.Check() {
		t.Fatal("should not be idle before threshold")
	}
	clock.Advance(3 * time.Second)
	if !d.Check() || !d.Check() {
		t.Fatal("expected idle to be reported on every check past the threshold")
	}
	if idleCount != 2 {
		t.Fatalf("MachineIdle published %d times, want 2", idleCount)
	}

	b.Publish(bus.Signal(bus.UserInteracted))
	if d.Idle() {
		t.Fatal("interaction should clear idle")
	}
	if d.Check() {
		t.Fatal("should not be idle immediately after interaction")
	}
	if !d.LastInteraction().Equal(clock.Now()) {
		t.Fatalf("last interaction = %v, want %v", d.LastInteraction(), clock.Now())
	}
}

func TestIdleDetectorExactThresholdIsNotIdle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := monitor.NewIdleDetector(bus.New(nil), 5*time.Second, time.Hour, nil, monitor.WithClock(clock.Now))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	clock.Advance(5 * time.Second)
	if d.Check() {
		t.Fatal("idle requires strictly more than the threshold")
	}
}

func TestIdleDetectorReplayKeepsInteractionTimestamp(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("older replay does not defer idle", func(t *testing.T) {
		clock := &fakeClock{now: start}
		b := bus.New(nil)
		b.Publish(bus.Notification{Kind: bus.UserInteracted, At: start.Add(-10 * time.Minute)})

		d := monitor.NewIdleDetector(b, 5*time.Second, time.Hour, nil, monitor.WithClock(clock.Now))
		if err := d.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer d.Stop()

		if !d.LastInteraction().Equal(start) {
			t.Fatalf("last interaction = %v, want start %v", d.LastInteraction(), start)
		}
		clock.Advance(6 * time.Second)
		if !d.Check() {
			t.Fatal("expected idle once the threshold passed since start")
		}
	})

	t.Run("newer replay counts at its own time", func(t *testing.T) {
		clock := &fakeClock{now: start}
		b := bus.New(nil)
		interacted := start.Add(2 * time.Second)
		b.Publish(bus.Notification{Kind: bus.UserInteracted, At: interacted})

		d := monitor.NewIdleDetector(b, 5*time.Second, time.Hour, nil, monitor.WithClock(clock.Now))
		if err := d.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer d.Stop()

		if !d.LastInteraction().Equal(interacted) {
			t.Fatalf("last interaction = %v, want %v", d.LastInteraction(), interacted)
		}
		clock.Advance(6 * time.Second)
		if d.Check() {
			t.Fatal("idle must be measured from the replayed interaction")
		}
		clock.Advance(2 * time.Second)
		if !d.Check() {
			t.Fatal("expected idle past the threshold from the replayed interaction")
		}
	})
}
