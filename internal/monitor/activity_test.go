package monitor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/monitor"
)

func timeout() <-chan time.Time { return time.After(5 * time.Second) }

func appendSignal(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open signal file: %v", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte{'.'}); err != nil {
		t.Fatalf("append signal: %v", err)
	}
}

func TestFileActivitySourceTailsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "activity.signal")
	src := monitor.NewFileActivitySource(path)
	ctx := context.Background()

	if err := src.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected signal file to be created: %v", err)
	}

	steps := []struct {
		name   string
		action func()
		want   bool
	}{
		{"no activity", func() {}, false},
		{"append", func() { appendSignal(t, path) }, true},
		{"consumed", func() {}, false},
		{"two appends coalesce", func() { appendSignal(t, path); appendSignal(t, path) }, true},
		{"truncate resets", func() {
			if err := os.Truncate(path, 0); err != nil {
				t.Fatalf("truncate: %v", err)
			}
		}, false},
		{"append after truncate", func() { appendSignal(t, path) }, true},
		{"replace resets", func() {
			tmp := path + ".new"
			if err := os.WriteFile(tmp, []byte("....."), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := os.Rename(tmp, path); err != nil {
				t.Fatalf("rename: %v", err)
			}
		}, false},
		{"append after replace", func() { appendSignal(t, path) }, true},
	}
	for _, step := range steps {
		step.action()
		got, err := src.PollForNewActivity(ctx)
		if err != nil {
			t.Fatalf("%s: poll: %v", step.name, err)
		}
		if got != step.want {
			t.Fatalf("%s: activity = %v, want %v", step.name, got, step.want)
		}
	}
}

func TestFileActivitySourceIgnoresHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.signal")
	if err := os.WriteFile(path, []byte("old activity"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	src := monitor.NewFileActivitySource(path)
	defer src.Close()
	for range 2 {
		got, err := src.PollForNewActivity(context.Background())
		if err != nil || got {
			t.Fatalf("pre-existing bytes must not count as activity: %v %v", got, err)
		}
	}
}

func TestActivityMonitorPublishesUserInteracted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.signal")
	src := monitor.NewFileActivitySource(path)
	defer src.Close()

	b := bus.New(nil)
	got := make(chan struct{}, 4)
	b.Subscribe(bus.UserInteracted, func(bus.Notification) { got <- struct{}{} })

	m := monitor.NewActivityMonitor(b, src, path, 50*time.Millisecond, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	appendSignal(t, path)
	select {
	case <-got:
	case <-timeout():
		t.Fatal("expected UserInteracted after append")
	}
	if m.Events() == 0 {
		t.Fatal("expected event counter to advance")
	}
}
