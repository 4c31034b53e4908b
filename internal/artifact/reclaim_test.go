package artifact_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"plotkeeper/internal/artifact"
	"plotkeeper/internal/bus"
	"plotkeeper/internal/storage"
	"plotkeeper/internal/testsupport"
)

var policy = storage.Policy{MinFreePercent: 15, SmallDivisor: 100, BigDivisor: 10}

func setupDevice(t *testing.T, n int) (storage.Device, *testsupport.FakeProber) {
	t.Helper()
	root := t.TempDir()
	dev := storage.Device{Path: root, Total: 1000}
	dir := dev.ArtifactDir("plots")
	for i := range n {
		testsupport.WriteArtifact(t, dir, uint64(i*10), 10)
	}
	prober := testsupport.NewFakeProber()
	return dev, prober
}

func TestReclaimStopsOnceThresholdIsMet(t *testing.T) {
	dev, prober := setupDevice(t, 10)
	prober.Set(dev.Path, 1000, 120)

	remove := func(path string) error {
		prober.Adjust(dev.Path, 10)
		return os.Remove(path)
	}
	r := artifact.NewReclaimer(bus.New(nil), prober, policy, "plots", nil, artifact.WithRemove(remove))

	result := r.Reclaim(context.Background(), dev)
	if len(result.Deleted) != 3 {
		t.Fatalf("expected 3 deletions (120 -> 150), got %d", len(result.Deleted))
	}
	for i, want := range []uint64{90, 80, 70} {
		if result.Deleted[i].Start != want {
			t.Fatalf("deletion %d start = %d, want %d (newest first)", i, result.Deleted[i].Start, want)
		}
	}
	if result.Free != 150 {
		t.Fatalf("final free = %d, want 150", result.Free)
	}
	remaining, _ := artifact.List(dev.ArtifactDir("plots"))
	if len(remaining) != 7 {
		t.Fatalf("expected 7 artifacts left, got %d", len(remaining))
	}
}

func TestReclaimDeletesAtMostAllArtifacts(t *testing.T) {
	dev, prober := setupDevice(t, 4)
	prober.Set(dev.Path, 1000, 0)

	r := artifact.NewReclaimer(bus.New(nil), prober, policy, "plots", nil, artifact.WithRemove(func(path string) error {
		prober.Adjust(dev.Path, 10)
		return os.Remove(path)
	}))
	result := r.Reclaim(context.Background(), dev)
	if len(result.Deleted) != 4 {
		t.Fatalf("expected all 4 artifacts deleted, got %d", len(result.Deleted))
	}
	if result.Free != 40 {
		t.Fatalf("expected free 40 after exhausting artifacts, got %d", result.Free)
	}
}

func TestReclaimSkipsUndeletableArtifacts(t *testing.T) {
	dev, prober := setupDevice(t, 3)
	prober.Set(dev.Path, 1000, 100)

	attempts := 0
	r := artifact.NewReclaimer(bus.New(nil), prober, policy, "plots", nil, artifact.WithRemove(func(path string) error {
		attempts++
		return errors.New("permission denied")
	}))
	result := r.Reclaim(context.Background(), dev)
	if attempts != 3 {
		t.Fatalf("expected each artifact attempted once, got %d attempts", attempts)
	}
	if len(result.Errors) != 3 || len(result.Deleted) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestReclaimNoopAboveThreshold(t *testing.T) {
	dev, prober := setupDevice(t, 2)
	prober.Set(dev.Path, 1000, 500)

	r := artifact.NewReclaimer(bus.New(nil), prober, policy, "plots", nil, artifact.WithRemove(func(string) error {
		t.Fatal("nothing should be deleted above threshold")
		return nil
	}))
	if result := r.Reclaim(context.Background(), dev); len(result.Deleted) != 0 {
		t.Fatalf("unexpected deletions %+v", result.Deleted)
	}
}

func TestReclaimerReactsToSpaceInsufficient(t *testing.T) {
	dev, prober := setupDevice(t, 5)
	prober.Set(dev.Path, 1000, 140)

	b := bus.New(nil)
	observed := 0
	r := artifact.NewReclaimer(b, prober, policy, "plots", nil,
		artifact.WithRemove(func(path string) error {
			prober.Adjust(dev.Path, 10)
			return os.Remove(path)
		}),
		artifact.WithObserver(func(device string, deleted int) {
			if device == dev.Path {
				observed += deleted
			}
		}),
	)
	r.Start(context.Background())
	defer r.Close()

	b.Publish(bus.ForDevice(bus.SpaceInsufficient, dev))
	b.Wait()

	if observed != 1 {
		t.Fatalf("expected one artifact reclaimed, got %d", observed)
	}
}
