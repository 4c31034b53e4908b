package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/metrics"
	"plotkeeper/internal/services"
	"plotkeeper/internal/storage"
)

func TestBusSubscriptionsFeedGauges(t *testing.T) {
	m := metrics.New()
	b := bus.New(nil)
	m.Subscribe(b)
	defer m.Close()

	dev := storage.Device{Path: "/mnt/a", Total: 1000, Free: 900}
	b.Publish(bus.ForDevice(bus.SpaceAvailable, dev))
	b.Publish(bus.ForDevice(bus.DeviceAvailableForGeneration, dev))
	b.Wait()

	if got := testutil.ToFloat64(m.DeviceFreeBytes.WithLabelValues("/mnt/a")); got != 900 {
		t.Fatalf("free bytes = %v, want 900", got)
	}
	if got := testutil.ToFloat64(m.DeviceEligible.WithLabelValues("/mnt/a")); got != 1 {
		t.Fatalf("eligible = %v, want 1", got)
	}

	b.Publish(bus.Signal(bus.UserInteracted))
	b.Publish(bus.Restart([]storage.Device{dev}, 1))
	b.Wait()
	if got := testutil.ToFloat64(m.UserInteractions); got != 1 {
		t.Fatalf("user interactions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExploitationSetSize); got != 1 {
		t.Fatalf("set size = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues("space_available")); got != 1 {
		t.Fatalf("space_available notifications = %v, want 1", got)
	}
}

func TestCapacityGaugeFollowsPublishOrder(t *testing.T) {
	m := metrics.New()
	b := bus.New(nil)
	m.Subscribe(b)
	defer m.Close()

	for free := uint64(100); free <= 1000; free += 100 {
		b.Publish(bus.ForDevice(bus.SpaceAvailable, storage.Device{Path: "/mnt/a", Total: 1000, Free: free}))
	}
	if got := testutil.ToFloat64(m.DeviceFreeBytes.WithLabelValues("/mnt/a")); got != 1000 {
		t.Fatalf("free bytes = %v, want the newest reading 1000", got)
	}
	b.Publish(bus.ForDevice(bus.SpaceInsufficient, storage.Device{Path: "/mnt/a", Total: 1000, Free: 50}))
	if got := testutil.ToFloat64(m.DeviceFreeBytes.WithLabelValues("/mnt/a")); got != 50 {
		t.Fatalf("free bytes = %v, want 50", got)
	}
	b.Wait()
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues("space_available")); got != 10 {
		t.Fatalf("space_available notifications = %v, want 10", got)
	}
}

func TestObserversAndHandler(t *testing.T) {
	m := metrics.New()
	m.ObservePass("/mnt/a", services.OutcomeCompleted, 3)
	m.ObservePass("/mnt/a", services.OutcomeCancelled, 0)
	m.ObserveReclaim("/mnt/a", 2)
	m.ObserveRestart(2)

	if got := testutil.ToFloat64(m.ArtifactsGenerated.WithLabelValues("/mnt/a")); got != 3 {
		t.Fatalf("generated = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.GenerationPasses.WithLabelValues("cancelled")); got != 1 {
		t.Fatalf("cancelled passes = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		"plotkeeper_artifacts_reclaimed_total",
		"plotkeeper_exploitation_restarts_total",
		"plotkeeper_generation_passes_total",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metric %q missing from exposition", name)
		}
	}
}
