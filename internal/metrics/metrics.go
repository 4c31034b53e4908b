// Package metrics exposes daemon state as Prometheus metrics. Gauges and
// counters are fed by background bus subscriptions and by job observers, and
// served by the API on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/services"
)

const namespace = "plotkeeper"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	DeviceFreeBytes      *prometheus.GaugeVec
	DeviceTotalBytes     *prometheus.GaugeVec
	DeviceEligible       *prometheus.GaugeVec
	ExploitationSetSize  prometheus.Gauge
	ExploitationRestarts prometheus.Counter
	GenerationPasses     *prometheus.CounterVec
	ArtifactsGenerated   *prometheus.CounterVec
	ArtifactsReclaimed   *prometheus.CounterVec
	UserInteractions     prometheus.Counter
	Notifications        *prometheus.CounterVec

	mu   sync.Mutex
	subs []*bus.Subscription
}

// New registers all collectors, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DeviceFreeBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_free_bytes",
			Help:      "Free bytes on the device at the last disk poll.",
		}, []string{"device"}),
		DeviceTotalBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_total_bytes",
			Help:      "Total bytes on the device at the last disk poll.",
		}, []string{"device"}),
		DeviceEligible: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_eligible",
			Help:      "1 while the device is eligible for generation.",
		}, []string{"device"}),
		ExploitationSetSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exploitation_set_size",
			Help:      "Number of devices the miner currently scans.",
		}),
		ExploitationRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exploitation_restarts_total",
			Help:      "Number of exploitation set changes applied.",
		}),
		GenerationPasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_passes_total",
			Help:      "Generation passes by outcome.",
		}, []string{"outcome"}),
		ArtifactsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_generated_total",
			Help:      "New artifacts generated per device.",
		}, []string{"device"}),
		ArtifactsReclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_reclaimed_total",
			Help:      "Artifacts deleted to reclaim space per device.",
		}, []string{"device"}),
		UserInteractions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_interactions_total",
			Help:      "User interaction signals observed.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_notifications_total",
			Help:      "Bus notifications observed by kind.",
		}, []string{"kind"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Subscribe feeds the collectors from b. Per-kind counters use background
// delivery; gauges are set inline so they follow publish order.
func (m *Metrics) Subscribe(b *bus.Bus) {
	bg := bus.WithDelivery(bus.Background)
	var subs []*bus.Subscription
	for _, kind := range bus.Kinds() {
		label := kind.String()
		subs = append(subs, b.Subscribe(kind, func(bus.Notification) {
			m.Notifications.WithLabelValues(label).Inc()
		}, bg))
	}
	capacity := func(n bus.Notification) {
		m.DeviceFreeBytes.WithLabelValues(n.Device.Path).Set(float64(n.Device.Free))
		m.DeviceTotalBytes.WithLabelValues(n.Device.Path).Set(float64(n.Device.Total))
	}
	subs = append(subs,
		b.Subscribe(bus.SpaceAvailable, capacity),
		b.Subscribe(bus.SpaceInsufficient, func(n bus.Notification) {
			capacity(n)
			m.DeviceEligible.WithLabelValues(n.Device.Path).Set(0)
		}),
		b.Subscribe(bus.UserInteracted, func(bus.Notification) {
			m.UserInteractions.Inc()
			m.DeviceEligible.Reset()
		}),
		b.Subscribe(bus.DeviceAvailableForGeneration, func(n bus.Notification) {
			m.DeviceEligible.WithLabelValues(n.Device.Path).Set(1)
		}),
		b.Subscribe(bus.GenerationInProgress, func(n bus.Notification) {
			m.DeviceEligible.WithLabelValues(n.Device.Path).Set(0)
		}),
		b.Subscribe(bus.RestartExploitation, func(n bus.Notification) {
			m.ExploitationSetSize.Set(float64(len(n.Devices)))
		}),
	)
	m.mu.Lock()
	m.subs = append(m.subs, subs...)
	m.mu.Unlock()
}

// ObservePass records a finished generation pass.
func (m *Metrics) ObservePass(device string, outcome services.Outcome, generated int) {
	m.GenerationPasses.WithLabelValues(string(outcome)).Inc()
	if generated > 0 {
		m.ArtifactsGenerated.WithLabelValues(device).Add(float64(generated))
	}
}

// ObserveReclaim records artifacts deleted by the reclaimer.
func (m *Metrics) ObserveReclaim(device string, deleted int) {
	if deleted > 0 {
		m.ArtifactsReclaimed.WithLabelValues(device).Add(float64(deleted))
	}
}

// ObserveRestart records an applied exploitation restart.
func (m *Metrics) ObserveRestart(setSize int) {
	m.ExploitationRestarts.Inc()
	m.ExploitationSetSize.Set(float64(setSize))
}

// ForgetDevice drops the per-device series of a retired device.
func (m *Metrics) ForgetDevice(device string) {
	m.DeviceFreeBytes.DeleteLabelValues(device)
	m.DeviceTotalBytes.DeleteLabelValues(device)
	m.DeviceEligible.DeleteLabelValues(device)
}

// Close cancels the bus subscriptions.
func (m *Metrics) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}
