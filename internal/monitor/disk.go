package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/logging"
	"plotkeeper/internal/storage"
)

const probeWarnInterval = 5 * time.Minute

// DiskMonitor polls free space on every tracked device and publishes
// SpaceAvailable or SpaceInsufficient according to the capacity policy.
type DiskMonitor struct {
	bus      *bus.Bus
	prober   storage.Prober
	policy   storage.Policy
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	devices  []storage.Device
	snapshot map[string]storage.Device
	warnings map[string]*logging.Throttle
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollNow  chan struct{}
	lastPoll time.Time
}

// NewDiskMonitor constructs a monitor over devices.
func NewDiskMonitor(b *bus.Bus, prober storage.Prober, policy storage.Policy, interval time.Duration, devices []storage.Device, logger *slog.Logger) *DiskMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &DiskMonitor{
		bus:      b,
		prober:   prober,
		policy:   policy,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "disk-monitor"),
		snapshot: make(map[string]storage.Device),
		warnings: make(map[string]*logging.Throttle),
		pollNow:  make(chan struct{}, 1),
	}
	m.SetDevices(devices)
	return m
}

// SetDevices replaces the tracked device set and requests an immediate poll.
func (m *DiskMonitor) SetDevices(devices []storage.Device) {
	m.mu.Lock()
	m.devices = append([]storage.Device(nil), devices...)
	keep := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		keep[d.Path] = struct{}{}
		if _, ok := m.snapshot[d.Path]; !ok {
			m.snapshot[d.Path] = d
		}
	}
	for path := range m.snapshot {
		if _, ok := keep[path]; !ok {
			delete(m.snapshot, path)
			delete(m.warnings, path)
		}
	}
	m.mu.Unlock()

	select {
	case m.pollNow <- struct{}{}:
	default:
	}
}

// Snapshot returns the most recent capacity reading per device, ordered by path.
func (m *DiskMonitor) Snapshot() []storage.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Device, 0, len(m.snapshot))
	for _, d := range m.snapshot {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// LastPoll returns when the last full poll finished.
func (m *DiskMonitor) LastPoll() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPoll
}

// Start launches the poll loop.
func (m *DiskMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("disk monitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop(runCtx)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (m *DiskMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *DiskMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		case <-m.pollNow:
			m.Poll(ctx)
		}
	}
}

// Poll probes every tracked device once and publishes the resulting signals.
func (m *DiskMonitor) Poll(ctx context.Context) {
	m.mu.Lock()
	devices := append([]storage.Device(nil), m.devices...)
	m.mu.Unlock()

	for _, d := range devices {
		if ctx.Err() != nil {
			return
		}
		current, err := storage.Refresh(m.prober, d)
		if err != nil {
			m.warnProbe(d, err)
			continue
		}

		m.mu.Lock()
		_, tracked := m.snapshot[d.Path]
		if tracked {
			m.snapshot[d.Path] = current
		}
		m.mu.Unlock()
		if !tracked {
			continue
		}

		switch {
		case m.policy.SpaceAvailable(current):
			m.bus.Publish(bus.ForDevice(bus.SpaceAvailable, current))
		case m.policy.Insufficient(current):
			m.logger.Debug("device below free space threshold",
				logging.Device(current.Path),
				logging.Bytes("free", current.Free),
				logging.Bytes("min_free", m.policy.MinFree(current.Total)),
			)
			m.bus.Publish(bus.ForDevice(bus.SpaceInsufficient, current))
		}
	}

	m.mu.Lock()
	m.lastPoll = time.Now()
	m.mu.Unlock()
}

func (m *DiskMonitor) warnProbe(d storage.Device, err error) {
	m.mu.Lock()
	th, ok := m.warnings[d.Path]
	if !ok {
		th = logging.NewThrottle(probeWarnInterval)
		m.warnings[d.Path] = th
	}
	m.mu.Unlock()

	allowed, suppressed := th.Allow()
	if !allowed {
		return
	}
	logging.WarnWithContext(m.logger, "free space probe failed", "disk_probe_failed",
		logging.Device(d.Path),
		logging.Error(err),
		logging.Int("suppressed", suppressed),
		logging.String(logging.FieldErrorHint, "check that the device is still mounted"),
		logging.String(logging.FieldImpact, "device signals paused until the probe succeeds"),
	)
}
