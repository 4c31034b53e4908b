package exploitation

import (
	"log/slog"
	"sort"
	"sync"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/logging"
	"plotkeeper/internal/storage"
)

// Scheduler owns the exploitation set: the devices whose artifacts the miner
// should scan.
type Scheduler struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	set     map[string]storage.Device
	version uint64
	subs    []*bus.Subscription
}

// NewScheduler constructs an empty scheduler. Start wires its subscriptions.
func NewScheduler(b *bus.Bus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		bus:    b,
		logger: logging.NewComponentLogger(logger, "scheduler"),
		set:    make(map[string]storage.Device),
	}
}

// Start subscribes to the signals that change the set. Every subscription
// uses publisher delivery so a block completes before Publish returns.
func (s *Scheduler) Start() {
	block := func(n bus.Notification) {
		s.bus.Publish(bus.ForDevice(bus.ExploitationBlockedForDevice, n.Device))
	}
	subs := []*bus.Subscription{
		s.bus.Subscribe(bus.GenerationComplete, func(n bus.Notification) { s.Add(n.Device) }),
		s.bus.Subscribe(bus.ExploitationBlockedForDevice, func(n bus.Notification) { s.Remove(n.DevicePath()) }),
		s.bus.Subscribe(bus.SpaceInsufficient, block),
		s.bus.Subscribe(bus.GenerationInProgress, block),
	}
	s.mu.Lock()
	s.subs = append(s.subs, subs...)
	s.mu.Unlock()
}

// Close cancels the subscriptions.
func (s *Scheduler) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// Add puts d in the set and publishes the new set.
func (s *Scheduler) Add(d storage.Device) {
	s.mu.Lock()
	s.set[d.Path] = d
	s.version++
	devices, version := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("device added to exploitation set",
		logging.Device(d.Path),
		logging.Int("set_size", len(devices)),
		logging.Uint64("version", version),
		logging.String(logging.FieldEventType, "exploitation_set_added"),
	)
	s.bus.Publish(bus.Restart(devices, version))
}

// Remove drops the device at path and publishes the new set. Nothing is
// published when the device was not in the set.
func (s *Scheduler) Remove(path string) {
	s.mu.Lock()
	if _, ok := s.set[path]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.set, path)
	s.version++
	devices, version := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("device removed from exploitation set",
		logging.Device(path),
		logging.Int("set_size", len(devices)),
		logging.Uint64("version", version),
		logging.String(logging.FieldEventType, "exploitation_set_removed"),
	)
	s.bus.Publish(bus.Restart(devices, version))
}

// Devices returns the current set ordered by path.
func (s *Scheduler) Devices() []storage.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, _ := s.snapshotLocked()
	return devices
}

// Contains reports whether path is in the set.
func (s *Scheduler) Contains(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[path]
	return ok
}

// Version returns the number of set changes so far.
func (s *Scheduler) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Scheduler) snapshotLocked() ([]storage.Device, uint64) {
	devices := make([]storage.Device, 0, len(s.set))
	for _, d := range s.set {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices, s.version
}
