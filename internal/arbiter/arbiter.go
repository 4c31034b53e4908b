// Package arbiter derives per-device generation eligibility from the space
// and idle signals.
package arbiter

import (
	"fmt"
	"log/slog"
	"sync"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/logging"
	"plotkeeper/internal/storage"
)

// State is a point-in-time copy of the arbiter flags.
type State struct {
	Device         string `json:"device"`
	SpaceAvailable bool   `json:"space_available"`
	MachineIdle    bool   `json:"machine_idle"`
	Eligible       bool   `json:"eligible"`
}

// Arbiter tracks whether one device may generate. While both flags hold, every
// update republishes DeviceAvailableForGeneration; the generation job
// coalesces the repeats.
type Arbiter struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu             sync.Mutex
	device         storage.Device
	spaceAvailable bool
	machineIdle    bool
	subs           []*bus.Subscription
}

// New subscribes an arbiter for device. Close releases its subscriptions.
func New(b *bus.Bus, device storage.Device, logger *slog.Logger) *Arbiter {
	a := &Arbiter{
		bus:    b,
		device: device,
		logger: logging.NewComponentLogger(logger, "arbiter").With(logging.Device(device.Path)),
	}
	path := device.Path
	a.subs = []*bus.Subscription{
		b.Subscribe(bus.UserInteracted, func(bus.Notification) {
			a.update(func() { a.machineIdle = false }, nil)
		}),
		b.Subscribe(bus.MachineIdle, func(bus.Notification) {
			a.update(func() { a.machineIdle = true }, nil)
		}),
		b.Subscribe(bus.SpaceAvailable, func(n bus.Notification) {
			a.update(func() { a.spaceAvailable = true }, &n.Device)
		}, bus.WithDevice(path)),
		b.Subscribe(bus.SpaceInsufficient, func(n bus.Notification) {
			a.update(func() { a.spaceAvailable = false }, &n.Device)
		}, bus.WithDevice(path)),
		// A finished pass needs a fresh disk poll before the next one.
		b.Subscribe(bus.GenerationComplete, func(bus.Notification) {
			a.update(func() { a.spaceAvailable = false }, nil)
		}, bus.WithDevice(path)),
	}
	return a
}

func (a *Arbiter) update(mutate func(), snapshot *storage.Device) {
	a.mu.Lock()
	before := a.spaceAvailable && a.machineIdle
	mutate()
	if snapshot != nil {
		a.device = *snapshot
	}
	spaceAvailable, machineIdle := a.spaceAvailable, a.machineIdle
	eligible := spaceAvailable && machineIdle
	device := a.device
	a.mu.Unlock()

	if eligible != before {
		result := "ineligible"
		if eligible {
			result = "eligible"
		}
		attrs := logging.Decision("eligibility", result,
			fmt.Sprintf("space_available=%t machine_idle=%t", spaceAvailable, machineIdle))
		a.logger.Debug("eligibility changed", logging.Args(attrs...)...)
	}
	if eligible {
		a.bus.Publish(bus.ForDevice(bus.DeviceAvailableForGeneration, device))
	}
}

// State returns the current flags.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		Device:         a.device.Path,
		SpaceAvailable: a.spaceAvailable,
		MachineIdle:    a.machineIdle,
		Eligible:       a.spaceAvailable && a.machineIdle,
	}
}

// Close cancels every subscription.
func (a *Arbiter) Close() {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}
