package bus

import (
	"time"

	"plotkeeper/internal/storage"
)

// Kind is the category of a notification.
type Kind int

const (
	SpaceAvailable Kind = iota + 1
	SpaceInsufficient
	UserInteracted
	MachineIdle
	DeviceAvailableForGeneration
	GenerationInProgress
	GenerationComplete
	ExploitationBlockedForDevice
	RestartExploitation
)

var kindNames = map[Kind]string{
	SpaceAvailable:               "space_available",
	SpaceInsufficient:            "space_insufficient",
	UserInteracted:               "user_interacted",
	MachineIdle:                  "machine_idle",
	DeviceAvailableForGeneration: "device_available_for_generation",
	GenerationInProgress:         "generation_in_progress",
	GenerationComplete:           "generation_complete",
	ExploitationBlockedForDevice: "exploitation_blocked_for_device",
	RestartExploitation:          "restart_exploitation",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Kinds lists every notification kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		SpaceAvailable, SpaceInsufficient, UserInteracted, MachineIdle,
		DeviceAvailableForGeneration, GenerationInProgress, GenerationComplete,
		ExploitationBlockedForDevice, RestartExploitation,
	}
}

// Notification is an immutable event value. Device is set for device-scoped
// kinds; Devices and Version are set for RestartExploitation.
type Notification struct {
	Kind    Kind
	Device  storage.Device
	Devices []storage.Device
	Version uint64
	At      time.Time
}

// DevicePath returns the path of the device the notification concerns.
func (n Notification) DevicePath() string { return n.Device.Path }

// Signal builds a notification that concerns no particular device.
func Signal(kind Kind) Notification {
	return Notification{Kind: kind}
}

// ForDevice builds a device-scoped notification.
func ForDevice(kind Kind, d storage.Device) Notification {
	return Notification{Kind: kind, Device: d}
}

// Restart builds a RestartExploitation notification. The device slice is
// copied so later mutation by the caller cannot leak into subscribers.
// Version 0 is unversioned: consumers apply it regardless of ordering.
func Restart(devices []storage.Device, version uint64) Notification {
	return Notification{
		Kind:    RestartExploitation,
		Devices: append([]storage.Device(nil), devices...),
		Version: version,
	}
}
