package storage

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"plotkeeper/internal/logging"
)

// defaultSettle gives the automounter time to mount a new partition before
// the mount table is re-read.
const defaultSettle = 3 * time.Second

// HotplugMonitor listens for udev block device add/remove events and invokes
// onChange once events have settled.
type HotplugMonitor struct {
	logger   *slog.Logger
	onChange func(ctx context.Context)
	settle   time.Duration

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	timer   *time.Timer
	running bool
}

// NewHotplugMonitor creates a monitor. A nil onChange disables it.
func NewHotplugMonitor(logger *slog.Logger, onChange func(ctx context.Context)) *HotplugMonitor {
	if onChange == nil {
		return nil
	}
	return &HotplugMonitor{
		logger:   logging.NewComponentLogger(logger, "hotplug"),
		onChange: onChange,
		settle:   defaultSettle,
	}
}

// Start connects to the kernel uevent socket. Failure to connect is logged
// and not fatal: the daemon keeps working with the devices found at startup.
func (m *HotplugMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket; hotplug disabled", "hotplug_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the daemon may open NETLINK_KOBJECT_UEVENT sockets"),
			logging.String(logging.FieldImpact, "devices attached after startup are ignored until restart"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true
	go m.monitorLoop(ctx, conn, m.quit)

	m.logger.Info("hotplug monitor started", logging.String(logging.FieldEventType, "hotplug_started"))
	return nil
}

// Stop shuts the monitor down. Safe to call more than once.
func (m *HotplugMonitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.quit)
	m.quit = nil
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.running = false
	m.logger.Info("hotplug monitor stopped", logging.String(logging.FieldEventType, "hotplug_stopped"))
}

// Running reports whether the monitor is active.
func (m *HotplugMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *HotplugMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "netlink monitor error", "hotplug_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "device changes may be missed until the next event"),
			)
		}
	}
}

// buildMatcher matches SUBSYSTEM=block with ACTION add or remove for whole
// disks and partitions.
func buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "block",
			"DEVTYPE":   "disk|partition",
		},
	})
	return rules
}

func (m *HotplugMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	devname := deviceName(uevent)
	if devname == "" {
		m.logger.Debug("ignoring event without device name", logging.String("action", string(uevent.Action)))
		return
	}
	if strings.HasPrefix(devname, "/dev/loop") || strings.HasPrefix(devname, "/dev/ram") {
		return
	}
	m.logger.Info("block device change detected",
		logging.String(logging.FieldEventType, "hotplug_event"),
		logging.String("source", devname),
		logging.String("action", string(uevent.Action)),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.settle, func() {
		if ctx.Err() != nil {
			return
		}
		m.onChange(ctx)
	})
}

func deviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		if !strings.HasPrefix(devname, "/dev/") {
			devname = "/dev/" + devname
		}
		return devname
	}
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return "/dev/" + parts[len(parts)-1]
}
