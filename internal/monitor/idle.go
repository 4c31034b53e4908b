package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/logging"
)

// IdleDetector publishes MachineIdle on every check while no user activity has
// been seen for longer than the threshold.
type IdleDetector struct {
	bus       *bus.Bus
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	last    time.Time
	idle    bool
	sub     *bus.Subscription
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// IdleOption customizes an IdleDetector.
type IdleOption func(*IdleDetector)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) IdleOption {
	return func(d *IdleDetector) {
		if now != nil {
			d.now = now
		}
	}
}

// NewIdleDetector constructs a detector.
func NewIdleDetector(b *bus.Bus, threshold, interval time.Duration, logger *slog.Logger, opts ...IdleOption) *IdleDetector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	d := &IdleDetector{
		bus:       b,
		threshold: threshold,
		interval:  interval,
		now:       time.Now,
		logger:    logging.NewComponentLogger(logger, "idle-detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start records now as the last interaction, subscribes to UserInteracted and
// launches the check loop.
func (d *IdleDetector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("idle detector already running")
	}
	d.last = d.now()
	d.running = true
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	// The replayed interaction is delivered inside Subscribe and counts at its
	// own timestamp; it never moves the last interaction backwards.
	var live atomic.Bool
	sub := d.bus.Subscribe(bus.UserInteracted, func(n bus.Notification) {
		if live.Load() {
			d.Touch()
			return
		}
		d.record(n.At, false)
	}, bus.WithReplay())
	live.Store(true)

	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(runCtx)
	return nil
}

// Stop cancels the subscription and the loop.
func (d *IdleDetector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	sub := d.sub
	d.running = false
	d.cancel = nil
	d.sub = nil
	d.mu.Unlock()

	sub.Cancel()
	cancel()
	d.wg.Wait()
}

// Touch records an interaction at the current time.
func (d *IdleDetector) Touch() {
	d.record(d.now(), true)
}

// record moves the last interaction forward to at. A live interaction always
// clears idle; a replayed one only when it is newer than the last seen.
func (d *IdleDetector) record(at time.Time, live bool) {
	d.mu.Lock()
	newer := at.After(d.last)
	if newer {
		d.last = at
	}
	if !newer && !live {
		d.mu.Unlock()
		return
	}
	wasIdle := d.idle
	d.idle = false
	d.mu.Unlock()
	if wasIdle {
		d.logger.Debug("machine active")
	}
}

// LastInteraction returns the time of the most recent interaction.
func (d *IdleDetector) LastInteraction() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Idle reports the result of the most recent check.
func (d *IdleDetector) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

// Check publishes MachineIdle when the threshold has been exceeded and
// reports whether it did.
func (d *IdleDetector) Check() bool {
	d.mu.Lock()
	since := d.now().Sub(d.last)
	idle := since > d.threshold
	wasIdle := d.idle
	d.idle = idle
	d.mu.Unlock()

	if !idle {
		return false
	}
	if !wasIdle {
		d.logger.Info("machine idle",
			logging.Duration("since_interaction", since),
			logging.String(logging.FieldEventType, "machine_idle"),
		)
	}
	d.bus.Publish(bus.Signal(bus.MachineIdle))
	return true
}

func (d *IdleDetector) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Check()
		}
	}
}
