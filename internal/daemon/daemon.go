package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"plotkeeper/internal/api"
	"plotkeeper/internal/arbiter"
	"plotkeeper/internal/artifact"
	"plotkeeper/internal/bus"
	"plotkeeper/internal/config"
	"plotkeeper/internal/deps"
	"plotkeeper/internal/exploitation"
	"plotkeeper/internal/generation"
	"plotkeeper/internal/history"
	"plotkeeper/internal/logging"
	"plotkeeper/internal/metrics"
	"plotkeeper/internal/monitor"
	"plotkeeper/internal/runner"
	"plotkeeper/internal/services"
	"plotkeeper/internal/storage"
)

// recentHistory is the number of runs included in Status.
const recentHistory = 10

// DiscoverFunc enumerates devices. It matches storage.Discover.
type DiscoverFunc func(storage.DiscoverOptions) ([]storage.Device, error)

// Option customizes a Daemon.
type Option func(*Daemon)

// WithRunner replaces the process runner used for the plotter and the miner.
func WithRunner(r runner.JobRunner) Option {
	return func(d *Daemon) { d.runner = r }
}

// WithProber replaces the capacity prober.
func WithProber(p storage.Prober) Option {
	return func(d *Daemon) { d.prober = p }
}

// WithDiscover replaces device discovery.
func WithDiscover(fn DiscoverFunc) Option {
	return func(d *Daemon) { d.discover = fn }
}

// deviceUnit is the per-device arbitration chain.
type deviceUnit struct {
	arbiter *arbiter.Arbiter
	job     *generation.Job
}

// Daemon wires the monitors, arbiters, generation jobs and the exploitation
// supervisor around one bus and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	base     *slog.Logger
	logger   *slog.Logger
	bus      *bus.Bus
	prober   storage.Prober
	runner   runner.JobRunner
	discover DiscoverFunc
	policy   storage.Policy
	planner  generation.Planner
	command  generation.CommandConfig
	metrics  *metrics.Metrics

	disk       *monitor.DiskMonitor
	signal     *monitor.FileActivitySource
	activity   *monitor.ActivityMonitor
	idle       *monitor.IdleDetector
	scheduler  *exploitation.Scheduler
	supervisor *exploitation.Supervisor
	reclaimer  *artifact.Reclaimer
	hotplug    *storage.HotplugMonitor
	apiServer  *api.Server

	lockPath string
	lock     *flock.Flock

	// lifecycle serializes Start, Stop and rediscovery.
	lifecycle sync.Mutex
	mu        sync.Mutex
	units     map[string]*deviceUnit
	history   *history.Store
	deps      []deps.Status
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	running atomic.Bool
}

// New constructs a daemon. Nothing is started until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{
		cfg:      cfg,
		base:     logger,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		prober:   storage.StatfsProber{},
		discover: storage.Discover,
		policy:   storage.PolicyFromConfig(cfg.Capacity),
		planner:  generation.PlannerFromConfig(cfg.Capacity),
		command:  generation.CommandConfigFromConfig(cfg.Generation),
		metrics:  metrics.New(),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
		units:    make(map[string]*deviceUnit),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.runner == nil {
		d.runner = runner.New(logger)
	}

	d.bus = bus.New(logger)
	d.disk = monitor.NewDiskMonitor(d.bus, d.prober, d.policy, cfg.Monitor.DiskPoll(), nil, logger)
	d.signal = monitor.NewFileActivitySource(cfg.Paths.SignalPath)
	d.activity = monitor.NewActivityMonitor(d.bus, d.signal, cfg.Paths.SignalPath, cfg.Monitor.ActivityPoll(), logger)
	d.idle = monitor.NewIdleDetector(d.bus, cfg.Monitor.Idle(), cfg.Monitor.IdlePoll(), logger)
	d.scheduler = exploitation.NewScheduler(d.bus, logger)
	d.reclaimer = artifact.NewReclaimer(d.bus, d.prober, d.policy, cfg.Devices.ArtifactDir, logger,
		artifact.WithObserver(d.metrics.ObserveReclaim))
	if cfg.Devices.Hotplug {
		d.hotplug = storage.NewHotplugMonitor(logger, func(ctx context.Context) {
			if err := d.Rediscover(ctx); err != nil {
				logging.WarnWithContext(d.logger, "device rediscovery failed", "rediscovery_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check the mount table and devices.roots"),
					logging.String(logging.FieldImpact, "the device set is unchanged"))
			}
		})
	}
	d.apiServer = api.NewServer(cfg.API.Bind, apiProvider{d}, d.metrics.Handler(), logger)
	return d, nil
}

// Bus exposes the notification bus, mainly for tests and diagnostics.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// Metrics exposes the daemon's collectors.
func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }

// Done is closed when the daemon stops.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return d.done
}

// Start acquires the daemon lock, enumerates devices and starts every component.
func (d *Daemon) Start(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another plotkeeper daemon instance is already running")
	}
	if err := d.start(ctx); err != nil {
		_ = d.lock.Unlock()
		return err
	}
	d.running.Store(true)
	d.logger.Info("plotkeeper daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_started"))
	return nil
}

func (d *Daemon) start(parent context.Context) error {
	devices, err := d.discoverDevices()
	if err != nil {
		return err
	}

	store, err := history.Open(parent, d.cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if archived := store.Archived(); archived != "" {
		logging.WarnWithContext(d.logger, "history ledger from a newer build archived", "history_archived",
			logging.String("archived_path", archived),
			logging.String(logging.FieldErrorHint, "downgrade detected; the archived ledger is readable by the newer build"),
			logging.String(logging.FieldImpact, "history starts empty"))
	}
	if from := store.MigratedFrom(); from > 0 && from < history.SchemaVersion() {
		d.logger.Info("history ledger migrated",
			logging.Int("from_version", from),
			logging.Int("to_version", history.SchemaVersion()),
			logging.String(logging.FieldEventType, "history_migrated"))
	}
	if n := store.Recovered(); n > 0 {
		d.logger.Info("marked runs from a previous process as interrupted",
			logging.Int("runs", n),
			logging.String(logging.FieldEventType, "history_recovered"))
	}
	if n, err := store.Prune(parent, d.cfg.Logging.HistoryRuns); err != nil {
		logging.WarnWithContext(d.logger, "history prune failed", "history_prune_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the state directory"),
			logging.String(logging.FieldImpact, "the ledger keeps growing until the next start"))
	} else if n > 0 {
		d.logger.Debug("history pruned", logging.Int("runs", n), logging.Int("kept", d.cfg.Logging.HistoryRuns))
	}

	ctx, cancel := context.WithCancel(parent)
	d.mu.Lock()
	d.history = store
	d.deps = deps.Check(d.cfg)
	d.ctx = ctx
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	for _, dep := range d.deps {
		if !dep.Available {
			logging.WarnWithContext(d.logger, "external program unavailable", "dependency_missing",
				logging.String("dependency", dep.Name),
				logging.String("command", dep.Command),
				logging.String("detail", dep.Detail),
				logging.String(logging.FieldErrorHint, "install it or set its binary in the config"),
				logging.String(logging.FieldImpact, "runs of this program fail until it is available"))
		}
	}

	supervisor := exploitation.NewSupervisor(exploitation.SupervisorDeps{
		Bus:         d.bus,
		Runner:      d.runner,
		Writer:      exploitation.NewConfigWriter(d.cfg.Exploitation.ConfigTemplate, d.cfg.Exploitation.ConfigDir),
		Binary:      d.cfg.Exploitation.Binary,
		ArtifactDir: d.cfg.Devices.ArtifactDir,
		LogThrottle: d.cfg.Generation.LogThrottle(),
		History:     store,
		Observer:    d.metrics.ObserveRestart,
		Logger:      d.base,
	})
	d.mu.Lock()
	d.supervisor = supervisor
	d.mu.Unlock()

	// Scheduler and supervisor subscribe first so the block handshake is in
	// place before any job can publish GenerationInProgress.
	d.metrics.Subscribe(d.bus)
	d.scheduler.Start()
	supervisor.Start(ctx)
	d.reclaimer.Start(ctx)

	d.disk.SetDevices(devices)
	for _, dev := range devices {
		d.addUnit(ctx, dev)
	}

	if err := d.idle.Start(ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start idle detector: %w", err)
	}
	if err := d.activity.Start(ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start activity monitor: %w", err)
	}
	if err := d.disk.Start(ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start disk monitor: %w", err)
	}
	if err := d.hotplug.Start(ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start hotplug monitor: %w", err)
	}
	if err := d.apiServer.Start(ctx); err != nil {
		d.teardown()
		return err
	}
	return nil
}

func (d *Daemon) discoverDevices() ([]storage.Device, error) {
	devices, err := d.discover(storage.DiscoverOptions{
		Roots:          d.cfg.Devices.Roots,
		ExcludeFSTypes: d.cfg.Devices.ExcludeFSTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}
	for i, dev := range devices {
		refreshed, err := storage.Refresh(d.prober, dev)
		if err != nil {
			logging.WarnWithContext(d.logger, "initial capacity probe failed", "probe_failed",
				logging.Device(dev.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the device is mounted and readable"),
				logging.String(logging.FieldImpact, "the first pass plans from a zero capacity snapshot"))
			continue
		}
		devices[i] = refreshed
	}
	return devices, nil
}

func (d *Daemon) addUnit(ctx context.Context, dev storage.Device) {
	arb := arbiter.New(d.bus, dev, d.base)
	job := generation.NewJob(dev, generation.Deps{
		Bus:         d.bus,
		Runner:      d.runner,
		Prober:      d.prober,
		Planner:     d.planner,
		Command:     d.command,
		ArtifactDir: d.cfg.Devices.ArtifactDir,
		History:     d.historyRecorder(),
		RetryBackoff:    d.cfg.Generation.RetryBackoff(),
		RetryBackoffMax: d.cfg.Generation.RetryBackoffMax(),
		Observer: func(r generation.PassReport) {
			d.metrics.ObservePass(r.Device, r.Outcome, r.Generated+r.Regenerated)
		},
		Logger: d.base,
	})
	d.mu.Lock()
	d.units[dev.Path] = &deviceUnit{arbiter: arb, job: job}
	d.mu.Unlock()

	if err := job.Start(ctx); err != nil {
		logging.WarnWithContext(d.logger, "generation job failed to start", "generation_start_failed",
			logging.Device(dev.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "restart the daemon"),
			logging.String(logging.FieldImpact, "no artifacts are generated on this device"))
	}
	d.logger.Info("device registered",
		logging.Device(dev.Path),
		logging.Bytes("total", dev.Total),
		logging.Bytes("free", dev.Free),
		logging.String(logging.FieldEventType, "device_registered"))
}

func (d *Daemon) historyRecorder() history.Recorder {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.history == nil {
		return nil
	}
	return d.history
}

// retireUnit blocks exploitation on the device and stops its job. The
// caller must not hold d.mu.
func (d *Daemon) retireUnit(path string) {
	d.mu.Lock()
	unit, ok := d.units[path]
	delete(d.units, path)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.bus.Publish(bus.ForDevice(bus.ExploitationBlockedForDevice, unit.job.Device()))
	unit.job.Stop()
	unit.arbiter.Close()
	d.metrics.ForgetDevice(path)
	d.logger.Info("device retired",
		logging.Device(path),
		logging.String(logging.FieldEventType, "device_retired"))
}

// Rediscover re-reads the device set, registering new devices and retiring
// vanished ones.
func (d *Daemon) Rediscover(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if !d.running.Load() {
		return nil
	}
	devices, err := d.discoverDevices()
	if err != nil {
		return err
	}

	d.mu.Lock()
	jobCtx := d.ctx
	current := make(map[string]struct{}, len(d.units))
	for path := range d.units {
		current[path] = struct{}{}
	}
	d.mu.Unlock()

	found := make(map[string]struct{}, len(devices))
	for _, dev := range devices {
		found[dev.Path] = struct{}{}
	}
	for path := range current {
		if _, ok := found[path]; !ok {
			d.retireUnit(path)
		}
	}
	for _, dev := range devices {
		if _, ok := current[dev.Path]; !ok {
			d.addUnit(jobCtx, dev)
		}
	}
	d.disk.SetDevices(devices)
	return nil
}

// Stop cancels every component, waits for all processes to be reaped and
// releases the daemon lock.
func (d *Daemon) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if !d.running.Load() {
		return
	}
	d.teardown()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the lock file if a restart reports a running instance"),
			logging.String(logging.FieldImpact, "the next start may be refused"))
	}
	d.running.Store(false)
	d.logger.Info("plotkeeper daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

func (d *Daemon) teardown() {
	d.apiServer.Stop()
	d.hotplug.Stop()
	d.disk.Stop()
	d.activity.Stop()
	d.idle.Stop()

	d.mu.Lock()
	paths := make([]string, 0, len(d.units))
	for path := range d.units {
		paths = append(paths, path)
	}
	d.mu.Unlock()
	for _, path := range paths {
		d.mu.Lock()
		unit := d.units[path]
		delete(d.units, path)
		d.mu.Unlock()
		unit.job.Stop()
		unit.arbiter.Close()
	}

	d.mu.Lock()
	supervisor := d.supervisor
	d.mu.Unlock()
	if supervisor != nil {
		supervisor.Stop()
	}
	d.scheduler.Close()
	d.reclaimer.Close()
	d.metrics.Close()

	d.mu.Lock()
	cancel := d.cancel
	store := d.history
	done := d.done
	d.cancel = nil
	d.ctx = nil
	d.history = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.bus.Wait()
	if store != nil {
		if err := store.Close(); err != nil {
			d.logger.Warn("failed to close history store", logging.Error(err))
		}
	}
	if done != nil {
		close(done)
	}
}

// Close stops the daemon and closes the activity signal file.
func (d *Daemon) Close() error {
	d.Stop()
	return d.signal.Close()
}

// DeviceState combines a device's capacity snapshot with its arbitration state.
type DeviceState struct {
	Device     storage.Device
	Arbiter    arbiter.State
	Job        generation.Status
	Exploiting bool
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool
	PID            int
	LockFilePath   string
	HistoryPath    string
	SignalPath     string
	MachineIdle    bool
	LastActivity   time.Time
	ActivityEvents uint64
	Devices        []DeviceState
	Exploitation   exploitation.Status
	Dependencies   []deps.Status
	Recent         []history.Run
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		LockFilePath:   d.lockPath,
		HistoryPath:    d.cfg.HistoryPath(),
		SignalPath:     d.cfg.Paths.SignalPath,
		MachineIdle:    d.idle.Idle(),
		LastActivity:   d.idle.LastInteraction(),
		ActivityEvents: d.activity.Events(),
	}

	snapshot := make(map[string]storage.Device)
	for _, dev := range d.disk.Snapshot() {
		snapshot[dev.Path] = dev
	}

	d.mu.Lock()
	units := make(map[string]*deviceUnit, len(d.units))
	for path, unit := range d.units {
		units[path] = unit
	}
	status.Dependencies = append([]deps.Status(nil), d.deps...)
	supervisor := d.supervisor
	d.mu.Unlock()

	for path, unit := range units {
		dev, ok := snapshot[path]
		if !ok || dev.Total == 0 {
			dev = unit.job.Device()
		}
		status.Devices = append(status.Devices, DeviceState{
			Device:     dev,
			Arbiter:    unit.arbiter.State(),
			Job:        unit.job.Status(),
			Exploiting: d.scheduler.Contains(path),
		})
	}
	sort.Slice(status.Devices, func(i, j int) bool {
		return status.Devices[i].Device.Path < status.Devices[j].Device.Path
	})

	if supervisor != nil {
		status.Exploitation = supervisor.Status()
	}
	if runs, err := d.History(ctx, recentHistory); err == nil {
		status.Recent = runs
	}
	return status
}

// History returns the most recent job runs.
func (d *Daemon) History(ctx context.Context, limit int) ([]history.Run, error) {
	d.mu.Lock()
	store := d.history
	d.mu.Unlock()
	if store == nil {
		return nil, services.Wrap(services.ErrNotFound, "daemon", "history", "history store not open", nil)
	}
	return store.Recent(ctx, limit)
}

// API converts the status to its transport form.
func (s Status) API(now time.Time) api.DaemonStatus {
	out := api.DaemonStatus{
		Running:        s.Running,
		PID:            s.PID,
		LockFilePath:   s.LockFilePath,
		HistoryDBPath:  s.HistoryPath,
		SignalPath:     s.SignalPath,
		MachineIdle:    s.MachineIdle,
		LastActivity:   api.FormatTime(s.LastActivity),
		ActivityEvents: s.ActivityEvents,
		Devices:        make([]api.DeviceStatus, 0, len(s.Devices)),
		Exploitation:   api.FromSupervisorStatus(s.Exploitation),
		Dependencies:   make([]api.DependencyStatus, 0, len(s.Dependencies)),
		Recent:         api.FromRuns(s.Recent, now),
	}
	for _, dev := range s.Devices {
		out.Devices = append(out.Devices, api.FromDevice(dev.Device, dev.Arbiter, dev.Job, dev.Exploiting))
	}
	for _, dep := range s.Dependencies {
		out.Dependencies = append(out.Dependencies, api.DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
		})
	}
	return out
}

// apiProvider adapts the daemon to the HTTP API.
type apiProvider struct{ d *Daemon }

func (p apiProvider) Status(ctx context.Context) api.DaemonStatus {
	return p.d.Status(ctx).API(time.Now())
}

func (p apiProvider) History(ctx context.Context, limit int) ([]api.HistoryEntry, error) {
	runs, err := p.d.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	return api.FromRuns(runs, time.Now()), nil
}
