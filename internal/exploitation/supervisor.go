package exploitation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/history"
	"plotkeeper/internal/logging"
	"plotkeeper/internal/runner"
	"plotkeeper/internal/services"
	"plotkeeper/internal/storage"
)

// ErrSuperseded is the cancellation cause of a miner replaced by a newer set.
var ErrSuperseded = errors.New("exploitation set changed")

const defaultRelaunchDelay = 30 * time.Second

// Status is a snapshot of the supervisor.
type Status struct {
	Running  bool      `json:"running"`
	Devices  []string  `json:"devices"`
	Version  uint64    `json:"version"`
	Restarts int       `json:"restarts"`
	Since    time.Time `json:"since,omitzero"`
	PID      int       `json:"pid,omitempty"`
}

// SupervisorDeps are the collaborators of a Supervisor.
type SupervisorDeps struct {
	Bus         *bus.Bus
	Runner      runner.JobRunner
	Writer      *ConfigWriter
	Binary      string
	ArtifactDir string
	LogThrottle time.Duration
	History     history.Recorder
	// RelaunchDelay is the pause before restarting a miner that exited on
	// its own. Zero uses 30s.
	RelaunchDelay time.Duration
	// Observer, when set, is called after every applied restart with the new
	// set size.
	Observer func(size int)
	Logger   *slog.Logger
}

type minerJob struct {
	cancel  context.CancelCauseFunc
	done    chan struct{}
	devices []storage.Device
	started time.Time
}

// Supervisor keeps at most one miner process running over the latest
// exploitation set.
type Supervisor struct {
	deps   SupervisorDeps
	logger *slog.Logger

	// applyMu serializes restarts; it is held while waiting for a miner to
	// exit, so the miner goroutine only ever takes mu.
	applyMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	sub      *bus.Subscription
	version  uint64
	current  *minerJob
	restarts int
	pid      int
}

// NewSupervisor constructs a supervisor.
func NewSupervisor(deps SupervisorDeps) *Supervisor {
	if deps.RelaunchDelay <= 0 {
		deps.RelaunchDelay = defaultRelaunchDelay
	}
	return &Supervisor{
		deps:   deps,
		logger: logging.NewComponentLogger(deps.Logger, "supervisor"),
	}
}

// Start subscribes to RestartExploitation. Miner processes inherit ctx.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return
	}
	s.ctx = services.WithJob(ctx, history.KindExploitation)
	s.sub = s.deps.Bus.Subscribe(bus.RestartExploitation, s.apply)
}

// Stop unsubscribes and stops the running miner, waiting for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	sub.Cancel()

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.stopCurrent(context.Canceled)
}

// Status returns the current supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Version: s.version, Restarts: s.restarts, PID: s.pid}
	if s.current != nil {
		st.Running = true
		st.Since = s.current.started
		st.Devices = storage.Paths(s.current.devices)
	}
	return st
}

func (s *Supervisor) apply(n bus.Notification) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	// Version 0 marks an unversioned restart, which always applies and
	// leaves the ordering watermark alone.
	s.mu.Lock()
	if current := s.version; n.Version != 0 && n.Version <= current {
		s.mu.Unlock()
		s.logger.Debug("ignoring stale restart",
			logging.Uint64("version", n.Version),
			logging.Uint64("current_version", current),
		)
		return
	}
	if n.Version != 0 {
		s.version = n.Version
	}
	s.restarts++
	ctx := s.ctx
	s.mu.Unlock()

	s.stopCurrent(ErrSuperseded)

	if len(n.Devices) > 0 && ctx != nil && ctx.Err() == nil {
		s.launch(ctx, n.Devices)
	} else {
		s.logger.Info("exploitation idle; no devices in set",
			logging.Uint64("version", n.Version),
			logging.String(logging.FieldEventType, "exploitation_idle"),
		)
	}
	if s.deps.Observer != nil {
		s.deps.Observer(len(n.Devices))
	}
}

// stopCurrent cancels the running miner and waits for its goroutine, which
// returns only after the process is reaped. Callers hold applyMu.
func (s *Supervisor) stopCurrent(cause error) {
	s.mu.Lock()
	job := s.current
	s.current = nil
	s.mu.Unlock()
	if job == nil {
		return
	}
	job.cancel(cause)
	<-job.done
}

func (s *Supervisor) launch(parent context.Context, devices []storage.Device) {
	ctx, cancel := context.WithCancelCause(parent)
	job := &minerJob{
		cancel:  cancel,
		done:    make(chan struct{}),
		devices: append([]storage.Device(nil), devices...),
		started: time.Now(),
	}
	s.mu.Lock()
	s.current = job
	s.mu.Unlock()

	dirs := make([]string, 0, len(devices))
	for _, d := range devices {
		dirs = append(dirs, d.ArtifactDir(s.deps.ArtifactDir))
	}
	go s.run(ctx, job, dirs)
}

func (s *Supervisor) run(ctx context.Context, job *minerJob, dirs []string) {
	defer close(job.done)
	defer job.cancel(nil)

	paths := storage.Paths(job.devices)
	logger := s.logger.With(logging.Strings("devices", paths))
	for {
		err := s.runOnce(ctx, paths, dirs, logger)
		if ctx.Err() != nil {
			return
		}
		logging.WarnWithContext(logger, "miner exited unexpectedly", "exploitation_exited",
			logging.Error(err),
			logging.Duration("relaunch_in", s.deps.RelaunchDelay),
			logging.String(logging.FieldErrorHint, "check the miner output and configuration"),
			logging.String(logging.FieldImpact, "artifacts are not scanned until the miner is relaunched"),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.deps.RelaunchDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, paths, dirs []string, logger *slog.Logger) error {
	runID := s.beginRun(ctx, paths)
	ctx = services.WithRunID(ctx, runID)

	configPath, err := s.deps.Writer.Write(dirs)
	if err != nil {
		s.finishRun(ctx, runID, services.OutcomeFailed, err.Error())
		return err
	}
	defer func() { _ = os.Remove(configPath) }()

	logging.WithContext(ctx, logger).Info("starting miner",
		logging.String("config", configPath),
		logging.String(logging.FieldEventType, "exploitation_started"),
	)
	result, err := s.deps.Runner.Run(ctx, runner.Command{
		Name:     "miner",
		Binary:   s.deps.Binary,
		Args:     []string{"--config", configPath},
		Throttle: s.deps.LogThrottle,
	})
	s.mu.Lock()
	s.pid = result.PID
	s.mu.Unlock()

	if err == nil && ctx.Err() == nil {
		err = errors.New("miner exited")
	}
	outcome := services.OutcomeFor(ctx, err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if cause := context.Cause(ctx); cause != nil && outcome == services.OutcomeCancelled {
		detail = cause.Error()
	}
	s.finishRun(ctx, runID, outcome, detail)
	return err
}

func (s *Supervisor) beginRun(ctx context.Context, devices []string) string {
	if s.deps.History == nil {
		return ""
	}
	id, err := s.deps.History.Begin(context.WithoutCancel(ctx), history.KindExploitation, devices)
	if err != nil {
		logging.WarnWithContext(s.logger, "history begin failed", "history_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "this miner run is missing from history"),
		)
		return ""
	}
	return id
}

func (s *Supervisor) finishRun(ctx context.Context, id string, outcome services.Outcome, detail string) {
	if s.deps.History == nil || id == "" {
		return
	}
	if err := s.deps.History.Finish(context.WithoutCancel(ctx), id, outcome, detail); err != nil {
		logging.WarnWithContext(s.logger, "history finish failed", "history_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "this miner run stays open in history"),
		)
	}
}
