package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"plotkeeper/internal/artifact"
	"plotkeeper/internal/bus"
	"plotkeeper/internal/history"
	"plotkeeper/internal/logging"
	"plotkeeper/internal/runner"
	"plotkeeper/internal/services"
	"plotkeeper/internal/storage"
)

const (
	defaultRetryBackoff    = 30 * time.Second
	defaultRetryBackoffMax = 30 * time.Minute
)

// Pass cancellation causes.
var (
	ErrUserActivity      = errors.New("user activity")
	ErrInsufficientSpace = errors.New("insufficient space")
)

// State is the lifecycle state of a Job.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Status is a snapshot of a Job for status surfaces.
type Status struct {
	Device       string           `json:"device"`
	State        State            `json:"state"`
	Passes       int              `json:"passes"`
	Generated    int              `json:"generated"`
	LastOutcome  services.Outcome `json:"last_outcome,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	LastFinished time.Time        `json:"last_finished,omitzero"`
	Current      *Step            `json:"current,omitempty"`
	// Failures counts consecutive failed passes; RetryAfter gates the next
	// triggered pass while it is non-zero.
	Failures   int       `json:"consecutive_failures,omitempty"`
	RetryAfter time.Time `json:"retry_after,omitzero"`
}

// PassReport describes one finished pass.
type PassReport struct {
	Device      string
	Outcome     services.Outcome
	Regenerated int
	Generated   int
	Bytes       uint64
	Duration    time.Duration
	Err         error
}

// Deps are the collaborators of a Job.
type Deps struct {
	Bus         *bus.Bus
	Runner      runner.JobRunner
	Prober      storage.Prober
	Planner     Planner
	Command     CommandConfig
	ArtifactDir string
	History     history.Recorder
	// RetryBackoff is the pause after a failed pass before eligibility
	// triggers start another one. It doubles per consecutive failure up to
	// RetryBackoffMax.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	// Observer, when set, is called after every pass.
	Observer func(PassReport)
	Logger   *slog.Logger
}

// Job is the generation state machine of one device.
type Job struct {
	deps    Deps
	logger  *slog.Logger
	trigger chan struct{}

	mu      sync.Mutex
	device  storage.Device
	status  Status
	sub     *bus.Subscription
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJob constructs an idle job for device.
func NewJob(device storage.Device, deps Deps) *Job {
	if deps.RetryBackoff <= 0 {
		deps.RetryBackoff = defaultRetryBackoff
	}
	if deps.RetryBackoffMax < deps.RetryBackoff {
		deps.RetryBackoffMax = max(defaultRetryBackoffMax, deps.RetryBackoff)
	}
	return &Job{
		deps:    deps,
		logger:  logging.NewComponentLogger(deps.Logger, "generation").With(logging.Device(device.Path)),
		trigger: make(chan struct{}, 1),
		device:  device,
		status:  Status{Device: device.Path, State: StateIdle},
	}
}

// Device returns the latest known snapshot of the job's device.
func (j *Job) Device() storage.Device {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.device
}

// Status returns a copy of the job status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.status
	if st.Current != nil {
		step := *st.Current
		st.Current = &step
	}
	return st
}

// State returns the lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.State
}

// Start subscribes to eligibility triggers and launches the job goroutine,
// which runs its first pass immediately.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return errors.New("generation job already started")
	}
	jobCtx, cancel := context.WithCancel(ctx)
	jobCtx = services.WithDevice(services.WithJob(jobCtx, history.KindGeneration), j.device.Path)
	j.cancel = cancel
	j.started = true

	j.sub = j.deps.Bus.Subscribe(bus.DeviceAvailableForGeneration, func(n bus.Notification) {
		j.mu.Lock()
		j.device = n.Device
		j.mu.Unlock()
		select {
		case j.trigger <- struct{}{}:
		default:
		}
	}, bus.WithDevice(j.device.Path))

	j.wg.Add(1)
	go j.loop(jobCtx)
	return nil
}

// Stop cancels any running pass, waits for the plotter to be reaped and the
// goroutine to exit, and releases the trigger subscription.
func (j *Job) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	sub := j.sub
	j.cancel = nil
	j.sub = nil
	j.mu.Unlock()

	sub.Cancel()
	if cancel != nil {
		cancel()
	}
	j.wg.Wait()

	j.mu.Lock()
	j.status.State = StateStopped
	j.mu.Unlock()
}

// Wait blocks until the job goroutine exits.
func (j *Job) Wait() { j.wg.Wait() }

func (j *Job) loop(ctx context.Context) {
	defer j.wg.Done()

	j.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.trigger:
			if until, ok := j.backingOff(); ok {
				j.logger.Debug("eligibility trigger ignored after failed pass",
					logging.String("retry_after", until.Format(time.RFC3339)))
				continue
			}
			j.runPass(ctx)
		}
	}
}

func (j *Job) backingOff() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	until := j.status.RetryAfter
	return until, !until.IsZero() && time.Now().Before(until)
}

// recordOutcome updates the failure streak and returns the backoff before the
// next triggered pass. A completed pass clears the streak; a cancelled one
// leaves it untouched.
func (j *Job) recordOutcome(outcome services.Outcome, finished time.Time) time.Duration {
	switch outcome {
	case services.OutcomeCompleted:
		j.status.Failures = 0
		j.status.RetryAfter = time.Time{}
		return 0
	case services.OutcomeCancelled:
		return 0
	}
	j.status.Failures++
	delay := j.deps.RetryBackoff
	for i := 1; i < j.status.Failures && delay < j.deps.RetryBackoffMax; i++ {
		delay *= 2
	}
	delay = min(delay, j.deps.RetryBackoffMax)
	j.status.RetryAfter = finished.Add(delay)
	return delay
}

func (j *Job) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	passCtx, cancel := context.WithCancelCause(ctx)
	path := j.Device().Path
	subs := []*bus.Subscription{
		j.deps.Bus.Subscribe(bus.UserInteracted, func(bus.Notification) {
			cancel(ErrUserActivity)
		}),
		j.deps.Bus.Subscribe(bus.SpaceInsufficient, func(bus.Notification) {
			cancel(ErrInsufficientSpace)
		}, bus.WithDevice(path)),
	}
	defer func() {
		for _, s := range subs {
			s.Cancel()
		}
		cancel(nil)
		j.drainTriggers()
	}()

	device := j.Device()

	// Inline delivery: exploitation of this device is blocked before the
	// plotter starts, and before status reports the pass as running.
	j.deps.Bus.Publish(bus.ForDevice(bus.GenerationInProgress, device))

	j.mu.Lock()
	j.status.State = StateRunning
	j.status.Passes++
	j.mu.Unlock()

	runID := j.beginRun(passCtx, path)
	passCtx = services.WithRunID(passCtx, runID)
	logger := logging.WithContext(passCtx, j.logger)
	logger.Info("generation pass started",
		logging.Bytes("free", device.Free),
		logging.Bytes("total", device.Total),
		logging.String(logging.FieldEventType, "generation_started"),
	)

	started := time.Now()
	report, err := j.pass(passCtx, logger)
	report.Device = path
	report.Duration = time.Since(started)
	report.Err = err
	report.Outcome = services.OutcomeFor(passCtx, err)

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	j.finishRun(ctx, runID, report.Outcome, detail, logger)

	j.mu.Lock()
	j.status.State = StateIdle
	j.status.Current = nil
	j.status.Generated += report.Generated
	j.status.LastOutcome = report.Outcome
	j.status.LastError = detail
	j.status.LastFinished = time.Now()
	backoff := j.recordOutcome(report.Outcome, j.status.LastFinished)
	j.mu.Unlock()

	switch report.Outcome {
	case services.OutcomeCompleted:
		logger.Info("generation pass completed",
			logging.Int("regenerated", report.Regenerated),
			logging.Int("generated", report.Generated),
			logging.Bytes("bytes", report.Bytes),
			logging.Duration("duration", report.Duration),
			logging.String(logging.FieldEventType, "generation_completed"),
		)
		finished := j.Device()
		if current, probeErr := storage.Refresh(j.deps.Prober, finished); probeErr == nil {
			finished = current
		}
		j.deps.Bus.Publish(bus.ForDevice(bus.GenerationComplete, finished))
	case services.OutcomeCancelled:
		logger.Info("generation pass cancelled",
			logging.Any("cause", context.Cause(passCtx)),
			logging.Int("generated", report.Generated),
			logging.String(logging.FieldEventType, "generation_cancelled"),
		)
	default:
		logging.WarnWithContext(logger, "generation pass failed", "generation_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the plotter output and configuration"),
			logging.Duration("retry_in", backoff),
			logging.String(logging.FieldImpact, "device retries on the first eligibility signal after the backoff"),
		)
	}
	if j.deps.Observer != nil {
		j.deps.Observer(report)
	}
}

func (j *Job) pass(ctx context.Context, logger *slog.Logger) (PassReport, error) {
	var report PassReport
	device := j.Device()
	dir := device.ArtifactDir(j.deps.ArtifactDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return report, fmt.Errorf("create artifact directory: %w", err)
	}
	existing, err := artifact.List(dir)
	if err != nil {
		return report, err
	}

	planner := j.deps.Planner
	for _, step := range planner.Regenerations(existing) {
		if err := j.runStep(ctx, dir, step); err != nil {
			return report, err
		}
		report.Regenerated++
	}

	next := planner.Sequencer.Next(existing)
	projected := device
	bigConsidered := false
	for {
		if ctx.Err() != nil {
			return report, context.Cause(ctx)
		}
		current, err := storage.Refresh(j.deps.Prober, device)
		if err != nil {
			logging.WarnWithContext(logger, "free space probe failed; projecting from last reading", "generation_probe_failed",
				logging.Error(err),
				logging.Bytes("projected_free", projected.Free),
				logging.String(logging.FieldErrorHint, "check that the device is still mounted"),
				logging.String(logging.FieldImpact, "planning continues on projected free space"),
			)
			current = projected
		}

		step, ok := planner.NextNew(current, bigConsidered, next)
		bigConsidered = true
		if !ok {
			return report, nil
		}
		if err := j.runStep(ctx, dir, step); err != nil {
			return report, err
		}
		report.Generated++
		report.Bytes += step.Size
		next += step.Count
		projected = current
		if projected.Free > step.Size {
			projected.Free -= step.Size
		} else {
			projected.Free = 0
		}
	}
}

func (j *Job) runStep(ctx context.Context, dir string, step Step) error {
	j.mu.Lock()
	j.status.Current = &step
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.status.Current = nil
		j.mu.Unlock()
	}()

	j.logger.Debug("plotter step",
		logging.String("kind", string(step.Kind)),
		logging.Uint64("start", step.Start),
		logging.Uint64("count", step.Count),
	)
	cmd := j.deps.Command.Build(dir, step.Start, step.Count)
	if _, err := j.deps.Runner.Run(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("%s artifact at %d: %w", step.Kind, step.Start, err)
	}
	return nil
}

func (j *Job) drainTriggers() {
	for {
		select {
		case <-j.trigger:
		default:
			return
		}
	}
}

func (j *Job) beginRun(ctx context.Context, device string) string {
	if j.deps.History == nil {
		return ""
	}
	id, err := j.deps.History.Begin(context.WithoutCancel(ctx), history.KindGeneration, []string{device})
	if err != nil {
		logging.WarnWithContext(j.logger, "history begin failed", "history_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the state directory"),
			logging.String(logging.FieldImpact, "this pass is missing from history"),
		)
		return ""
	}
	return id
}

func (j *Job) finishRun(ctx context.Context, id string, outcome services.Outcome, detail string, logger *slog.Logger) {
	if j.deps.History == nil || id == "" {
		return
	}
	if err := j.deps.History.Finish(context.WithoutCancel(ctx), id, outcome, detail); err != nil {
		logging.WarnWithContext(logger, "history finish failed", "history_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the state directory"),
			logging.String(logging.FieldImpact, "this pass stays open in history"),
		)
	}
}
