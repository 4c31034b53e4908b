package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"plotkeeper/internal/logging"
	"plotkeeper/internal/services"
)

const (
	defaultWaitDelay = 5 * time.Second
	tailLines        = 10
)

// Command describes one external process invocation.
type Command struct {
	// Name labels the process in logs, e.g. "plotter".
	Name   string
	Binary string
	Args   []string
	Dir    string
	Env    []string
	// Throttle is the minimum spacing between logged output lines. Zero logs
	// every line.
	Throttle time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Binary + " " + strings.Join(c.Args, " "))
}

// Result summarizes a finished process.
type Result struct {
	PID        int
	ExitCode   int
	Duration   time.Duration
	Lines      int
	Suppressed int
	// Tail holds the last output lines for failure reporting.
	Tail []string
}

// ExitError reports a non-zero exit status.
type ExitError struct {
	Name string
	Code int
	Tail []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
	if len(e.Tail) > 0 {
		msg += ": " + e.Tail[len(e.Tail)-1]
	}
	return msg
}

// JobRunner runs one external command to completion or cancellation.
type JobRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithWaitDelay overrides how long Run waits on output pipes after the
// process group has been killed.
func WithWaitDelay(d time.Duration) Option {
	return func(r *ExecRunner) {
		if d > 0 {
			r.waitDelay = d
		}
	}
}

// WithStartHook is called with the pid after the process starts.
func WithStartHook(fn func(cmd Command, pid int)) Option {
	return func(r *ExecRunner) { r.onStart = fn }
}

// ExecRunner is the os/exec backed JobRunner.
type ExecRunner struct {
	logger    *slog.Logger
	waitDelay time.Duration
	onStart   func(Command, int)
}

// New constructs an ExecRunner.
func New(logger *slog.Logger, opts ...Option) *ExecRunner {
	r := &ExecRunner{
		logger:    logging.NewComponentLogger(logger, "runner"),
		waitDelay: defaultWaitDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the command and blocks until it exits. Cancelling ctx kills the
// whole process group; Run then returns context.Cause(ctx).
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	name := c.Name
	if name == "" {
		name = c.Binary
	}
	logger := r.logger.With(logging.String(logging.FieldJob, name))

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...) //nolint:gosec
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	cmd.WaitDelay = r.waitDelay

	out := newLineSink(logger, logging.NewThrottle(c.Throttle))
	cmd.Stdout = out.stream("stdout")
	cmd.Stderr = out.stream("stderr")

	started := time.Now()
	if err := cmd.Start(); err != nil {
		logging.ErrorWithContext(logger, "external process failed to start", "process_start_failed",
			logging.String("binary", c.Binary),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the binary path and permissions in the config"),
			logging.String(logging.FieldImpact, "job pass fails until the binary is fixed"),
		)
		return Result{ExitCode: -1}, services.Wrap(services.ErrExternalTool, name, "start", c.Binary, err)
	}
	pid := cmd.Process.Pid
	logger.Info("external process started",
		logging.Int("pid", pid),
		logging.String("command", c.String()),
		logging.String(logging.FieldEventType, "process_started"),
	)
	if r.onStart != nil {
		r.onStart(c, pid)
	}

	waitErr := cmd.Wait()
	out.flush()
	result := Result{
		PID:        pid,
		ExitCode:   exitCode(cmd),
		Duration:   time.Since(started),
		Lines:      out.lines(),
		Suppressed: out.throttle.Suppressed(),
		Tail:       out.tailLines(),
	}

	if ctx.Err() != nil {
		logger.Info("external process cancelled",
			logging.Int("pid", pid),
			logging.Duration("duration", result.Duration),
			logging.Any("cause", context.Cause(ctx)),
			logging.String(logging.FieldEventType, "process_cancelled"),
		)
		return result, context.Cause(ctx)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			logging.WarnWithContext(logger, "external process exited with failure", "process_failed",
				logging.Int("pid", pid),
				logging.Int("exit_code", result.ExitCode),
				logging.Duration("duration", result.Duration),
				logging.String(logging.FieldErrorHint, "inspect the process output above"),
				logging.String(logging.FieldImpact, "job pass fails and retries on the next trigger"),
			)
			return result, &ExitError{Name: name, Code: result.ExitCode, Tail: result.Tail}
		}
		return result, fmt.Errorf("wait %s: %w", name, waitErr)
	}
	logger.Info("external process finished",
		logging.Int("pid", pid),
		logging.Duration("duration", result.Duration),
		logging.Int("lines", result.Lines),
		logging.String(logging.FieldEventType, "process_finished"),
	)
	return result, nil
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// lineSink splits process output into lines and logs them through a shared
// throttle. Each stream has its own partial-line buffer.
type lineSink struct {
	logger   *slog.Logger
	throttle *logging.Throttle

	mu      sync.Mutex
	count   int
	tail    []string
	streams []*lineStream
}

func newLineSink(logger *slog.Logger, throttle *logging.Throttle) *lineSink {
	return &lineSink{logger: logger, throttle: throttle}
}

func (s *lineSink) stream(name string) *lineStream {
	ls := &lineStream{sink: s, name: name}
	s.streams = append(s.streams, ls)
	return ls
}

func (s *lineSink) emit(stream, line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	s.mu.Lock()
	s.count++
	s.tail = append(s.tail, line)
	if len(s.tail) > tailLines {
		s.tail = s.tail[len(s.tail)-tailLines:]
	}
	s.mu.Unlock()

	ok, suppressed := s.throttle.Allow()
	if !ok {
		return
	}
	attrs := []logging.Attr{
		logging.String("stream", stream),
		logging.String("line", line),
	}
	if suppressed > 0 {
		attrs = append(attrs, logging.Int("suppressed", suppressed))
	}
	s.logger.Info("process output", logging.Args(attrs...)...)
}

func (s *lineSink) flush() {
	for _, ls := range s.streams {
		ls.flush()
	}
}

func (s *lineSink) lines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *lineSink) tailLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tail...)
}

// lineStream is the io.Writer handed to exec.Cmd for one output stream.
type lineStream struct {
	sink *lineSink
	name string

	mu      sync.Mutex
	partial []byte
}

func (l *lineStream) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partial = append(l.partial, p...)
	for {
		idx := bytes.IndexByte(l.partial, '\n')
		if idx < 0 {
			break
		}
		line := string(l.partial[:idx])
		l.partial = l.partial[idx+1:]
		l.sink.emit(l.name, line)
	}
	return len(p), nil
}

func (l *lineStream) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.partial) > 0 {
		l.sink.emit(l.name, string(l.partial))
		l.partial = nil
	}
}
