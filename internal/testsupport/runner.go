package testsupport

import (
	"context"
	"sync"

	"plotkeeper/internal/runner"
)

// StubRunner is a runner.JobRunner that records invocations instead of
// launching processes. By default each Run returns immediately; Blocking makes
// runs wait for cancellation.
type StubRunner struct {
	mu       sync.Mutex
	calls    []runner.Command
	blocking bool
	blockFor map[string]bool
	blockOne map[string]int
	active   int
	maxSeen  int
	results  []error
	failWith error
	onRun    func(runner.Command)
	started  chan runner.Command
}

// NewStubRunner returns a StubRunner whose runs complete immediately.
func NewStubRunner() *StubRunner {
	return &StubRunner{started: make(chan runner.Command, 64)}
}

// Blocking makes every later Run wait until its context is cancelled.
func (s *StubRunner) Blocking() *StubRunner {
	s.mu.Lock()
	s.blocking = true
	s.mu.Unlock()
	return s
}

// BlockNamed makes later runs of commands with the given names wait until
// their context is cancelled, while other commands complete immediately.
func (s *StubRunner) BlockNamed(names ...string) *StubRunner {
	s.mu.Lock()
	if s.blockFor == nil {
		s.blockFor = make(map[string]bool)
	}
	for _, name := range names {
		s.blockFor[name] = true
	}
	s.mu.Unlock()
	return s
}

// BlockNext makes only the next run of the named command wait until its
// context is cancelled.
func (s *StubRunner) BlockNext(name string) *StubRunner {
	s.mu.Lock()
	if s.blockOne == nil {
		s.blockOne = make(map[string]int)
	}
	s.blockOne[name]++
	s.mu.Unlock()
	return s
}

// FailNext queues errors returned by the next runs, in order.
func (s *StubRunner) FailNext(errs ...error) {
	s.mu.Lock()
	s.results = append(s.results, errs...)
	s.mu.Unlock()
}

// FailAlways makes every run without a queued FailNext result return err.
func (s *StubRunner) FailAlways(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// OnRun registers a hook invoked synchronously at the start of every Run.
func (s *StubRunner) OnRun(fn func(runner.Command)) {
	s.mu.Lock()
	s.onRun = fn
	s.mu.Unlock()
}

// Started receives each command as it begins running.
func (s *StubRunner) Started() <-chan runner.Command { return s.started }

// CallsNamed returns the commands run so far with the given name.
func (s *StubRunner) CallsNamed(name string) []runner.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runner.Command
	for _, c := range s.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Calls returns a copy of every command run so far.
func (s *StubRunner) Calls() []runner.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runner.Command(nil), s.calls...)
}

// Active returns the number of runs currently in progress.
func (s *StubRunner) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MaxConcurrent returns the largest number of simultaneous runs observed.
func (s *StubRunner) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen
}

// Run implements runner.JobRunner.
func (s *StubRunner) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	blocking := s.blocking || s.blockFor[cmd.Name]
	if s.blockOne[cmd.Name] > 0 {
		s.blockOne[cmd.Name]--
		blocking = true
	}
	hook := s.onRun
	result := s.failWith
	if len(s.results) > 0 {
		result = s.results[0]
		s.results = s.results[1:]
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if hook != nil {
		hook(cmd)
	}
	select {
	case s.started <- cmd:
	default:
	}
	if result != nil {
		return runner.Result{ExitCode: 1}, result
	}
	if blocking {
		<-ctx.Done()
		return runner.Result{ExitCode: -1}, context.Cause(ctx)
	}
	if err := ctx.Err(); err != nil {
		return runner.Result{ExitCode: -1}, context.Cause(ctx)
	}
	return runner.Result{}, nil
}
