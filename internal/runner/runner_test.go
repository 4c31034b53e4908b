package runner_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"plotkeeper/internal/logging"
	"plotkeeper/internal/runner"
	"plotkeeper/internal/services"
)

func newRunner(t *testing.T, buf *bytes.Buffer) *runner.ExecRunner {
	t.Helper()
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", Writer: buf})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return runner.New(logger)
}

func TestRunSuccess(t *testing.T) {
	var buf bytes.Buffer
	r := newRunner(t, &buf)

	result, err := r.Run(context.Background(), runner.Command{
		Name:   "echo",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo one; echo two >&2; printf three"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d", result.ExitCode)
	}
	if result.Lines != 3 {
		t.Fatalf("expected 3 lines including the unterminated one, got %d", result.Lines)
	}
	if !strings.Contains(buf.String(), `"line":"three"`) {
		t.Fatalf("expected trailing partial line to be logged, got %s", buf.String())
	}
}

func TestRunThrottlesOutput(t *testing.T) {
	var buf bytes.Buffer
	r := newRunner(t, &buf)

	result, err := r.Run(context.Background(), runner.Command{
		Name:     "chatty",
		Binary:   "/bin/sh",
		Args:     []string{"-c", "i=0; while [ $i -lt 200 ]; do echo line $i; i=$((i+1)); done"},
		Throttle: time.Hour,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Lines != 200 {
		t.Fatalf("expected 200 lines seen, got %d", result.Lines)
	}
	if result.Suppressed != 199 {
		t.Fatalf("expected 199 suppressed lines, got %d", result.Suppressed)
	}
	if got := strings.Count(buf.String(), `"msg":"process output"`); got != 1 {
		t.Fatalf("expected exactly one logged output line, got %d", got)
	}
	if len(result.Tail) == 0 || result.Tail[len(result.Tail)-1] != "line 199" {
		t.Fatalf("unexpected tail %v", result.Tail)
	}
}

func TestRunStartFailureIsExternalToolError(t *testing.T) {
	r := runner.New(nil)
	_, err := r.Run(context.Background(), runner.Command{Name: "plotter", Binary: "/nonexistent/plotter"})
	if err == nil {
		t.Fatal("expected start failure")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected ErrExternalTool, got %v", err)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := runner.New(nil)
	result, err := r.Run(context.Background(), runner.Command{
		Name:   "failing",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo boom; exit 3"},
	})
	var exitErr *runner.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 || result.ExitCode != 3 {
		t.Fatalf("exit code = %d/%d, want 3", exitErr.Code, result.ExitCode)
	}
	if !strings.Contains(exitErr.Error(), "boom") {
		t.Fatalf("expected last output line in error, got %q", exitErr.Error())
	}
}

func TestRunCancelKillsProcessGroup(t *testing.T) {
	// A long WaitDelay proves the return is driven by the group kill closing
	// the pipes held by the background children, not by the delay.
	started := make(chan int, 1)
	r := runner.New(nil, runner.WithWaitDelay(30*time.Second), runner.WithStartHook(func(_ runner.Command, pid int) {
		started <- pid
	}))

	cause := errors.New("user activity")
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, runner.Command{
			Name:   "tree",
			Binary: "/bin/sh",
			Args:   []string{"-c", "sleep 60 & sleep 60 & wait"},
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not start")
	}
	begin := time.Now()
	cancel(cause)

	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Fatalf("expected cancellation cause, got %v", err)
		}
		if elapsed := time.Since(begin); elapsed > 10*time.Second {
			t.Fatalf("Run returned after %s; process group was not killed", elapsed)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
