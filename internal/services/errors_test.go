package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"plotkeeper/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "generation", "start plotter", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"generation", "start plotter", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestOutcomeFor(t *testing.T) {
	cancelled, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("user activity"))

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want services.Outcome
	}{
		{"nil error", context.Background(), nil, services.OutcomeCompleted},
		{"context canceled", context.Background(), fmt.Errorf("wait: %w", context.Canceled), services.OutcomeCancelled},
		{"cancel cause", cancelled, errors.New("user activity"), services.OutcomeCancelled},
		{"tool failure", context.Background(), services.Wrap(services.ErrExternalTool, "runner", "start", "", nil), services.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := services.OutcomeFor(tt.ctx, tt.err); got != tt.want {
				t.Fatalf("OutcomeFor = %s, want %s", got, tt.want)
			}
		})
	}
}
