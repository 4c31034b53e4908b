package services_test

import (
	"context"
	"testing"

	"plotkeeper/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRunID(ctx, "run-1")
	ctx = services.WithDevice(ctx, "/mnt/disk1")
	ctx = services.WithJob(ctx, "generation")

	if id, ok := services.RunIDFromContext(ctx); !ok || id != "run-1" {
		t.Fatalf("unexpected run id: %v %v", id, ok)
	}
	if dev, ok := services.DeviceFromContext(ctx); !ok || dev != "/mnt/disk1" {
		t.Fatalf("unexpected device: %v %v", dev, ok)
	}
	if job, ok := services.JobFromContext(ctx); !ok || job != "generation" {
		t.Fatalf("unexpected job: %v %v", job, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithDevice(ctx, "")
	ctx = services.WithRunID(ctx, "")
	if _, ok := services.DeviceFromContext(ctx); ok {
		t.Fatal("expected no device value")
	}
	if _, ok := services.RunIDFromContext(ctx); ok {
		t.Fatal("expected no run id value")
	}
}
