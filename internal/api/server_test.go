package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"plotkeeper/internal/api"
	"plotkeeper/internal/generation"
	"plotkeeper/internal/history"
	"plotkeeper/internal/metrics"
	"plotkeeper/internal/services"
)

type providerStub struct {
	status     api.DaemonStatus
	runs       []api.HistoryEntry
	err        error
	lastLimit  int
	historyHit int
}

func (p *providerStub) Status(context.Context) api.DaemonStatus { return p.status }

func (p *providerStub) History(_ context.Context, limit int) ([]api.HistoryEntry, error) {
	p.historyHit++
	p.lastLimit = limit
	return p.runs, p.err
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := api.NewServer("", &providerStub{}, nil, nil)
	w := serve(t, srv.Handler(), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %q", w.Body.String())
	}
}

func TestStatusAndDevices(t *testing.T) {
	stub := &providerStub{status: api.DaemonStatus{
		Running: true,
		PID:     42,
		Devices: []api.DeviceStatus{{Path: "/mnt/a", TotalBytes: 1000, FreeBytes: 900, Eligible: true}},
		Exploitation: api.ExploitationStatus{
			Running: true,
			Devices: []string{"/mnt/b"},
			Version: 3,
		},
	}}
	h := api.NewServer("", stub, nil, nil).Handler()

	w := serve(t, h, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	var status api.DaemonStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || status.PID != 42 || status.Exploitation.Version != 3 {
		t.Fatalf("unexpected status %+v", status)
	}

	w = serve(t, h, "/api/devices")
	var devices api.DeviceListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devices.Devices) != 1 || devices.Devices[0].Path != "/mnt/a" || !devices.Devices[0].Eligible {
		t.Fatalf("unexpected devices %+v", devices)
	}
}

func TestDevicesEmptyListIsArray(t *testing.T) {
	h := api.NewServer("", &providerStub{}, nil, nil).Handler()
	w := serve(t, h, "/api/devices")
	if !strings.Contains(w.Body.String(), `"devices":[]`) {
		t.Fatalf("expected empty array, got %q", w.Body.String())
	}
}

func TestHistoryLimit(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantLimit int
	}{
		{name: "default", target: "/api/history", wantCode: http.StatusOK, wantLimit: 20},
		{name: "explicit", target: "/api/history?limit=5", wantCode: http.StatusOK, wantLimit: 5},
		{name: "clamped", target: "/api/history?limit=100000", wantCode: http.StatusOK, wantLimit: 500},
		{name: "invalid", target: "/api/history?limit=abc", wantCode: http.StatusBadRequest},
		{name: "negative", target: "/api/history?limit=-1", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &providerStub{runs: []api.HistoryEntry{{ID: "r1", Kind: history.KindGeneration}}}
			w := serve(t, api.NewServer("", stub, nil, nil).Handler(), tt.target)
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantCode != http.StatusOK {
				if stub.historyHit != 0 {
					t.Fatal("provider should not be queried for a bad request")
				}
				return
			}
			if stub.lastLimit != tt.wantLimit {
				t.Fatalf("expected limit %d, got %d", tt.wantLimit, stub.lastLimit)
			}
			var resp api.HistoryResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode history: %v", err)
			}
			if len(resp.Runs) != 1 || resp.Runs[0].ID != "r1" {
				t.Fatalf("unexpected runs %+v", resp.Runs)
			}
		})
	}
}

func TestHistoryError(t *testing.T) {
	stub := &providerStub{err: errors.New("database locked")}
	w := serve(t, api.NewServer("", stub, nil, nil).Handler(), "/api/history")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "database locked") {
		t.Fatalf("expected error message, got %q", w.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.ObservePass("/mnt/a", services.OutcomeCompleted, 4)

	withMetrics := api.NewServer("", &providerStub{}, m.Handler(), nil).Handler()
	w := serve(t, withMetrics, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "plotkeeper_generation_passes_total") {
		t.Fatalf("expected generation counter in exposition")
	}

	without := api.NewServer("", &providerStub{}, nil, nil).Handler()
	if w := serve(t, without, "/metrics"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", w.Code)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	h := api.NewServer("", &providerStub{}, nil, nil).Handler()
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestStartServesAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := api.NewServer("127.0.0.1:0", &providerStub{}, nil, nil)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected bound address")
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	srv.Stop()
	srv.Stop()
	if srv.Addr() != "" {
		t.Fatal("expected address cleared after stop")
	}
}

func TestEmptyBindDisables(t *testing.T) {
	srv := api.NewServer("  ", &providerStub{}, nil, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv.Addr() != "" {
		t.Fatal("expected no listener")
	}
}

func TestFromConverters(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	entry := api.FromRun(history.Run{
		ID:         "r",
		Kind:       history.KindExploitation,
		Outcome:    services.OutcomeCancelled,
		StartedAt:  started,
		FinishedAt: &finished,
	}, started.Add(time.Hour))
	if entry.DurationSeconds != 90 {
		t.Fatalf("expected 90s duration, got %v", entry.DurationSeconds)
	}
	if entry.Devices == nil || entry.Outcome != "cancelled" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if got, ok := api.ParseTime(entry.FinishedAt); !ok || !got.Equal(finished) {
		t.Fatalf("finished at round trip: %q", entry.FinishedAt)
	}

	gen := api.FromGenerationStatus(generation.Status{
		State:   generation.StateRunning,
		Current: &generation.Step{Kind: generation.StepBig, Start: 7, Count: 100, Size: 100},
	})
	if gen.State != "running" || gen.Current == nil || gen.Current.Bytes != 100 || gen.LastFinished != "" || gen.RetryAfter != "" {
		t.Fatalf("unexpected generation status %+v", gen)
	}

	backoff := api.FromGenerationStatus(generation.Status{
		State:      generation.StateIdle,
		Failures:   2,
		RetryAfter: finished,
	})
	if got, ok := api.ParseTime(backoff.RetryAfter); backoff.Failures != 2 || !ok || !got.Equal(finished) {
		t.Fatalf("unexpected backoff status %+v", backoff)
	}
}
