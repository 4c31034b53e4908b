package main

import (
	"strings"
	"testing"
	"time"

	"plotkeeper/internal/api"
)

func TestTitleLabel(t *testing.T) {
	tests := map[string]string{
		"":              "-",
		"running":       "Running",
		"waiting_space": "Waiting Space",
		"exploitation":  "Exploitation",
	}
	for in, want := range tests {
		if got := titleLabel(in); got != want {
			t.Fatalf("titleLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatters(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := formatWhen(api.FormatTime(now.Add(-3*time.Minute)), now); got != "3 minutes ago" {
		t.Fatalf("formatWhen = %q", got)
	}
	if got := formatWhen("", now); got != "-" {
		t.Fatalf("formatWhen empty = %q", got)
	}
	if got := formatBytes(1 << 30); got != "1.0 GiB" {
		t.Fatalf("formatBytes = %q", got)
	}
	if got := formatPercent(150, 1000); got != "15.0%" {
		t.Fatalf("formatPercent = %q", got)
	}
	if got := formatPercent(1, 0); got != "-" {
		t.Fatalf("formatPercent zero total = %q", got)
	}
	if got := formatDuration(90.4); got != "1m30s" {
		t.Fatalf("formatDuration = %q", got)
	}
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Fatalf("shortID = %q", got)
	}
}

func TestDependencyLines(t *testing.T) {
	lines := dependencyLines([]api.DependencyStatus{
		{Name: "Plotter", Command: "xplotter", Available: true},
		{Name: "Miner", Command: "scavenger", Detail: "binary \"scavenger\" not found"},
	}, false)
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"[OK] Ready (command: xplotter)", "[ERROR] binary", "Missing dependencies"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in:\n%s", want, joined)
		}
	}
}

func TestRenderStatusLineColor(t *testing.T) {
	plain := renderStatusLine("Miner", statusOK, "Running", false)
	if strings.Contains(plain, "\x1b[") {
		t.Fatalf("plain line carries escapes: %q", plain)
	}
	colored := renderStatusLine("Miner", statusWarn, "", true)
	if !strings.HasPrefix(colored, ansiYellow) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected yellow line, got %q", colored)
	}
}
