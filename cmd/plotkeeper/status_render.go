package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"plotkeeper/internal/api"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

var titleCaser = cases.Title(language.English)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// titleLabel turns snake_case states like "waiting_space" into "Waiting Space".
func titleLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return titleCaser.String(strings.ReplaceAll(value, "_", " "))
}

func formatBytes(n uint64) string {
	return humanize.IBytes(n)
}

func formatPercent(free, total uint64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(free)*100/float64(total))
}

// formatWhen renders an API timestamp relative to now, or "-" when unset.
func formatWhen(value string, now time.Time) string {
	t, ok := api.ParseTime(value)
	if !ok {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds*float64(time.Second))).Round(time.Second).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderDaemonStatus(w io.Writer, status api.DaemonStatus, now time.Time, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, renderStatusLine("Process", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	if status.MachineIdle {
		fmt.Fprintln(w, renderStatusLine("Machine", statusOK, "Idle", colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Machine", statusWarn, "User active", colorize))
	}
	fmt.Fprintln(w, renderStatusLine("Last activity", statusInfo,
		fmt.Sprintf("%s (%d events)", formatWhen(status.LastActivity, now), status.ActivityEvents), colorize))
	fmt.Fprintln(w, renderStatusLine("History", statusInfo, status.HistoryDBPath, colorize))
	fmt.Fprintln(w)

	for _, line := range renderSectionHeader("Exploitation", colorize) {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, exploitationLine(status.Exploitation, now, colorize))
	fmt.Fprintln(w)

	for _, line := range renderSectionHeader("Dependencies", colorize) {
		fmt.Fprintln(w, line)
	}
	for _, line := range dependencyLines(status.Dependencies, colorize) {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)

	for _, line := range renderSectionHeader("Devices", colorize) {
		fmt.Fprintln(w, line)
	}
	if len(status.Devices) == 0 {
		fmt.Fprintln(w, "No devices registered")
	} else {
		fmt.Fprint(w, renderDeviceSummary(status.Devices))
	}

	if len(status.Recent) > 0 {
		fmt.Fprintln(w)
		for _, line := range renderSectionHeader("Recent Runs", colorize) {
			fmt.Fprintln(w, line)
		}
		fmt.Fprint(w, renderHistoryTable(status.Recent, now))
	}
}

func exploitationLine(e api.ExploitationStatus, now time.Time, colorize bool) string {
	if !e.Running {
		if len(e.Devices) == 0 {
			return renderStatusLine("Miner", statusInfo, "Idle (no eligible devices)", colorize)
		}
		return renderStatusLine("Miner", statusWarn, fmt.Sprintf("Not running (%d devices eligible)", len(e.Devices)), colorize)
	}
	detail := fmt.Sprintf("Running on %d devices since %s (version %d, restarts %d)",
		len(e.Devices), formatWhen(e.Since, now), e.Version, e.Restarts)
	return renderStatusLine("Miner", statusOK, detail, colorize)
}

func dependencyLines(deps []api.DependencyStatus, colorize bool) []string {
	lines := make([]string, 0, len(deps)+1)
	missing := make([]string, 0)
	for _, dep := range deps {
		if dep.Available {
			message := "Ready"
			if dep.Command != "" {
				message = fmt.Sprintf("Ready (command: %s)", dep.Command)
			}
			lines = append(lines, renderStatusLine(dep.Name, statusOK, message, colorize))
			continue
		}
		detail := strings.TrimSpace(dep.Detail)
		if detail == "" {
			detail = "not available"
		}
		kind := statusError
		if dep.Optional {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine(dep.Name, kind, detail, colorize))
		missing = append(missing, dep.Name)
	}
	if len(missing) > 0 {
		lines = append(lines, renderStatusLine("Missing dependencies", statusWarn, strings.Join(missing, ", "), colorize))
	}
	return lines
}

func renderDeviceSummary(devices []api.DeviceStatus) string {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{
			d.Path,
			formatBytes(d.FreeBytes),
			formatPercent(d.FreeBytes, d.TotalBytes),
			yesNo(d.Eligible),
			yesNo(d.Exploiting),
			titleLabel(d.Generation.State),
		})
	}
	return renderTable(
		[]string{"Device", "Free", "Free %", "Eligible", "Mining", "Generation"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func renderDeviceTable(devices []api.DeviceStatus, now time.Time) string {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		current := "-"
		if step := d.Generation.Current; step != nil {
			current = fmt.Sprintf("%s %d+%d (%s)", step.Kind, step.Start, step.Count, formatBytes(step.Bytes))
		}
		rows = append(rows, []string{
			d.Path,
			d.FSType,
			formatBytes(d.TotalBytes),
			formatBytes(d.FreeBytes),
			yesNo(d.SpaceAvailable),
			yesNo(d.Eligible),
			titleLabel(d.Generation.State),
			fmt.Sprintf("%d", d.Generation.Passes),
			titleLabel(d.Generation.LastOutcome),
			formatWhen(d.Generation.LastFinished, now),
			current,
		})
	}
	return renderTable(
		[]string{"Device", "FS", "Size", "Free", "Space", "Eligible", "State", "Passes", "Last Outcome", "Finished", "Current"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func renderHistoryTable(runs []api.HistoryEntry, now time.Time) string {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		outcome := run.Outcome
		if outcome == "" {
			outcome = "running"
		}
		rows = append(rows, []string{
			shortID(run.ID),
			titleLabel(run.Kind),
			titleLabel(outcome),
			strings.Join(run.Devices, ", "),
			formatWhen(run.StartedAt, now),
			formatDuration(run.DurationSeconds),
			run.Detail,
		})
	}
	return renderTable(
		[]string{"ID", "Kind", "Outcome", "Devices", "Started", "Duration", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
