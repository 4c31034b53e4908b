package api

import (
	"time"

	"plotkeeper/internal/arbiter"
	"plotkeeper/internal/exploitation"
	"plotkeeper/internal/generation"
	"plotkeeper/internal/history"
	"plotkeeper/internal/storage"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// DeviceStatus describes one arbitrated filesystem.
type DeviceStatus struct {
	Path           string           `json:"path"`
	Source         string           `json:"source,omitempty"`
	FSType         string           `json:"fsType,omitempty"`
	TotalBytes     uint64           `json:"totalBytes"`
	FreeBytes      uint64           `json:"freeBytes"`
	SpaceAvailable bool             `json:"spaceAvailable"`
	MachineIdle    bool             `json:"machineIdle"`
	Eligible       bool             `json:"eligible"`
	Exploiting     bool             `json:"exploiting"`
	Generation     GenerationStatus `json:"generation"`
}

// GenerationStatus mirrors a device's generation job.
type GenerationStatus struct {
	State        string    `json:"state"`
	Passes       int       `json:"passes"`
	Generated    int       `json:"generated"`
	LastOutcome  string    `json:"lastOutcome,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	LastFinished string    `json:"lastFinished,omitempty"`
	Current      *StepInfo `json:"current,omitempty"`
	Failures     int       `json:"consecutiveFailures,omitempty"`
	RetryAfter   string    `json:"retryAfter,omitempty"`
}

// StepInfo describes the plotter invocation in flight.
type StepInfo struct {
	Kind  string `json:"kind"`
	Start uint64 `json:"start"`
	Count uint64 `json:"count"`
	Bytes uint64 `json:"bytes"`
}

// ExploitationStatus summarizes the miner and the set it serves.
type ExploitationStatus struct {
	Running  bool     `json:"running"`
	Devices  []string `json:"devices"`
	Version  uint64   `json:"version"`
	Restarts int      `json:"restarts"`
	Since    string   `json:"since,omitempty"`
	PID      int      `json:"pid,omitempty"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// HistoryEntry is one recorded external job run.
type HistoryEntry struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind"`
	Devices         []string `json:"devices"`
	Outcome         string   `json:"outcome,omitempty"`
	Detail          string   `json:"detail,omitempty"`
	StartedAt       string   `json:"startedAt"`
	FinishedAt      string   `json:"finishedAt,omitempty"`
	DurationSeconds float64  `json:"durationSeconds"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running        bool               `json:"running"`
	PID            int                `json:"pid"`
	LockFilePath   string             `json:"lockFilePath"`
	HistoryDBPath  string             `json:"historyDbPath"`
	SignalPath     string             `json:"signalPath"`
	MachineIdle    bool               `json:"machineIdle"`
	LastActivity   string             `json:"lastActivity,omitempty"`
	ActivityEvents uint64             `json:"activityEvents"`
	Devices        []DeviceStatus     `json:"devices"`
	Exploitation   ExploitationStatus `json:"exploitation"`
	Dependencies   []DependencyStatus `json:"dependencies"`
	Recent         []HistoryEntry     `json:"recent"`
}

// DeviceListResponse wraps the device collection.
type DeviceListResponse struct {
	Devices []DeviceStatus `json:"devices"`
}

// HistoryResponse wraps recent runs.
type HistoryResponse struct {
	Runs []HistoryEntry `json:"runs"`
}

// FormatTime renders t for payloads; the zero time becomes empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// ParseTime reverses FormatTime.
func ParseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateTimeFormat, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FromDevice combines a probed device with its arbiter and job state.
func FromDevice(d storage.Device, state arbiter.State, job generation.Status, exploiting bool) DeviceStatus {
	return DeviceStatus{
		Path:           d.Path,
		Source:         d.Source,
		FSType:         d.FSType,
		TotalBytes:     d.Total,
		FreeBytes:      d.Free,
		SpaceAvailable: state.SpaceAvailable,
		MachineIdle:    state.MachineIdle,
		Eligible:       state.Eligible,
		Exploiting:     exploiting,
		Generation:     FromGenerationStatus(job),
	}
}

// FromGenerationStatus converts a job snapshot.
func FromGenerationStatus(s generation.Status) GenerationStatus {
	out := GenerationStatus{
		State:        string(s.State),
		Passes:       s.Passes,
		Generated:    s.Generated,
		LastOutcome:  string(s.LastOutcome),
		LastError:    s.LastError,
		LastFinished: FormatTime(s.LastFinished),
		Failures:     s.Failures,
		RetryAfter:   FormatTime(s.RetryAfter),
	}
	if s.Current != nil {
		out.Current = &StepInfo{
			Kind:  string(s.Current.Kind),
			Start: s.Current.Start,
			Count: s.Current.Count,
			Bytes: s.Current.Size,
		}
	}
	return out
}

// FromSupervisorStatus converts the miner supervisor snapshot.
func FromSupervisorStatus(s exploitation.Status) ExploitationStatus {
	devices := s.Devices
	if devices == nil {
		devices = []string{}
	}
	return ExploitationStatus{
		Running:  s.Running,
		Devices:  devices,
		Version:  s.Version,
		Restarts: s.Restarts,
		Since:    FormatTime(s.Since),
		PID:      s.PID,
	}
}

// FromRun converts a history row.
func FromRun(run history.Run, now time.Time) HistoryEntry {
	entry := HistoryEntry{
		ID:              run.ID,
		Kind:            run.Kind,
		Devices:         run.Devices,
		Outcome:         string(run.Outcome),
		Detail:          run.Detail,
		StartedAt:       FormatTime(run.StartedAt),
		DurationSeconds: run.Duration(now).Seconds(),
	}
	if run.FinishedAt != nil {
		entry.FinishedAt = FormatTime(*run.FinishedAt)
	}
	if entry.Devices == nil {
		entry.Devices = []string{}
	}
	return entry
}

// FromRuns converts a slice of history rows.
func FromRuns(runs []history.Run, now time.Time) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(runs))
	for _, run := range runs {
		out = append(out, FromRun(run, now))
	}
	return out
}
