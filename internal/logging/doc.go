// Package logging assembles structured slog loggers and formatting helpers used
// across plotkeeper components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so job code can tag log lines
// with run IDs and device paths. Throttle rate-limits noisy line streams such
// as external process output, and CleanupOldLogs prunes old run logs.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// data with the same shape as the rest of the daemon.
package logging
