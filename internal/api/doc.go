// Package api serves daemon status over HTTP and defines the wire types shared
// with the IPC layer.
//
// The chi router exposes /health, /api/status, /api/devices, /api/history and,
// when a metrics handler is supplied, /metrics. Handlers read through the
// Provider interface so tests can serve canned payloads.
//
// DTOs use camelCase JSON tags and RFC3339 timestamps with milliseconds. The
// From* converters translate generation, exploitation and history snapshots.
package api
