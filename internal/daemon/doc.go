// Package daemon coordinates the long-running plotkeeper process.
//
// It wires one bus to the disk, activity and idle monitors, one eligibility
// arbiter and generation job per device, the exploitation scheduler and miner
// supervisor, the capacity reclaimer, the history ledger, metrics and the HTTP
// API. A flock-based lock prevents multiple instances. Hotplug events trigger
// rediscovery, which registers new devices and retires vanished ones.
//
// Keep orchestration logic here: arbitration and job behaviour live in their
// own packages while the daemon owns startup, shutdown and status.
package daemon
