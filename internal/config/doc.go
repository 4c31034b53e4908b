// Package config loads, normalizes, and validates plotkeeper configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the PLOTKEEPER_ACCOUNT_ID
// environment fallback. The Config type centralizes every knob the daemon and
// CLI need: storage devices, capacity policy, monitor intervals, and the
// external plotter and miner invocations.
//
// Always obtain settings through this package so downstream code receives
// expanded paths, canonical log formats, and clear validation errors.
package config
