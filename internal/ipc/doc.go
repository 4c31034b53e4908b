// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// The server answers Status, Devices, History and Stop using the transport
// types from package api, so the CLI and the HTTP endpoint render the same
// payloads.
package ipc
