// Command plotkeeper is the command-line client for the plotkeeper daemon.
//
// Status, devices, history and stop talk to a running daemon over its unix
// socket. Artifacts, logs, config and signal work directly against the
// filesystem, and run starts the daemon in the foreground.
package main
