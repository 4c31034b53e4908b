// Package logs reads daemon log files for the CLI.
//
// Last and ReadFrom work on byte offsets and only ever consume complete lines.
// Follow streams new lines as they are written and survives the daemon
// replacing its current-log symlink on restart.
package logs
