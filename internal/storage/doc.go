// Package storage models the fixed filesystems plotkeeper arbitrates.
//
// Device is a point-in-time snapshot of one mounted filesystem. Discover
// enumerates candidates from the kernel mount table (or an explicit root
// list), Prober refreshes free space through statfs, and Policy derives the
// minimum-free threshold and artifact sizes from a device's capacity.
// HotplugMonitor watches udev block events so devices that appear or vanish
// at runtime are picked up without restarting the daemon.
package storage
