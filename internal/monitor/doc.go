// Package monitor contains the signal sources that feed the bus: the disk
// capacity poller, the user activity tail and the idle detector.
//
// Every monitor follows the same lifecycle. Start launches a single loop
// goroutine bound to a derived context and Stop cancels it and waits. A failed
// probe is logged and retried on the next tick, never fatal.
package monitor
