// Package exploitation keeps the miner running over every device whose
// generation pass has completed.
//
// The Scheduler owns the exploitation set and publishes RestartExploitation
// with a monotonically increasing version whenever it changes. The Supervisor
// is the only consumer of those notifications: it stops the current miner,
// waits for the process to exit and starts a new one over exactly the
// published set. Both react inline on the publisher's goroutine, so a device
// about to generate is out of the miner before the plotter starts.
package exploitation
