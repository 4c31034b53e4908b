// Package runner launches and supervises the external plotter and miner
// processes.
//
// Each process runs in its own process group so cancelling the context kills
// every descendant, and WaitDelay bounds how long Run waits on inherited pipes
// afterwards. Output lines are forwarded to the logger through a shared
// logging.Throttle so a chatty tool cannot flood the log.
package runner
