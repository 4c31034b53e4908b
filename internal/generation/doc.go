// Package generation runs the external plotter for one device at a time.
//
// A Job owns a single goroutine per device. It runs one pass at startup and
// another each time the arbiter reports the device eligible. Triggers that
// arrive mid-pass are coalesced into the one-slot trigger channel and
// discarded once the pass ends, so eligibility must be re-established before
// the next pass.
//
// A pass regenerates every existing artifact, then adds one big artifact if
// it fits and small artifacts while they fit. User activity or low space on
// the device cancels the pass with a cause and kills the plotter.
package generation
