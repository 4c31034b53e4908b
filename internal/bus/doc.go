// Package bus is the in-process publish/subscribe channel that connects
// plotkeeper's monitors, arbiters and job loops.
//
// A Bus is constructed explicitly and passed to every component; there is no
// package-level instance. Subscribers choose publisher delivery (the handler
// runs inline before Publish returns, in registration order) or background
// delivery (one goroutine per subscriber per notification). Device-scoped
// subscriptions only see notifications for their device.
package bus
