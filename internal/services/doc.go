// Package services defines shared utilities consumed by the job loops and the
// external process integrations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, device paths, and job kinds for
//     logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent run outcomes (completed, cancelled, failed).
//
// Use these helpers when wiring new job logic so error classification and
// observability stay uniform across generation and exploitation.
package services
