// Package artifact understands the files the external plotter writes and
// reclaims space by deleting them.
//
// Artifact names carry their starting index and unit count in fixed
// underscore-delimited positions, <prefix>_<start>_<count>[_<suffix>]. The
// newest artifact is the one with the largest starting index; new artifacts
// continue from newest.Start+newest.Count so work resumes across restarts.
package artifact
