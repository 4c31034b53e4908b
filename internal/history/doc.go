// Package history records generation and exploitation job runs in SQLite.
//
// Each run is inserted when its process is about to start and finished with
// an outcome once it exits. Runs still open when a new Store is opened belong
// to a previous process that died mid-run and are marked interrupted.
//
// The database is a diagnostic ledger, not a source of truth for scheduling.
// Schema changes bump the version in schema.go; users delete the database to
// adopt the new schema.
package history
