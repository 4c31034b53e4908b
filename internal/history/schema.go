package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"
)

//go:embed schema.sql
var baseSchemaSQL string

// migration moves the ledger from version-1 to version.
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order, each in its own transaction. Version 1
// creates the ledger; later entries only ever add to it.
var migrations = []migration{
	{version: 1, name: "create job ledger", stmts: []string{baseSchemaSQL}},
	{version: 2, name: "index finished runs for retention", stmts: []string{
		`CREATE INDEX IF NOT EXISTS idx_job_runs_finished ON job_runs(started_at) WHERE outcome IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_kind ON job_runs(kind, outcome)`,
	}},
}

// schemaVersion is the version written by the newest migration.
var schemaVersion = migrations[len(migrations)-1].version

// ErrSchemaTooNew reports a ledger written by a newer plotkeeper. Open
// archives such a file and starts a fresh ledger.
var ErrSchemaTooNew = errors.New("history ledger schema is newer than this build")

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return 0, fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return 0, nil
	}
	var version int
	err = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrate brings the ledger up to schemaVersion and returns the version it
// started from.
func (s *Store) migrate(ctx context.Context) (int, error) {
	from, err := s.currentVersion(ctx)
	if err != nil {
		return 0, err
	}
	if from > schemaVersion {
		return from, fmt.Errorf("%w: ledger version %d, supported %d", ErrSchemaTooNew, from, schemaVersion)
	}
	for _, m := range migrations {
		if m.version <= from {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return from, err
		}
	}
	return from, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if m.version == 1 {
		_, err = tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE schema_version SET version = ?", m.version)
	}
	if err != nil {
		return fmt.Errorf("record schema version %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// archiveLedger moves path and its WAL sidecars aside so a fresh ledger can
// be created. The returned path is the archived database file.
func archiveLedger(path string, version int, now time.Time) (string, error) {
	archived := fmt.Sprintf("%s.v%d-%s", path, version, now.UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, archived); err != nil {
		return "", fmt.Errorf("archive history ledger: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, archived+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return archived, fmt.Errorf("archive history ledger %s: %w", suffix, err)
		}
	}
	return archived, nil
}
