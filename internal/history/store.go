package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"plotkeeper/internal/services"
)

// Job kinds recorded in the ledger.
const (
	KindGeneration   = "generation"
	KindExploitation = "exploitation"
)

// Run is one recorded job run. Outcome is empty while the run is open.
type Run struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"`
	Devices    []string         `json:"devices"`
	Outcome    services.Outcome `json:"outcome,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Duration returns the run length, or the time since start for an open run.
func (r Run) Duration(now time.Time) time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// Recorder is the subset of the store that job loops write through.
type Recorder interface {
	Begin(ctx context.Context, kind string, devices []string) (string, error)
	Finish(ctx context.Context, id string, outcome services.Outcome, detail string) error
}

// Store manages the run ledger backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time

	recovered    int
	migratedFrom int
	archived     string
}

// Open initializes or connects to the history database at path, migrates it
// to the current schema and marks runs left open by a previous process as
// interrupted. A ledger written by a newer build is archived next to path and
// replaced by an empty one.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "history", "open", "database path is empty", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history directory: %w", err)
	}

	store, version, err := openLedger(ctx, path)
	if !errors.Is(err, ErrSchemaTooNew) {
		return store, err
	}
	archived, archiveErr := archiveLedger(path, version, time.Now())
	if archiveErr != nil {
		return nil, errors.Join(err, archiveErr)
	}
	store, _, err = openLedger(ctx, path)
	if err != nil {
		return nil, err
	}
	store.archived = archived
	return store, nil
}

// openLedger opens path once. On ErrSchemaTooNew the database is closed and
// the ledger version is returned so the caller can archive it.
func openLedger(ctx context.Context, path string) (*Store, int, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, 0, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps WAL setup and writes serialized.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, 0, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, now: time.Now}
	from, err := store.migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, from, err
	}
	store.migratedFrom = from
	recovered, err := store.markInterrupted(ctx)
	if err != nil {
		_ = db.Close()
		return nil, from, err
	}
	store.recovered = recovered
	return store, from, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Recovered returns how many open runs were marked interrupted by Open.
func (s *Store) Recovered() int { return s.recovered }

// MigratedFrom returns the schema version found by Open; 0 for a new ledger.
func (s *Store) MigratedFrom() int { return s.migratedFrom }

// SchemaVersion returns the schema version this build writes.
func SchemaVersion() int { return schemaVersion }

// Archived returns where Open moved an unreadable newer ledger, if it did.
func (s *Store) Archived() string { return s.archived }

// Prune deletes finished runs beyond the newest keep and returns how many were
// removed. Open runs are never pruned; keep <= 0 disables pruning.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE outcome IS NOT NULL AND id NOT IN (
		SELECT id FROM job_runs WHERE outcome IS NOT NULL ORDER BY started_at DESC, rowid DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin inserts an open run and returns its id.
func (s *Store) Begin(ctx context.Context, kind string, devices []string) (string, error) {
	if devices == nil {
		devices = []string{}
	}
	devicesJSON, err := json.Marshal(devices)
	if err != nil {
		return "", fmt.Errorf("marshal devices: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, kind, devices_json, started_at) VALUES (?, ?, ?, ?)`,
		id, kind, string(devicesJSON), s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Finish closes a run with its outcome. Finishing an unknown or already
// finished run returns an error wrapping services.ErrNotFound.
func (s *Store) Finish(ctx context.Context, id string, outcome services.Outcome, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET outcome = ?, detail = ?, finished_at = ? WHERE id = ? AND outcome IS NULL`,
		string(outcome), nullableString(detail), s.now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows: %w", err)
	}
	if n == 0 {
		return services.Wrap(services.ErrNotFound, "history", "finish", "no open run "+id, nil)
	}
	return nil
}

// Get fetches one run.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, services.Wrap(services.ErrNotFound, "history", "get", "run "+id, nil)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM job_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Counts returns finished runs grouped by kind and outcome.
func (s *Store) Counts(ctx context.Context) (map[string]map[services.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, outcome, COUNT(1) FROM job_runs WHERE outcome IS NOT NULL GROUP BY kind, outcome`)
	if err != nil {
		return nil, fmt.Errorf("run counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[services.Outcome]int)
	for rows.Next() {
		var kind, outcome string
		var n int
		if err := rows.Scan(&kind, &outcome, &n); err != nil {
			return nil, err
		}
		if counts[kind] == nil {
			counts[kind] = make(map[services.Outcome]int)
		}
		counts[kind][services.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

func (s *Store) markInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET outcome = ?, detail = ?, finished_at = ? WHERE outcome IS NULL`,
		string(services.OutcomeInterrupted), "daemon exited before the run finished",
		s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark interrupted rows: %w", err)
	}
	return int(n), nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const runColumns = `id, kind, devices_json, outcome, detail, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run         Run
		devicesJSON string
		outcome     sql.NullString
		detail      sql.NullString
		startedAt   string
		finishedAt  sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Kind, &devicesJSON, &outcome, &detail, &startedAt, &finishedAt); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(devicesJSON), &run.Devices); err != nil {
		return Run{}, fmt.Errorf("decode devices for run %s: %w", run.ID, err)
	}
	run.Outcome = services.Outcome(outcome.String)
	run.Detail = detail.String
	started, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parse started_at for run %s: %w", run.ID, err)
	}
	run.StartedAt = started
	if finishedAt.Valid {
		finished, err := time.Parse(timeLayout, finishedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parse finished_at for run %s: %w", run.ID, err)
		}
		run.FinishedAt = &finished
	}
	return run, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
