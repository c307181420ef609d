// Package store persists runs, phases, attempts, approval audits, and
// telemetry in a single sqlite database. The database is the identity of an
// orchestrator deployment: two processes pointed at different files are
// different systems, and HealthFingerprint makes that detectable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/blake3"
)

const schemaVersion = 1

var (
	// ErrNotFound is returned when a run, phase, or attempt does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflictingWriter is returned when another live supervisor holds the
	// run lock.
	ErrConflictingWriter = errors.New("store: run lock held by another writer")
	// ErrStalePhase is returned by compare-and-swap phase updates when the
	// caller's snapshot is out of date.
	ErrStalePhase = errors.New("store: stale phase snapshot")
)

// Store is the single-writer persistence layer. Open it once per process.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the orchestrator database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("store: resolve %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", abs+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// sqlite handles one writer at a time; a single pooled connection keeps
	// transactions from interleaving across goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, dbPath: abs}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the absolute database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// HealthFingerprint identifies this database instance. Clients compare it
// against the control plane's reported fingerprint before accepting work so a
// supervisor never drives phases recorded in a different database.
func (s *Store) HealthFingerprint() string {
	h := blake3.New()
	fmt.Fprintf(h, "%s|schema=%d", s.dbPath, schemaVersion)
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		family TEXT NOT NULL DEFAULT 'default',
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT,
		token_budget INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS phases (
		phase_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		phase_index INTEGER NOT NULL,
		goal TEXT NOT NULL,
		category TEXT NOT NULL,
		complexity TEXT NOT NULL,
		deliverables_json TEXT NOT NULL,
		scope_json TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts_used INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		last_failure_reason TEXT NOT NULL DEFAULT '',
		last_fingerprint TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL DEFAULT 0,
		UNIQUE(run_id, phase_index),
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_phases_run_state ON phases(run_id, state);
	CREATE INDEX IF NOT EXISTS idx_phases_state ON phases(state);

	CREATE TABLE IF NOT EXISTS attempts (
		attempt_id TEXT PRIMARY KEY,
		phase_id TEXT NOT NULL,
		attempt_index INTEGER NOT NULL,
		role TEXT NOT NULL,
		model_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		outcome TEXT NOT NULL DEFAULT '',
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		error_digest TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (phase_id) REFERENCES phases(phase_id)
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_phase ON attempts(phase_id, attempt_index);

	CREATE TABLE IF NOT EXISTS run_locks (
		run_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		heartbeat_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approvals_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		approval_id TEXT NOT NULL,
		phase_id TEXT NOT NULL,
		event TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_audit_approval ON approvals_audit(approval_id);

	CREATE TABLE IF NOT EXISTS telemetry_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		phase_id TEXT NOT NULL DEFAULT '',
		attempt_id TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_run_kind ON telemetry_events(run_id, kind);
	CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry_events(ts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// lockStaleAfter is how long a lock may go without a heartbeat before another
// writer may steal it. Crashed supervisors release implicitly through this.
const lockStaleAfter = 10 * time.Minute

// AcquireRunLock takes the per-run advisory lock. The returned release
// function is safe to call more than once. A lock whose heartbeat is older
// than lockStaleAfter is treated as abandoned and stolen.
func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string) (release func() error, err error) {
	if runID == "" || owner == "" {
		return nil, fmt.Errorf("store: run lock requires run_id and owner")
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var holder string
	var heartbeat string
	row := tx.QueryRowContext(ctx, `SELECT owner, heartbeat_at FROM run_locks WHERE run_id = ?`, runID)
	switch scanErr := row.Scan(&holder, &heartbeat); {
	case scanErr == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_locks (run_id, owner, acquired_at, heartbeat_at) VALUES (?, ?, ?, ?)`,
			runID, owner, formatTime(now), formatTime(now))
		if err != nil {
			return nil, err
		}
	case scanErr != nil:
		err = scanErr
		return nil, err
	default:
		beat, parseErr := parseTime(heartbeat)
		if parseErr == nil && now.Sub(beat) < lockStaleAfter && holder != owner {
			err = fmt.Errorf("%w: held by %q since %s", ErrConflictingWriter, holder, heartbeat)
			return nil, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE run_locks SET owner = ?, acquired_at = ?, heartbeat_at = ? WHERE run_id = ?`,
			owner, formatTime(now), formatTime(now), runID)
		if err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	released := false
	release = func() error {
		if released {
			return nil
		}
		released = true
		_, relErr := s.db.Exec(`DELETE FROM run_locks WHERE run_id = ? AND owner = ?`, runID, owner)
		return relErr
	}
	return release, nil
}

// HeartbeatRunLock refreshes the lock heartbeat. Callers should beat well
// inside lockStaleAfter.
func (s *Store) HeartbeatRunLock(ctx context.Context, runID, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_locks SET heartbeat_at = ? WHERE run_id = ? AND owner = ?`,
		formatTime(time.Now().UTC()), runID, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: lock for run %s not held by %q", ErrConflictingWriter, runID, owner)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
