/*
Package sqlite provides a SQLite-backed implementation of market.TxStore.

PURPOSE:
  Persists the ledger node's jobs, audit transitions and escrow movements.
  The Ledger owns the rules; this package only keeps rows and enforces the
  storage-level guarantees below.

APPEND-ONLY ENFORCEMENT:
  - transitions and escrow_movements reject UPDATE and DELETE via triggers
  - jobs reject DELETE via trigger; UPDATE is a version compare-and-swap
  - corrections are new transitions, never edits

KEY TABLES:
  jobs:             Current state of every job (one row per JobID)
  transitions:      Immutable audit log, one row per accepted submission
  escrow_movements: Immutable custody log (lock / release / refund)

INDEXES:
  - idx_jobs_status: open-job index (status, id)
  - transitions.idempotency_key UNIQUE: replay protection
  - transitions (job_id, version) UNIQUE: one transition per version

CONCURRENCY:
  Uses sync.RWMutex for thread-safety plus WithTx for atomic submissions.
  ":memory:" databases are pinned to one connection so every query sees
  the same database.

WAL MODE:
  File databases are opened with WAL so readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := market.NewLedger(store, market.Rules{})

SEE ALSO:
  - market/store.go: Interface definitions
  - market/ledger.go: The only writer
  - market/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/escrow-ledger/market"
)

// Store implements market.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ market.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY,
		poster TEXT NOT NULL,
		worker TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		resolution TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Open-job index (hot path for the open projection)
	CREATE INDEX IF NOT EXISTS idx_jobs_status
		ON jobs(status, id);

	CREATE TRIGGER IF NOT EXISTS jobs_no_delete
		BEFORE DELETE ON jobs
		BEGIN SELECT RAISE(ABORT, 'jobs are never deleted'); END;

	-- Transitions (append-only audit log)
	CREATE TABLE IF NOT EXISTS transitions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL REFERENCES jobs(id),
		version INTEGER NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		at TEXT NOT NULL,
		UNIQUE(job_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_job
		ON transitions(job_id, version);

	CREATE TRIGGER IF NOT EXISTS transitions_no_update
		BEFORE UPDATE ON transitions
		BEGIN SELECT RAISE(ABORT, 'transitions are append-only'); END;

	CREATE TRIGGER IF NOT EXISTS transitions_no_delete
		BEFORE DELETE ON transitions
		BEGIN SELECT RAISE(ABORT, 'transitions are append-only'); END;

	-- Escrow movements (append-only custody log)
	CREATE TABLE IF NOT EXISTS escrow_movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL REFERENCES jobs(id),
		version INTEGER NOT NULL,
		kind TEXT NOT NULL,
		counterparty TEXT NOT NULL,
		amount TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_job
		ON escrow_movements(job_id);

	CREATE TRIGGER IF NOT EXISTS movements_no_update
		BEFORE UPDATE ON escrow_movements
		BEGIN SELECT RAISE(ABORT, 'escrow movements are append-only'); END;

	CREATE TRIGGER IF NOT EXISTS movements_no_delete
		BEFORE DELETE ON escrow_movements
		BEGIN SELECT RAISE(ABORT, 'escrow movements are append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// JOB STORE (market.Store interface)
// =============================================================================

func (s *Store) NextJobID(ctx context.Context) (market.JobID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextJobID(ctx, s.db)
}

func (s *Store) InsertJob(ctx context.Context, rec market.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertJob(ctx, s.db, rec)
}

func (s *Store) UpdateJob(ctx context.Context, rec market.JobRecord, prevVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateJob(ctx, s.db, rec, prevVersion)
}

func (s *Store) GetJob(ctx context.Context, id market.JobID) (market.JobRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getJob(ctx, s.db, id)
}

func (s *Store) ListJobs(ctx context.Context, from, to market.JobID) ([]market.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listJobs(ctx, s.db, from, to)
}

func (s *Store) CountJobs(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countJobs(ctx, s.db)
}

func (s *Store) OpenJobIDs(ctx context.Context) ([]market.JobID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return openJobIDs(ctx, s.db)
}

func (s *Store) AppendTransition(ctx context.Context, t market.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransition(ctx, s.db, t)
}

func (s *Store) FindTransition(ctx context.Context, key string) (market.Transition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findTransition(ctx, s.db, key)
}

func (s *Store) Transitions(ctx context.Context, id market.JobID) ([]market.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryTransitions(ctx, s.db, transitionSelect+" WHERE job_id = ? ORDER BY version ASC", uint64(id))
}

func (s *Store) AppendMovements(ctx context.Context, moves []market.EscrowMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendMovements(ctx, s.db, moves)
}

func (s *Store) Movements(ctx context.Context) ([]market.EscrowMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMovements(ctx, s.db)
}

// =============================================================================
// TRANSACTIONAL STORE (market.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store market.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every call on the open sql.Tx. The parent's lock is already
// held by WithTx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) NextJobID(ctx context.Context) (market.JobID, error) {
	return nextJobID(ctx, ts.tx)
}

func (ts *txStore) InsertJob(ctx context.Context, rec market.JobRecord) error {
	return insertJob(ctx, ts.tx, rec)
}

func (ts *txStore) UpdateJob(ctx context.Context, rec market.JobRecord, prevVersion uint64) error {
	return updateJob(ctx, ts.tx, rec, prevVersion)
}

func (ts *txStore) GetJob(ctx context.Context, id market.JobID) (market.JobRecord, bool, error) {
	return getJob(ctx, ts.tx, id)
}

func (ts *txStore) ListJobs(ctx context.Context, from, to market.JobID) ([]market.JobRecord, error) {
	return listJobs(ctx, ts.tx, from, to)
}

func (ts *txStore) CountJobs(ctx context.Context) (uint64, error) {
	return countJobs(ctx, ts.tx)
}

func (ts *txStore) OpenJobIDs(ctx context.Context) ([]market.JobID, error) {
	return openJobIDs(ctx, ts.tx)
}

func (ts *txStore) AppendTransition(ctx context.Context, t market.Transition) error {
	return appendTransition(ctx, ts.tx, t)
}

func (ts *txStore) FindTransition(ctx context.Context, key string) (market.Transition, bool, error) {
	return findTransition(ctx, ts.tx, key)
}

func (ts *txStore) Transitions(ctx context.Context, id market.JobID) ([]market.Transition, error) {
	return queryTransitions(ctx, ts.tx, transitionSelect+" WHERE job_id = ? ORDER BY version ASC", uint64(id))
}

func (ts *txStore) AppendMovements(ctx context.Context, moves []market.EscrowMovement) error {
	return appendMovements(ctx, ts.tx, moves)
}

func (ts *txStore) Movements(ctx context.Context) ([]market.EscrowMovement, error) {
	return listMovements(ctx, ts.tx)
}

// =============================================================================
// QUERIES
// =============================================================================

const jobSelect = `
	SELECT id, poster, worker, name, description, amount, status, resolution,
	       version, created_at, updated_at
	FROM jobs`

const transitionSelect = `
	SELECT job_id, version, actor, action, from_status, to_status,
	       idempotency_key, at
	FROM transitions`

func nextJobID(ctx context.Context, q querier) (market.JobID, error) {
	var next uint64
	err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) + 1 FROM jobs").Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate job id: %w", err)
	}
	return market.JobID(next), nil
}

func insertJob(ctx context.Context, q querier, rec market.JobRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO jobs
		(id, poster, worker, name, description, amount, status, resolution, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uint64(rec.ID), string(rec.Poster), string(rec.Worker), rec.Name, rec.Description,
		rec.Amount.String(), string(rec.Status), string(rec.Resolution), rec.Version,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return market.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func updateJob(ctx context.Context, q querier, rec market.JobRecord, prevVersion uint64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE jobs
		SET worker = ?, status = ?, resolution = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(rec.Worker), string(rec.Status), string(rec.Resolution), rec.Version,
		formatTime(rec.UpdatedAt), uint64(rec.ID), prevVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return market.ErrConcurrentModification
	}
	return nil
}

func getJob(ctx context.Context, q querier, id market.JobID) (market.JobRecord, bool, error) {
	jobs, err := queryJobs(ctx, q, jobSelect+" WHERE id = ?", uint64(id))
	if err != nil || len(jobs) == 0 {
		return market.JobRecord{}, false, err
	}
	return jobs[0], true, nil
}

func listJobs(ctx context.Context, q querier, from, to market.JobID) ([]market.JobRecord, error) {
	return queryJobs(ctx, q, jobSelect+" WHERE id >= ? AND id <= ? ORDER BY id ASC", uint64(from), uint64(to))
}

func countJobs(ctx context.Context, q querier) (uint64, error) {
	var n uint64
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&n)
	return n, err
}

func openJobIDs(ctx context.Context, q querier) ([]market.JobID, error) {
	rows, err := q.QueryContext(ctx, "SELECT id FROM jobs WHERE status = ? ORDER BY id ASC", string(market.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query open jobs: %w", err)
	}
	defer rows.Close()

	var ids []market.JobID
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, market.JobID(id))
	}
	return ids, rows.Err()
}

func queryJobs(ctx context.Context, q querier, query string, args ...any) ([]market.JobRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []market.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (market.JobRecord, error) {
	var (
		rec                        market.JobRecord
		id                         uint64
		poster, worker             string
		amount, status, resolution string
		createdAt, updatedAt       string
	)
	err := rows.Scan(&id, &poster, &worker, &rec.Name, &rec.Description, &amount,
		&status, &resolution, &rec.Version, &createdAt, &updatedAt)
	if err != nil {
		return rec, fmt.Errorf("failed to scan job: %w", err)
	}

	rec.ID = market.JobID(id)
	rec.Poster = market.Actor(poster)
	rec.Worker = market.Actor(worker)
	rec.Status = market.JobStatus(status)
	rec.Resolution = market.Resolution(resolution)
	if rec.Amount, err = market.ParseMoney(amount); err != nil {
		return rec, fmt.Errorf("job %d: %w", id, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, fmt.Errorf("job %d: %w", id, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, fmt.Errorf("job %d: %w", id, err)
	}
	return rec, nil
}

func appendTransition(ctx context.Context, q querier, t market.Transition) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transitions
		(job_id, version, actor, action, from_status, to_status, idempotency_key, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uint64(t.JobID), t.Version, string(t.Actor), string(t.Action),
		string(t.From), string(t.To), nullString(t.IdempotencyKey), formatTime(t.At),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return market.ErrDuplicateSubmission
		}
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func findTransition(ctx context.Context, q querier, key string) (market.Transition, bool, error) {
	ts, err := queryTransitions(ctx, q, transitionSelect+" WHERE idempotency_key = ?", key)
	if err != nil || len(ts) == 0 {
		return market.Transition{}, false, err
	}
	return ts[0], true, nil
}

func queryTransitions(ctx context.Context, q querier, query string, args ...any) ([]market.Transition, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []market.Transition
	for rows.Next() {
		var (
			t                       market.Transition
			jobID                   uint64
			actor, action, from, to string
			key                     sql.NullString
			at                      string
		)
		if err := rows.Scan(&jobID, &t.Version, &actor, &action, &from, &to, &key, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.JobID = market.JobID(jobID)
		t.Actor = market.Actor(actor)
		t.Action = market.ActionKind(action)
		t.From = market.JobStatus(from)
		t.To = market.JobStatus(to)
		t.IdempotencyKey = key.String
		var err error
		if t.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("transition %d/%d: %w", jobID, t.Version, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func appendMovements(ctx context.Context, q querier, moves []market.EscrowMovement) error {
	for _, m := range moves {
		_, err := q.ExecContext(ctx, `
			INSERT INTO escrow_movements (job_id, version, kind, counterparty, amount, at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uint64(m.JobID), m.Version, string(m.Kind), string(m.Counterparty),
			m.Amount.String(), formatTime(m.At),
		)
		if err != nil {
			return fmt.Errorf("failed to append escrow movement: %w", err)
		}
	}
	return nil
}

func listMovements(ctx context.Context, q querier) ([]market.EscrowMovement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT job_id, version, kind, counterparty, amount, at
		FROM escrow_movements ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query escrow movements: %w", err)
	}
	defer rows.Close()

	var out []market.EscrowMovement
	for rows.Next() {
		var (
			m                          market.EscrowMovement
			jobID                      uint64
			kind, counterparty, amount string
			at                         string
		)
		if err := rows.Scan(&jobID, &m.Version, &kind, &counterparty, &amount, &at); err != nil {
			return nil, fmt.Errorf("failed to scan escrow movement: %w", err)
		}
		m.JobID = market.JobID(jobID)
		m.Kind = market.MovementKind(kind)
		m.Counterparty = market.Actor(counterparty)
		if m.Amount, err = market.ParseMoney(amount); err != nil {
			return nil, err
		}
		if m.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("escrow movement %d/%d: %w", jobID, m.Version, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
