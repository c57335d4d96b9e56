/*
Package sqlstore provides the SQL-backed implementation of the scd storage
interfaces.

PURPOSE:
  Implements scd.LedgerStore and scd.TxHistoryStore against SQLite (dev,
  tests, embedded CLI runs) and PostgreSQL (the production warehouse). Only
  the DDL differs per dialect; all queries use $n placeholders, which both
  drivers accept.

KEY TABLES:
  batch_run:                The ingestion ledger. Unique on
                            (dataset, as_of_date, source_checksum) among
                            non-FAILED rows, so an identical extract can
                            neither re-run after success nor run twice
                            concurrently. FAILED attempts keep their rows
                            for audit and do not block a retry.
  employee_history:         \
  advance_request_history:   > One SCD2 table per entity, primary key
  payment_history:          /  (ref, valid_from), partial unique index on
                               current rows.

OPTIMISTIC CHECK:
  Close/replace statements carry WHERE valid_from = ? AND record_hash = ?;
  zero affected rows means a concurrent writer got there first and surfaces
  as scd.RaceError, never as a silent overwrite.

MIGRATION:
  Schema is created idempotently on Open(). For a managed warehouse, run
  the equivalent migrations with a proper migration tool instead.

USAGE:
  db, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
  ...
  hist := sqlstore.NewRequestHistory(db)
  ledger := scd.NewLedger(db)

SEE ALSO:
  - scd/store.go: Interface contracts
  - history.go: The generic history-table implementation
  - payroll.go: Per-entity table specs
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/history-engine/scd"
)

// =============================================================================
// OPEN / MIGRATE
// =============================================================================

type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// DB wraps one database handle plus its dialect.
type DB struct {
	db     *sql.DB
	driver Driver
}

// Open opens the database and applies the idempotent schema. For SQLite,
// use ":memory:" for an in-memory database.
func Open(driver Driver, dsn string) (*DB, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if driver == DriverSQLite {
		dsn += "?_foreign_keys=on&_journal_mode=WAL"
	}

	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// Each pooled connection to :memory: would be its own database, and
		// file databases lock under concurrent writers anyway.
		db.SetMaxOpenConns(1)
	}

	s := &DB{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) migrate() error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	_, err := s.db.Exec(schema)
	return err
}

const sqliteSchema = `
	-- Ingestion ledger
	CREATE TABLE IF NOT EXISTS batch_run (
		batch_id INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset TEXT NOT NULL,
		as_of_date TEXT NOT NULL,
		source_name TEXT NOT NULL DEFAULT '',
		source_checksum TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL DEFAULT 'STARTED',
		message TEXT NOT NULL DEFAULT ''
	);

	-- One live-or-successful run per extract; FAILED rows stay for audit.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_run_extract
		ON batch_run(dataset, as_of_date, source_checksum)
		WHERE status != 'FAILED';

	CREATE INDEX IF NOT EXISTS idx_batch_run_dataset
		ON batch_run(dataset, as_of_date);

	CREATE TABLE IF NOT EXISTS employee_history (
		ref TEXT NOT NULL,
		national_id TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		valid_from TEXT NOT NULL,
		valid_to TEXT NOT NULL DEFAULT '9999-12-31',
		is_current BOOLEAN NOT NULL DEFAULT TRUE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		record_hash TEXT NOT NULL,
		batch_id BIGINT NOT NULL,
		ingested_at TEXT NOT NULL,
		PRIMARY KEY (ref, valid_from)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_employee_history_current
		ON employee_history(ref) WHERE is_current;

	CREATE TABLE IF NOT EXISTS advance_request_history (
		ref TEXT NOT NULL,
		employee_ref TEXT NOT NULL DEFAULT '',
		requested_amount TEXT NOT NULL,
		paid_amount TEXT,
		payment_date TEXT,
		payment_ref TEXT NOT NULL DEFAULT '',
		valid_from TEXT NOT NULL,
		valid_to TEXT NOT NULL DEFAULT '9999-12-31',
		is_current BOOLEAN NOT NULL DEFAULT TRUE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		record_hash TEXT NOT NULL,
		batch_id BIGINT NOT NULL,
		ingested_at TEXT NOT NULL,
		PRIMARY KEY (ref, valid_from)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_advance_request_history_current
		ON advance_request_history(ref) WHERE is_current;

	CREATE TABLE IF NOT EXISTS payment_history (
		ref TEXT NOT NULL,
		employee_ref TEXT NOT NULL DEFAULT '',
		paid_amount TEXT NOT NULL,
		employee_bank_ref TEXT NOT NULL DEFAULT '',
		payment_date TEXT NOT NULL,
		request_ref TEXT NOT NULL DEFAULT '',
		valid_from TEXT NOT NULL,
		valid_to TEXT NOT NULL DEFAULT '9999-12-31',
		is_current BOOLEAN NOT NULL DEFAULT TRUE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		record_hash TEXT NOT NULL,
		batch_id BIGINT NOT NULL,
		ingested_at TEXT NOT NULL,
		PRIMARY KEY (ref, valid_from)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_history_current
		ON payment_history(ref) WHERE is_current;
`

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS batch_run (
		batch_id BIGSERIAL PRIMARY KEY,
		dataset TEXT NOT NULL,
		as_of_date DATE NOT NULL,
		source_name TEXT NOT NULL DEFAULT '',
		source_checksum TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'STARTED',
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_run_extract
		ON batch_run(dataset, as_of_date, source_checksum)
		WHERE status != 'FAILED';

	CREATE INDEX IF NOT EXISTS idx_batch_run_dataset
		ON batch_run(dataset, as_of_date);

	CREATE TABLE IF NOT EXISTS employee_history (
		ref TEXT NOT NULL,
		national_id TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		valid_from DATE NOT NULL,
		valid_to DATE NOT NULL DEFAULT '9999-12-31',
		is_current BOOLEAN NOT NULL DEFAULT TRUE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		record_hash TEXT NOT NULL,
		batch_id BIGINT NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (ref, valid_from)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_employee_history_current
		ON employee_history(ref) WHERE is_current;

	CREATE TABLE IF NOT EXISTS advance_request_history (
		ref TEXT NOT NULL,
		employee_ref TEXT NOT NULL DEFAULT '',
		requested_amount NUMERIC(14,2) NOT NULL,
		paid_amount NUMERIC(14,2),
		payment_date DATE,
		payment_ref TEXT NOT NULL DEFAULT '',
		valid_from DATE NOT NULL,
		valid_to DATE NOT NULL DEFAULT '9999-12-31',
		is_current BOOLEAN NOT NULL DEFAULT TRUE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		record_hash TEXT NOT NULL,
		batch_id BIGINT NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (ref, valid_from)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_advance_request_history_current
		ON advance_request_history(ref) WHERE is_current;

	CREATE TABLE IF NOT EXISTS payment_history (
		ref TEXT NOT NULL,
		employee_ref TEXT NOT NULL DEFAULT '',
		paid_amount NUMERIC(14,2) NOT NULL,
		employee_bank_ref TEXT NOT NULL DEFAULT '',
		payment_date DATE NOT NULL,
		request_ref TEXT NOT NULL DEFAULT '',
		valid_from DATE NOT NULL,
		valid_to DATE NOT NULL DEFAULT '9999-12-31',
		is_current BOOLEAN NOT NULL DEFAULT TRUE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		record_hash TEXT NOT NULL,
		batch_id BIGINT NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (ref, valid_from)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_history_current
		ON payment_history(ref) WHERE is_current;
`

// =============================================================================
// LEDGER STORE (scd.LedgerStore interface)
// =============================================================================

// FindRun returns the latest run for the exact extract tuple, or nil.
func (s *DB) FindRun(ctx context.Context, dataset string, asOf scd.Date, checksum string) (*scd.BatchRun, error) {
	query := `
		SELECT batch_id, dataset, as_of_date, source_name, source_checksum,
		       started_at, finished_at, status, message
		FROM batch_run
		WHERE dataset = $1 AND as_of_date = $2 AND source_checksum = $3
		ORDER BY batch_id DESC
		LIMIT 1
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, dataset, asOf, checksum))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query batch_run: %w", err)
	}
	return run, nil
}

// CreateRun inserts a STARTED run and assigns its ID. A unique violation on
// the extract index means another worker registered the tuple between the
// caller's lookup and this insert.
func (s *DB) CreateRun(ctx context.Context, run *scd.BatchRun) error {
	if s.driver == DriverPostgres {
		query := `
			INSERT INTO batch_run (dataset, as_of_date, source_name, source_checksum, started_at, status, message)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING batch_id
		`
		var id int64
		err := s.db.QueryRowContext(ctx, query,
			run.Dataset, run.AsOf, run.SourceName, run.Checksum,
			formatTime(run.StartedAt), string(run.Status), run.Message,
		).Scan(&id)
		if err != nil {
			return mapInsertErr(run, err)
		}
		run.ID = scd.BatchID(id)
		return nil
	}

	query := `
		INSERT INTO batch_run (dataset, as_of_date, source_name, source_checksum, started_at, status, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	result, err := s.db.ExecContext(ctx, query,
		run.Dataset, run.AsOf, run.SourceName, run.Checksum,
		formatTime(run.StartedAt), string(run.Status), run.Message,
	)
	if err != nil {
		return mapInsertErr(run, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read batch_id: %w", err)
	}
	run.ID = scd.BatchID(id)
	return nil
}

// FinishRun stamps the terminal status on a run.
func (s *DB) FinishRun(ctx context.Context, id scd.BatchID, status scd.BatchStatus, message string, finishedAt time.Time) error {
	query := `
		UPDATE batch_run
		SET finished_at = $1, status = $2, message = $3
		WHERE batch_id = $4
	`
	_, err := s.db.ExecContext(ctx, query, formatTime(finishedAt), string(status), message, int64(id))
	if err != nil {
		return fmt.Errorf("failed to finish batch %d: %w", id, err)
	}
	return nil
}

// ListRuns returns runs newest first, optionally filtered.
func (s *DB) ListRuns(ctx context.Context, dataset string, status scd.BatchStatus, limit int) ([]scd.BatchRun, error) {
	query := `
		SELECT batch_id, dataset, as_of_date, source_name, source_checksum,
		       started_at, finished_at, status, message
		FROM batch_run
	`
	var (
		conds []string
		args  []any
	)
	if dataset != "" {
		args = append(args, dataset)
		conds = append(conds, fmt.Sprintf("dataset = $%d", len(args)))
	}
	if status != "" {
		args = append(args, string(status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY batch_id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch runs: %w", err)
	}
	defer rows.Close()

	var runs []scd.BatchRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// =============================================================================
// SCAN / FORMAT HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*scd.BatchRun, error) {
	var (
		run        scd.BatchRun
		id         int64
		status     string
		startedAt  timeColumn
		finishedAt nullTimeColumn
	)
	err := row.Scan(&id, &run.Dataset, &run.AsOf, &run.SourceName, &run.Checksum,
		&startedAt, &finishedAt, &status, &run.Message)
	if err != nil {
		return nil, err
	}
	run.ID = scd.BatchID(id)
	run.Status = scd.BatchStatus(status)
	run.StartedAt = startedAt.Time
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func mapInsertErr(run *scd.BatchRun, err error) error {
	if isUniqueViolation(err) {
		return &scd.ConflictError{Dataset: run.Dataset, AsOf: run.AsOf}
	}
	return fmt.Errorf("failed to insert batch run: %w", err)
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// Timestamps are written as RFC3339Nano text; PostgreSQL casts it to
// timestamptz, SQLite stores it verbatim.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// timeColumn scans TIMESTAMPTZ (time.Time) and text timestamps.
type timeColumn struct {
	Time time.Time
}

func (tc *timeColumn) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		tc.Time = v.UTC()
		return nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", v, err)
		}
		tc.Time = t.UTC()
		return nil
	case []byte:
		return tc.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

type nullTimeColumn struct {
	Time  time.Time
	Valid bool
}

func (nc *nullTimeColumn) Scan(src any) error {
	if src == nil {
		nc.Valid = false
		return nil
	}
	var tc timeColumn
	if err := tc.Scan(src); err != nil {
		return err
	}
	nc.Time = tc.Time
	nc.Valid = true
	return nil
}
