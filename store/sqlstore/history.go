/*
history.go - Generic SQL implementation of one versioned history table

PURPOSE:
  One implementation of scd.TxHistoryStore serves all three history tables.
  A TableSpec describes the per-entity surface (table name, business
  columns, arg/dest binding); History builds the SQL from it once at
  construction. The SCD2 trailer columns are identical across tables and
  appended mechanically.

CONCURRENCY:
  CloseCurrent and Replace restrict their UPDATE to the row matching the
  caller's optimistic check (valid_from, record_hash). Zero affected rows
  means the current row moved underneath us and surfaces as scd.RaceError.

SEE ALSO:
  - payroll.go: The three TableSpecs
  - scd/store.go: The interface contracts implemented here
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/history-engine/scd"
)

// =============================================================================
// TABLE SPEC
// =============================================================================

// TableSpec binds one business row type to its history table. Cols lists the
// business columns with the natural-key column first; Args and Dest must
// produce values in the same order.
type TableSpec[R any] struct {
	Table string
	Cols  []string

	Key  func(R) string
	Args func(R) []any
	Dest func(*R) []any
}

// trailerCols is the SCD2 bookkeeping shared by every history table.
var trailerCols = []string{
	"valid_from", "valid_to", "is_current", "is_deleted",
	"record_hash", "batch_id", "ingested_at",
}

// =============================================================================
// HISTORY STORE (scd.TxHistoryStore interface)
// =============================================================================

type History[R any] struct {
	db   *DB
	spec TableSpec[R]

	selectCols string // "ref, ..., ingested_at"
	insertSQL  string
	replaceSQL string
}

func NewHistory[R any](db *DB, spec TableSpec[R]) *History[R] {
	all := append(append([]string{}, spec.Cols...), trailerCols...)

	placeholders := make([]string, len(all))
	for i := range all {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	// UPDATE ... SET col = $n for every column except the key, then the
	// optimistic WHERE on (key, is_current, valid_from, record_hash).
	sets := make([]string, 0, len(all)-1)
	n := 0
	for _, col := range all[1:] {
		if col == "valid_from" || col == "valid_to" || col == "is_current" {
			continue // Replace keeps the interval and currency untouched
		}
		n++
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
	}
	replaceSQL := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d AND is_current AND valid_from = $%d AND record_hash = $%d",
		spec.Table, strings.Join(sets, ", "), spec.Cols[0], n+1, n+2, n+3,
	)

	return &History[R]{
		db:         db,
		spec:       spec,
		selectCols: strings.Join(all, ", "),
		insertSQL: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			spec.Table, strings.Join(all, ", "), strings.Join(placeholders, ", ")),
		replaceSQL: replaceSQL,
	}
}

func (h *History[R]) Current(ctx context.Context) (map[string]scd.Version[R], error) {
	return h.current(ctx, h.db.db)
}

func (h *History[R]) Open(ctx context.Context, v scd.Version[R]) error {
	return h.open(ctx, h.db.db, v)
}

func (h *History[R]) CloseCurrent(ctx context.Context, key string, validTo scd.Date, expect scd.Expect) error {
	return h.closeCurrent(ctx, h.db.db, key, validTo, expect)
}

func (h *History[R]) Replace(ctx context.Context, v scd.Version[R], expect scd.Expect) error {
	return h.replace(ctx, h.db.db, v, expect)
}

func (h *History[R]) Versions(ctx context.Context, key string) ([]scd.Version[R], error) {
	return h.versions(ctx, h.db.db, key)
}

// WithTx runs fn against a view bound to one transaction.
func (h *History[R]) WithTx(ctx context.Context, fn func(scd.HistoryStore[R]) error) error {
	tx, err := h.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txHistory[R]{h: h, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txHistory is the transaction-bound view handed to WithTx callbacks.
type txHistory[R any] struct {
	h  *History[R]
	tx *sql.Tx
}

func (t *txHistory[R]) Current(ctx context.Context) (map[string]scd.Version[R], error) {
	return t.h.current(ctx, t.tx)
}

func (t *txHistory[R]) Open(ctx context.Context, v scd.Version[R]) error {
	return t.h.open(ctx, t.tx, v)
}

func (t *txHistory[R]) CloseCurrent(ctx context.Context, key string, validTo scd.Date, expect scd.Expect) error {
	return t.h.closeCurrent(ctx, t.tx, key, validTo, expect)
}

func (t *txHistory[R]) Replace(ctx context.Context, v scd.Version[R], expect scd.Expect) error {
	return t.h.replace(ctx, t.tx, v, expect)
}

func (t *txHistory[R]) Versions(ctx context.Context, key string) ([]scd.Version[R], error) {
	return t.h.versions(ctx, t.tx, key)
}

// =============================================================================
// SHARED QUERY IMPLEMENTATIONS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (h *History[R]) current(ctx context.Context, q querier) (map[string]scd.Version[R], error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE is_current", h.selectCols, h.spec.Table)
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", h.spec.Table, err)
	}
	defer rows.Close()

	out := make(map[string]scd.Version[R])
	for rows.Next() {
		v, err := h.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out[v.Key] = v
	}
	return out, rows.Err()
}

func (h *History[R]) open(ctx context.Context, q querier, v scd.Version[R]) error {
	args := append(h.spec.Args(v.Row), h.trailerArgs(v)...)
	if _, err := q.ExecContext(ctx, h.insertSQL, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", h.spec.Table, err)
	}
	return nil
}

func (h *History[R]) closeCurrent(ctx context.Context, q querier, key string, validTo scd.Date, expect scd.Expect) error {
	query := fmt.Sprintf(
		"UPDATE %s SET valid_to = $1, is_current = FALSE WHERE %s = $2 AND is_current AND valid_from = $3 AND record_hash = $4",
		h.spec.Table, h.spec.Cols[0],
	)
	result, err := q.ExecContext(ctx, query, validTo, key, expect.ValidFrom, expect.RecordHash)
	if err != nil {
		return fmt.Errorf("failed to close current in %s: %w", h.spec.Table, err)
	}
	return h.checkAffected(result, key)
}

func (h *History[R]) replace(ctx context.Context, q querier, v scd.Version[R], expect scd.Expect) error {
	// Business columns minus the key, then the mutable trailer, then the
	// optimistic WHERE values. Mirrors the SET order built in NewHistory.
	args := h.spec.Args(v.Row)[1:]
	args = append(args, v.IsDeleted, v.RecordHash, int64(v.BatchID), formatTime(v.IngestedAt))
	args = append(args, v.Key, expect.ValidFrom, expect.RecordHash)

	result, err := q.ExecContext(ctx, h.replaceSQL, args...)
	if err != nil {
		return fmt.Errorf("failed to replace current in %s: %w", h.spec.Table, err)
	}
	return h.checkAffected(result, v.Key)
}

func (h *History[R]) versions(ctx context.Context, q querier, key string) ([]scd.Version[R], error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY valid_from ASC",
		h.selectCols, h.spec.Table, h.spec.Cols[0])
	rows, err := q.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", h.spec.Table, err)
	}
	defer rows.Close()

	var out []scd.Version[R]
	for rows.Next() {
		v, err := h.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (h *History[R]) checkAffected(result sql.Result, key string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return &scd.RaceError{Table: h.spec.Table, Key: key}
	}
	return nil
}

func (h *History[R]) trailerArgs(v scd.Version[R]) []any {
	return []any{
		v.ValidFrom, v.ValidTo, v.IsCurrent, v.IsDeleted,
		v.RecordHash, int64(v.BatchID), formatTime(v.IngestedAt),
	}
}

func (h *History[R]) scanVersion(rows *sql.Rows) (scd.Version[R], error) {
	var (
		v          scd.Version[R]
		batchID    int64
		ingestedAt timeColumn
	)
	dests := append(h.spec.Dest(&v.Row),
		&v.ValidFrom, &v.ValidTo, &v.IsCurrent, &v.IsDeleted,
		&v.RecordHash, &batchID, &ingestedAt,
	)
	if err := rows.Scan(dests...); err != nil {
		return v, fmt.Errorf("failed to scan %s row: %w", h.spec.Table, err)
	}
	v.Key = h.spec.Key(v.Row)
	v.BatchID = scd.BatchID(batchID)
	v.IngestedAt = ingestedAt.Time
	return v, nil
}
