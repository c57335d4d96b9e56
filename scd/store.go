/*
store.go - Persistence interfaces for history tables and the batch ledger

PURPOSE:
  Defines the interface between the merge algorithm and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory
  storage; the engine only requires scoped transactions and an optimistic
  check on closes.

KEY INTERFACES:
  HistoryStore:   One versioned table (read current, open, close, replace)
  TxHistoryStore: HistoryStore with scoped transaction acquisition
  LedgerStore:    The batch_run table behind the Ledger

OPTIMISTIC CHECK:
  CloseCurrent and Replace take the (valid_from, record_hash) pair the
  caller read. Implementations must refuse the write - returning a RaceError
  - when the current row no longer matches, so a concurrent writer is
  surfaced instead of silently overwritten.

TRANSACTION CONTRACT:
  WithTx executes fn against a store view bound to one transaction. If fn
  returns an error the transaction rolls back and no partial interval update
  is ever observable; otherwise it commits as a single unit, preserving the
  one-current-row-per-key invariant for concurrent readers.

IMPLEMENTATIONS:
  - store/sqlstore: Production SQLite/PostgreSQL
  - scd/store:      In-memory for tests

SEE ALSO:
  - merge.go: The only writer of history tables
  - ledger.go: The only writer of batch_run
*/
package scd

import (
	"context"
	"time"
)

// =============================================================================
// HISTORY STORE - One versioned table
// =============================================================================

// Expect carries the optimistic-check values read before a write.
type Expect struct {
	ValidFrom  Date
	RecordHash string
}

// HistoryStore persists the version chain of one entity. The merger is its
// only writer; closed versions are never mutated again except for the
// valid_to/is_current flip performed by CloseCurrent.
type HistoryStore[R any] interface {
	// Current returns the is_current version per natural key.
	Current(ctx context.Context) (map[string]Version[R], error)

	// Open inserts a new current version (valid_to = infinite sentinel).
	Open(ctx context.Context, v Version[R]) error

	// CloseCurrent closes the current version of key: valid_to = validTo,
	// is_current = false. Fails with a RaceError when the stored row does
	// not match expect.
	CloseCurrent(ctx context.Context, key string, validTo Date, expect Expect) error

	// Replace overwrites the business attributes, flags, hash and batch of
	// the current version in place, keeping its valid_from. Used for the
	// same-day correction tie-break so intervals never have zero width.
	Replace(ctx context.Context, v Version[R], expect Expect) error

	// Versions returns the full chain for one key, oldest first.
	// Read-only; used by the reporting surface and tests.
	Versions(ctx context.Context, key string) ([]Version[R], error)
}

// TxHistoryStore adds scoped transactions to a HistoryStore.
type TxHistoryStore[R any] interface {
	HistoryStore[R]

	// WithTx executes fn within one transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(HistoryStore[R]) error) error
}

// =============================================================================
// LEDGER STORE - The batch_run table
// =============================================================================

// LedgerStore persists batch runs. Owned exclusively by the Ledger.
type LedgerStore interface {
	// FindRun returns the most recent run for the exact tuple, or nil.
	FindRun(ctx context.Context, dataset string, asOf Date, checksum string) (*BatchRun, error)

	// CreateRun inserts a run and assigns its monotonic ID.
	CreateRun(ctx context.Context, run *BatchRun) error

	// FinishRun stamps the terminal status. A finished run is never
	// mutated again.
	FinishRun(ctx context.Context, id BatchID, status BatchStatus, message string, finishedAt time.Time) error

	// ListRuns returns runs newest first, optionally filtered by dataset
	// and status. limit <= 0 means no limit.
	ListRuns(ctx context.Context, dataset string, status BatchStatus, limit int) ([]BatchRun, error)
}
