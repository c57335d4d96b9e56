/*
errors.go - Centralized error types for the historization engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is / the helpers at the bottom;
  the engine never retries on its own.

ERROR CATEGORIES:
  1. Ledger errors - duplicate or concurrently running batches
  2. Merge errors - store write failures, optimistic-check conflicts
  3. Enrichment errors - dangling cross-entity references (per-row)

SEE ALSO:
  - ledger.go: Returns DuplicateBatch / LedgerConflict
  - merge.go: Returns StoreWrite / HashMismatchRace, collects DanglingReference
*/
package scd

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateBatch is returned by Ledger.Begin when an identical
	// (dataset, as-of, checksum) extract has already been processed with
	// SUCCESS. Callers must treat this as a skip, not a failure.
	ErrDuplicateBatch = errors.New("batch already processed")

	// ErrLedgerConflict is returned when a STARTED run for the same tuple
	// exists, i.e. another worker is processing the identical extract right
	// now. Retry later or abort; never process concurrently.
	ErrLedgerConflict = errors.New("concurrent batch in progress")

	// ErrDanglingReference marks an enrichment row whose target entity has
	// no open history version. Reported per-row, never fatal to the batch.
	ErrDanglingReference = errors.New("no open version for referenced key")

	// ErrStoreWrite is returned when a transactional write fails. The whole
	// call's writes are rolled back before this surfaces.
	ErrStoreWrite = errors.New("history store write failed")

	// ErrHashMismatchRace is returned when the optimistic check on
	// (valid_from, record_hash) fails at write time: a concurrent writer
	// changed the current row between read and write.
	ErrHashMismatchRace = errors.New("current row changed concurrently")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicateBatchError reports the prior run that makes this one a no-op.
type DuplicateBatchError struct {
	Dataset  string
	AsOf     Date
	Checksum string
	Existing BatchID
}

func (e *DuplicateBatchError) Error() string {
	return fmt.Sprintf("batch already processed: dataset=%s as_of=%s (batch %d)",
		e.Dataset, e.AsOf, e.Existing)
}

func (e *DuplicateBatchError) Unwrap() error { return ErrDuplicateBatch }

// ConflictError reports a concurrently running batch for the same tuple.
type ConflictError struct {
	Dataset string
	AsOf    Date
	Running BatchID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("batch %d is STARTED for dataset=%s as_of=%s", e.Running, e.Dataset, e.AsOf)
}

func (e *ConflictError) Unwrap() error { return ErrLedgerConflict }

// RaceError pinpoints the key whose optimistic check failed.
type RaceError struct {
	Table string
	Key   string
}

func (e *RaceError) Error() string {
	return fmt.Sprintf("current row for %s key %s changed concurrently", e.Table, e.Key)
}

func (e *RaceError) Unwrap() error { return ErrHashMismatchRace }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsSkip reports whether the error means "already done, do nothing".
func IsSkip(err error) bool {
	return errors.Is(err, ErrDuplicateBatch)
}

// IsRetryable reports whether the error might succeed on a later attempt.
// Retry policy itself belongs to the orchestration layer, not this engine.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerConflict) || errors.Is(err, ErrHashMismatchRace)
}
