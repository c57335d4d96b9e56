/*
ledger.go - Batch registration and replay skipping

PURPOSE:
  The Ledger is the idempotency gate in front of every history write. One
  BatchRun row is recorded per ingestion attempt; re-running the pipeline on
  an extract whose (dataset, as-of date, checksum) tuple already succeeded is
  skipped before any history table is touched.

LIFECYCLE:
  Begin  -> STARTED row inserted, live BatchRun returned
  ...history writes, stamped with the run's batch ID...
  Complete(SUCCESS | FAILED)

  A FAILED run's already-durable rows are retained for forensic inspection;
  atomicity of the history writes themselves is the merger's transaction
  boundary, not the ledger's.

CHECKSUMS:
  The run-level checksum fingerprints the entire extract (file bytes or the
  canonical digests of an in-memory snapshot). It is distinct from the
  per-row record_hash used for change detection.

SEE ALSO:
  - store.go: LedgerStore interface
  - payroll/service.go: The begin/merge/complete sequencing
*/
package scd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store LedgerStore
	now   func() time.Time
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Begin registers an ingestion attempt. It returns:
//   - a live STARTED run when the tuple is new (or only failed before);
//   - a DuplicateBatchError when an identical extract already succeeded
//     (callers must skip without touching history);
//   - a ConflictError when a STARTED run for the tuple exists, so identical
//     extracts are never processed concurrently.
func (l *Ledger) Begin(ctx context.Context, dataset string, asOf Date, sourceName, checksum string) (*BatchRun, error) {
	existing, err := l.store.FindRun(ctx, dataset, asOf, checksum)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}

	if existing != nil {
		switch existing.Status {
		case StatusSuccess, StatusSkipped:
			return nil, &DuplicateBatchError{
				Dataset:  dataset,
				AsOf:     asOf,
				Checksum: checksum,
				Existing: existing.ID,
			}
		case StatusStarted:
			return nil, &ConflictError{Dataset: dataset, AsOf: asOf, Running: existing.ID}
		}
		// FAILED runs do not block a retry; a fresh attempt gets its own row.
	}

	run := &BatchRun{
		Dataset:    dataset,
		AsOf:       asOf,
		SourceName: sourceName,
		Checksum:   checksum,
		StartedAt:  l.now(),
		Status:     StatusStarted,
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("ledger insert: %w", err)
	}
	return run, nil
}

// Complete stamps the terminal status on a run returned by Begin.
func (l *Ledger) Complete(ctx context.Context, run *BatchRun, status BatchStatus, message string) error {
	if run.Terminal() {
		return fmt.Errorf("batch %d already completed as %s", run.ID, run.Status)
	}
	finishedAt := l.now()
	if err := l.store.FinishRun(ctx, run.ID, status, message, finishedAt); err != nil {
		return fmt.Errorf("ledger finish: %w", err)
	}
	run.Status = status
	run.Message = message
	run.FinishedAt = &finishedAt
	return nil
}

// Runs exposes the audit view over the ledger.
func (l *Ledger) Runs(ctx context.Context, dataset string, status BatchStatus, limit int) ([]BatchRun, error) {
	return l.store.ListRuns(ctx, dataset, status, limit)
}

// =============================================================================
// CHECKSUMS
// =============================================================================

// SnapshotChecksum fingerprints an in-memory snapshot from its per-row
// digests. Row order in the extract is irrelevant; content is not.
func SnapshotChecksum(rowDigests []string) string {
	sorted := make([]string, len(rowDigests))
	copy(sorted, rowDigests)
	sort.Strings(sorted)

	h := sha256.New()
	for _, d := range sorted {
		h.Write([]byte(d))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FileChecksum fingerprints a source extract on disk.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
