/*
merge.go - The SCD2 interval-merge algorithm

PURPOSE:
  Merges a full current snapshot of an entity into its versioned history
  table. This is the one generic implementation of the interval algebra;
  entities differ only in their natural-key extractor and digest function
  (see Entity), never in the merge logic itself.

ALGORITHM (one transaction per call):
  1. Read the current version per natural key.
  2. Keys present in the snapshot:
     - unknown key           -> open a new version at as-of
     - identical digest      -> no write (the idempotent replay path)
     - different digest or
       previously tombstoned -> close current at as-of, open successor
  3. Keys current and not deleted but absent from the snapshot:
     -> close current at as-of, open a tombstone carrying the last known
        attributes (deletion is itself a dated, hash-tracked version, which
        is what makes later resurrection detectable)

SAME-DAY TIE-BREAK:
  When as-of equals the current version's valid_from, the version is
  overwritten in place instead of being closed - intervals never have zero
  width. A re-delivered corrected extract for the same day therefore leaves
  exactly one version for that day.

IDEMPOTENCE:
  Applying the same snapshot for the same as-of twice writes zero rows the
  second time: every key takes the identical-digest branch.

PATCH-CURRENT (enrichment):
  PatchCurrent is the cross-entity variant used by the payment->request
  enrichment. It does not drive the target's natural-key lifecycle; it only
  rewrites the currently open version of referenced keys. Rows referencing a
  key with no open version are collected as DanglingReference issues and do
  not abort the batch.

SEE ALSO:
  - store.go: Transaction and optimistic-check contract
  - payroll/enrich.go: Builds settlement patches from payment snapshots
*/
package scd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// MERGER
// =============================================================================

type Merger[R any] struct {
	entity Entity[R]
	store  TxHistoryStore[R]
	now    func() time.Time
}

func NewMerger[R any](entity Entity[R], store TxHistoryStore[R]) *Merger[R] {
	return &Merger[R]{
		entity: entity,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply merges a snapshot into the history table as one atomic unit. Every
// written version carries batch.ID. On error the transaction is rolled back
// and no partial interval update is observable.
func (m *Merger[R]) Apply(ctx context.Context, asOf Date, snapshot []R, batch BatchRun) (*MergeResult, error) {
	res := &MergeResult{Dataset: m.entity.Dataset, AsOf: asOf, Batch: batch.ID}

	// Last row wins for a key delivered twice in one extract.
	rows := make(map[string]R, len(snapshot))
	for _, row := range snapshot {
		rows[m.entity.Key(row)] = row
	}

	err := m.store.WithTx(ctx, func(s HistoryStore[R]) error {
		current, err := s.Current(ctx)
		if err != nil {
			return err
		}

		for _, key := range sortedKeys(rows) {
			row := rows[key]
			hash := m.entity.Digest(row, false)

			cur, ok := current[key]
			switch {
			case !ok:
				if err := s.Open(ctx, m.version(row, key, asOf, hash, false, batch)); err != nil {
					return err
				}
				res.New++

			case cur.RecordHash == hash && !cur.IsDeleted:
				res.Unchanged++

			default:
				if err := m.supersede(ctx, s, cur, m.version(row, key, asOf, hash, false, batch)); err != nil {
					return err
				}
				if cur.IsDeleted {
					res.New++ // resurrection
				} else {
					res.Changed++
				}
			}
		}

		// Soft deletes: current, not yet tombstoned, absent from the snapshot.
		for _, key := range sortedKeys(current) {
			cur := current[key]
			if _, present := rows[key]; present || cur.IsDeleted {
				continue
			}
			tomb := m.version(cur.Row, key, asOf, m.entity.Digest(cur.Row, true), true, batch)
			if err := m.supersede(ctx, s, cur, tomb); err != nil {
				return err
			}
			res.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(m.entity.Dataset, err)
	}
	return res, nil
}

// =============================================================================
// PATCH CURRENT - Cross-entity enrichment
// =============================================================================

// Patch rewrites the current version of one target key.
type Patch[R any] struct {
	Key   string    // natural key of the target entity
	Ref   string    // reference of the source row, for diagnostics
	Apply func(R) R // returns the enriched business row
}

// PatchCurrent applies enrichment patches as one atomic unit. Unlike Apply
// it never opens keys, never tombstones, and reports rows without an open
// target version as issues instead of failing the call.
func (m *Merger[R]) PatchCurrent(ctx context.Context, asOf Date, patches []Patch[R], batch BatchRun) (*MergeResult, error) {
	res := &MergeResult{Dataset: m.entity.Dataset, AsOf: asOf, Batch: batch.ID}

	ordered := make([]Patch[R], len(patches))
	copy(ordered, patches)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Key != ordered[j].Key {
			return ordered[i].Key < ordered[j].Key
		}
		return ordered[i].Ref < ordered[j].Ref
	})

	err := m.store.WithTx(ctx, func(s HistoryStore[R]) error {
		current, err := s.Current(ctx)
		if err != nil {
			return err
		}

		for _, p := range ordered {
			cur, ok := current[p.Key]
			if !ok || cur.IsDeleted {
				res.Issues = append(res.Issues, RowIssue{
					Key:    p.Key,
					Ref:    p.Ref,
					Reason: "dangling reference",
					Err:    ErrDanglingReference,
				})
				continue
			}

			enriched := p.Apply(cur.Row)
			hash := m.entity.Digest(enriched, false)
			if hash == cur.RecordHash {
				res.Unchanged++
				continue
			}

			next := m.version(enriched, p.Key, asOf, hash, false, batch)
			if err := m.supersede(ctx, s, cur, next); err != nil {
				return err
			}
			// Keep the map current so several patches for one key compose.
			current[p.Key] = next
			res.Patched++
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(m.entity.Dataset, err)
	}
	return res, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (m *Merger[R]) version(row R, key string, asOf Date, hash string, deleted bool, batch BatchRun) Version[R] {
	return Version[R]{
		Row:        row,
		Key:        key,
		ValidFrom:  asOf,
		ValidTo:    Infinite(),
		IsCurrent:  true,
		IsDeleted:  deleted,
		RecordHash: hash,
		BatchID:    batch.ID,
		IngestedAt: m.now(),
	}
}

// supersede replaces cur with next. Same as-of day overwrites in place;
// otherwise cur is closed at next.ValidFrom and next opened. Both paths
// carry the optimistic check read from cur.
func (m *Merger[R]) supersede(ctx context.Context, s HistoryStore[R], cur, next Version[R]) error {
	expect := Expect{ValidFrom: cur.ValidFrom, RecordHash: cur.RecordHash}

	if cur.ValidFrom.Equal(next.ValidFrom) {
		return s.Replace(ctx, next, expect)
	}
	if next.ValidFrom.Before(cur.ValidFrom) {
		return fmt.Errorf("as-of %s precedes open version %s of key %s",
			next.ValidFrom, cur.ValidFrom, cur.Key)
	}
	if err := s.CloseCurrent(ctx, cur.Key, next.ValidFrom, expect); err != nil {
		return err
	}
	return s.Open(ctx, next)
}

func wrapStoreErr(dataset string, err error) error {
	if errors.Is(err, ErrHashMismatchRace) {
		return err
	}
	return fmt.Errorf("%s merge: %w: %w", dataset, ErrStoreWrite, err)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
