/*
Package scd provides the core SCD Type 2 historization engine.

PURPOSE:
  This package contains domain-agnostic types and algorithms for merging
  as-of-dated snapshots of mutable business entities into versioned history
  tables. Whether historizing employees, advance requests, or payments, the
  same engine handles version opening/closing, soft deletion, change
  detection, and batch-level idempotency.

KEY CONCEPTS IN THIS FILE (types.go):
  - Date: A day-granularity point in time (validity interval bound)
  - BatchRun: One row per ingestion attempt (the idempotency ledger entry)
  - Version: A business row plus its SCD2 trailer (validity, flags, hash)
  - Entity: Per-entity parameterization (natural key + digest function)
  - MergeResult: Per-call outcome with counters and per-row diagnostics

DESIGN PRINCIPLES:
  1. Append-mostly: versions are closed, never rewritten (except the
     same-day correction tie-break, which overwrites in place)
  2. Precision: decimal canonicalization lives in hash.go, never floats
  3. Type safety: the engine is generic over the business row type, so the
     interval algebra exists exactly once
  4. Auditability: every written version carries the batch that produced it

USAGE:
  merger := scd.NewMerger(payroll.EmployeeEntity, historyStore)
  result, err := merger.Apply(ctx, asOf, snapshot, batch)

SEE ALSO:
  - merge.go: The interval-merge algorithm and patch-current operation
  - ledger.go: Batch registration and checksum-based replay skipping
  - hash.go: Canonical business-attribute digests
*/
package scd

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granularity validity bound
// =============================================================================

// Date is a calendar day in UTC. Validity intervals are [ValidFrom, ValidTo)
// with ValidTo defaulting to the infinite sentinel 9999-12-31.
type Date struct {
	Time time.Time
}

const dayLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

// MustDate panics on malformed input. Test and scenario helper.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Infinite is the open-interval sentinel used as valid_to of current rows.
func Infinite() Date { return NewDate(9999, time.December, 31) }

func (d Date) normalize() time.Time {
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
}

func (d Date) Before(other Date) bool { return d.normalize().Before(other.normalize()) }
func (d Date) After(other Date) bool  { return d.normalize().After(other.normalize()) }
func (d Date) Equal(other Date) bool  { return d.normalize().Equal(other.normalize()) }
func (d Date) IsZero() bool           { return d.Time.IsZero() }
func (d Date) IsInfinite() bool       { return d.Equal(Infinite()) }
func (d Date) AddDays(n int) Date     { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) String() string         { return d.normalize().Format(dayLayout) }

// JSON round-trips as "YYYY-MM-DD" for the API surface.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid date literal %s", s)
	}
	parsed, err := ParseDate(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Scan accepts DATE columns (PostgreSQL hands back time.Time) and ISO text
// (the SQLite representation).
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = Date{Time: v}
		return nil
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case []byte:
		return d.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
}

// Value writes the ISO form; both supported drivers cast it to their
// native date representation.
func (d Date) Value() (driver.Value, error) {
	return d.String(), nil
}

// NullDate is a nullable Date for columns that are unset until enrichment.
type NullDate struct {
	Date  Date
	Valid bool
}

func SomeDate(d Date) NullDate { return NullDate{Date: d, Valid: true} }

func (n *NullDate) Scan(src any) error {
	if src == nil {
		*n = NullDate{}
		return nil
	}
	if err := n.Date.Scan(src); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

func (n NullDate) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Date.Value()
}

func (n NullDate) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return n.Date.MarshalJSON()
}

func (n *NullDate) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = NullDate{}
		return nil
	}
	if err := n.Date.UnmarshalJSON(b); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// =============================================================================
// BATCH RUN - One row per ingestion attempt
// =============================================================================

type BatchID int64

type BatchStatus string

const (
	StatusStarted BatchStatus = "STARTED"
	StatusSuccess BatchStatus = "SUCCESS"
	StatusFailed  BatchStatus = "FAILED"
	StatusSkipped BatchStatus = "SKIPPED"
)

// BatchRun is the idempotency ledger entry. (Dataset, AsOf, Checksum) is
// unique among successful runs; a matching SUCCESS row means the extract has
// already been processed and must be skipped.
type BatchRun struct {
	ID         BatchID
	Dataset    string
	AsOf       Date
	SourceName string
	Checksum   string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     BatchStatus
	Message    string
}

// Terminal reports whether the run has reached a final status.
func (b BatchRun) Terminal() bool {
	return b.Status == StatusSuccess || b.Status == StatusFailed || b.Status == StatusSkipped
}

// =============================================================================
// VERSION - Business row plus SCD2 trailer
// =============================================================================

// Version wraps a business row with its historization bookkeeping. For a
// given natural key, [ValidFrom, ValidTo) intervals partition time without
// gaps or overlaps, and at most one version has IsCurrent set.
type Version[R any] struct {
	Row        R
	Key        string
	ValidFrom  Date
	ValidTo    Date
	IsCurrent  bool
	IsDeleted  bool
	RecordHash string
	BatchID    BatchID
	IngestedAt time.Time
}

// =============================================================================
// ENTITY - Per-entity parameterization of the generic engine
// =============================================================================

// Entity describes how the merger treats one business entity. Digest must
// cover business attributes and the deleted flag only - never bookkeeping
// columns - so that hashes stay stable across batch and timestamp churn.
type Entity[R any] struct {
	Dataset string
	Key     func(R) string
	Digest  func(row R, deleted bool) string
}

// =============================================================================
// MERGE RESULT - Per-call outcome
// =============================================================================

// MergeResult summarizes one Apply or PatchCurrent call.
type MergeResult struct {
	Dataset   string
	AsOf      Date
	Batch     BatchID
	New       int // keys opened for the first time or resurrected
	Changed   int // versions replaced due to a hash change
	Deleted   int // tombstones written for disappeared keys
	Unchanged int // no-op keys (the common case on replay)
	Patched   int // current rows rewritten by enrichment
	Issues    []RowIssue
}

// RowIssue is a per-row diagnostic that did not abort the batch.
type RowIssue struct {
	Key    string // natural key of the target entity
	Ref    string // reference of the offending source row
	Reason string
	Err    error
}

// Writes counts the versions this call persisted.
func (r *MergeResult) Writes() int {
	return r.New + r.Changed + r.Deleted + r.Patched
}

// Summary renders the one-line audit message stored on the batch run.
func (r *MergeResult) Summary() string {
	return fmt.Sprintf("new=%d changed=%d deleted=%d unchanged=%d patched=%d issues=%d",
		r.New, r.Changed, r.Deleted, r.Unchanged, r.Patched, len(r.Issues))
}
