package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/history-engine/payroll"
	"github.com/warp/history-engine/scd"
	"github.com/warp/history-engine/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestDB(t *testing.T) *sqlstore.DB {
	db, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func requestVersion(ref string, amount int64, validFrom scd.Date, batchID int64) scd.Version[payroll.Request] {
	row := payroll.Request{
		Ref:             ref,
		EmployeeRef:     "E001",
		RequestedAmount: decimal.NewFromInt(amount),
	}
	return scd.Version[payroll.Request]{
		Row:        row,
		Key:        ref,
		ValidFrom:  validFrom,
		ValidTo:    scd.Infinite(),
		IsCurrent:  true,
		RecordHash: payroll.RequestEntity.Digest(row, false),
		BatchID:    scd.BatchID(batchID),
		IngestedAt: time.Date(2024, time.September, 1, 8, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func TestSQLStore_LedgerRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	asOf := scd.MustDate("2024-09-01")

	run := &scd.BatchRun{
		Dataset:    "employee",
		AsOf:       asOf,
		SourceName: "salaries.xlsx",
		Checksum:   "abc",
		StartedAt:  time.Date(2024, time.September, 1, 8, 0, 0, 0, time.UTC),
		Status:     scd.StatusStarted,
	}
	require.NoError(t, db.CreateRun(ctx, run))
	assert.NotZero(t, run.ID)

	found, err := db.FindRun(ctx, "employee", asOf, "abc")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, run.ID, found.ID)
	assert.Equal(t, scd.StatusStarted, found.Status)
	assert.Equal(t, "salaries.xlsx", found.SourceName)
	assert.True(t, found.AsOf.Equal(asOf))
	assert.True(t, found.StartedAt.Equal(run.StartedAt))
	assert.Nil(t, found.FinishedAt)

	finishedAt := run.StartedAt.Add(2 * time.Second)
	require.NoError(t, db.FinishRun(ctx, run.ID, scd.StatusSuccess, "new=3", finishedAt))

	found, err = db.FindRun(ctx, "employee", asOf, "abc")
	require.NoError(t, err)
	assert.Equal(t, scd.StatusSuccess, found.Status)
	assert.Equal(t, "new=3", found.Message)
	require.NotNil(t, found.FinishedAt)
	assert.True(t, found.FinishedAt.Equal(finishedAt))
}

func TestSQLStore_FindRun_NoMatch(t *testing.T) {
	db := newTestDB(t)

	found, err := db.FindRun(context.Background(), "employee", scd.MustDate("2024-09-01"), "nope")

	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSQLStore_DuplicateStartedInsert_Conflict(t *testing.T) {
	// The partial unique index rejects a second live row for one extract
	// tuple; the race between FindRun and CreateRun surfaces as a conflict.

	db := newTestDB(t)
	ctx := context.Background()
	asOf := scd.MustDate("2024-09-01")

	first := &scd.BatchRun{Dataset: "employee", AsOf: asOf, Checksum: "abc",
		StartedAt: time.Now().UTC(), Status: scd.StatusStarted}
	require.NoError(t, db.CreateRun(ctx, first))

	second := &scd.BatchRun{Dataset: "employee", AsOf: asOf, Checksum: "abc",
		StartedAt: time.Now().UTC(), Status: scd.StatusStarted}
	err := db.CreateRun(ctx, second)

	assert.ErrorIs(t, err, scd.ErrLedgerConflict)
}

func TestSQLStore_FailedRowsDoNotBlockInsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	asOf := scd.MustDate("2024-09-01")

	first := &scd.BatchRun{Dataset: "employee", AsOf: asOf, Checksum: "abc",
		StartedAt: time.Now().UTC(), Status: scd.StatusStarted}
	require.NoError(t, db.CreateRun(ctx, first))
	require.NoError(t, db.FinishRun(ctx, first.ID, scd.StatusFailed, "boom", time.Now().UTC()))

	retry := &scd.BatchRun{Dataset: "employee", AsOf: asOf, Checksum: "abc",
		StartedAt: time.Now().UTC(), Status: scd.StatusStarted}
	require.NoError(t, db.CreateRun(ctx, retry))

	// FindRun sees the latest attempt, not the FAILED one.
	found, err := db.FindRun(ctx, "employee", asOf, "abc")
	require.NoError(t, err)
	assert.Equal(t, retry.ID, found.ID)
}

func TestSQLStore_ListRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	r1 := &scd.BatchRun{Dataset: "employee", AsOf: scd.MustDate("2024-09-01"), Checksum: "c1",
		StartedAt: time.Now().UTC(), Status: scd.StatusStarted}
	require.NoError(t, db.CreateRun(ctx, r1))
	require.NoError(t, db.FinishRun(ctx, r1.ID, scd.StatusSuccess, "", time.Now().UTC()))

	r2 := &scd.BatchRun{Dataset: "payment", AsOf: scd.MustDate("2024-09-05"), Checksum: "c2",
		StartedAt: time.Now().UTC(), Status: scd.StatusStarted}
	require.NoError(t, db.CreateRun(ctx, r2))

	all, err := db.ListRuns(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, r2.ID, all[0].ID, "newest first")

	payments, err := db.ListRuns(ctx, "payment", "", 0)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	started, err := db.ListRuns(ctx, "", scd.StatusStarted, 0)
	require.NoError(t, err)
	assert.Len(t, started, 1)

	limited, err := db.ListRuns(ctx, "", "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// =============================================================================
// HISTORY STORE
// =============================================================================

func TestSQLStore_History_OpenAndReadBack(t *testing.T) {
	db := newTestDB(t)
	hist := sqlstore.NewRequestHistory(db)
	ctx := context.Background()

	v := requestVersion("D001", 500, scd.MustDate("2024-09-01"), 1)
	require.NoError(t, hist.Open(ctx, v))

	current, err := hist.Current(ctx)
	require.NoError(t, err)
	require.Len(t, current, 1)

	got := current["D001"]
	assert.Equal(t, "D001", got.Key)
	assert.Equal(t, "E001", got.Row.EmployeeRef)
	assert.True(t, got.Row.RequestedAmount.Equal(decimal.NewFromInt(500)))
	assert.False(t, got.Row.PaidAmount.Valid)
	assert.False(t, got.Row.PaymentDate.Valid)
	assert.True(t, got.IsCurrent)
	assert.True(t, got.ValidTo.IsInfinite())
	assert.Equal(t, v.RecordHash, got.RecordHash)
	assert.Equal(t, scd.BatchID(1), got.BatchID)
	assert.True(t, got.IngestedAt.Equal(v.IngestedAt))
}

func TestSQLStore_History_CloseCurrent(t *testing.T) {
	db := newTestDB(t)
	hist := sqlstore.NewRequestHistory(db)
	ctx := context.Background()

	v := requestVersion("D001", 500, scd.MustDate("2024-09-01"), 1)
	require.NoError(t, hist.Open(ctx, v))

	expect := scd.Expect{ValidFrom: v.ValidFrom, RecordHash: v.RecordHash}
	require.NoError(t, hist.CloseCurrent(ctx, "D001", scd.MustDate("2024-09-02"), expect))

	current, err := hist.Current(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)

	chain, err := hist.Versions(ctx, "D001")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.False(t, chain[0].IsCurrent)
	assert.Equal(t, "2024-09-02", chain[0].ValidTo.String())
}

func TestSQLStore_History_OptimisticCheck(t *testing.T) {
	// GIVEN: A current row
	// WHEN: Closing or replacing with a stale expectation
	// THEN: RaceError, and the row is untouched

	db := newTestDB(t)
	hist := sqlstore.NewRequestHistory(db)
	ctx := context.Background()

	v := requestVersion("D001", 500, scd.MustDate("2024-09-01"), 1)
	require.NoError(t, hist.Open(ctx, v))

	stale := scd.Expect{ValidFrom: v.ValidFrom, RecordHash: "stale"}
	err := hist.CloseCurrent(ctx, "D001", scd.MustDate("2024-09-02"), stale)
	assert.ErrorIs(t, err, scd.ErrHashMismatchRace)

	err = hist.Replace(ctx, requestVersion("D001", 999, v.ValidFrom, 2), stale)
	assert.ErrorIs(t, err, scd.ErrHashMismatchRace)

	current, err := hist.Current(ctx)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.True(t, current["D001"].Row.RequestedAmount.Equal(decimal.NewFromInt(500)))
}

func TestSQLStore_History_Replace(t *testing.T) {
	db := newTestDB(t)
	hist := sqlstore.NewRequestHistory(db)
	ctx := context.Background()

	v := requestVersion("D001", 500, scd.MustDate("2024-09-01"), 1)
	require.NoError(t, hist.Open(ctx, v))

	next := requestVersion("D001", 600, v.ValidFrom, 2)
	expect := scd.Expect{ValidFrom: v.ValidFrom, RecordHash: v.RecordHash}
	require.NoError(t, hist.Replace(ctx, next, expect))

	chain, err := hist.Versions(ctx, "D001")
	require.NoError(t, err)
	require.Len(t, chain, 1, "replace never adds a version")
	assert.True(t, chain[0].Row.RequestedAmount.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, scd.BatchID(2), chain[0].BatchID)
	assert.True(t, chain[0].IsCurrent)
	assert.Equal(t, v.ValidFrom.String(), chain[0].ValidFrom.String(), "interval untouched")
}

func TestSQLStore_History_WithTxRollsBack(t *testing.T) {
	db := newTestDB(t)
	hist := sqlstore.NewRequestHistory(db)
	ctx := context.Background()

	err := hist.WithTx(ctx, func(s scd.HistoryStore[payroll.Request]) error {
		if err := s.Open(ctx, requestVersion("D001", 500, scd.MustDate("2024-09-01"), 1)); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	current, err := hist.Current(ctx)
	require.NoError(t, err)
	assert.Empty(t, current, "rolled-back write is not observable")
}

// =============================================================================
// END TO END - Full Historizer on SQLite
// =============================================================================

func TestSQLStore_HistorizerEndToEnd(t *testing.T) {
	// The full merge pipeline against the SQL store: load, correct, delete,
	// pay, enrich, replay.

	db := newTestDB(t)
	hist := payroll.NewHistorizer(sqlstore.NewStores(db), nil)
	ctx := context.Background()

	day1 := scd.MustDate("2024-09-01")
	day2 := scd.MustDate("2024-09-02")
	day5 := scd.MustDate("2024-09-05")

	reqs := []payroll.Request{
		{Ref: "D001", EmployeeRef: "E001", RequestedAmount: decimal.NewFromInt(500)},
		{Ref: "D002", EmployeeRef: "E002", RequestedAmount: decimal.NewFromInt(300)},
	}
	res, err := hist.ApplyRequests(ctx, day1, "demandes_01", reqs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)

	// 09-02: D002 corrected, D001 dropped.
	day2Reqs := []payroll.Request{
		{Ref: "D002", EmployeeRef: "E002", RequestedAmount: decimal.NewFromInt(400)},
	}
	res, err = hist.ApplyRequests(ctx, day2, "demandes_02", day2Reqs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 1, res.Deleted)

	// 09-05: payment settles D002.
	pays := []payroll.Payment{{
		Ref: "P001", EmployeeRef: "E002", PaidAmount: decimal.NewFromInt(400),
		EmployeeBankRef: "FR7600001000019876543210907", PaymentDate: day5, RequestRef: "D002",
	}}
	_, err = hist.ApplyPayments(ctx, day5, "paiements_05", pays)
	require.NoError(t, err)
	eres, err := hist.EnrichPayments(ctx, day5, "paiements_05", pays)
	require.NoError(t, err)
	assert.Equal(t, 1, eres.Patched)

	// Replay of the enrichment is a ledger skip.
	_, err = hist.EnrichPayments(ctx, day5, "paiements_05", pays)
	assert.True(t, scd.IsSkip(err))

	chain, err := hist.RequestVersions(ctx, "D002")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "2024-09-02", chain[0].ValidTo.String())
	assert.Equal(t, "2024-09-05", chain[1].ValidTo.String())
	settled := chain[2]
	assert.True(t, settled.IsCurrent)
	assert.True(t, settled.Row.Settled())
	assert.Equal(t, "P001", settled.Row.PaymentRef)
	require.True(t, settled.Row.PaymentDate.Valid)
	assert.Equal(t, "2024-09-05", settled.Row.PaymentDate.Date.String())

	chain, err = hist.RequestVersions(ctx, "D001")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.True(t, chain[1].IsDeleted)
	assert.Equal(t, "E001", chain[1].Row.EmployeeRef)

	pchain, err := hist.PaymentVersions(ctx, "P001")
	require.NoError(t, err)
	require.Len(t, pchain, 1)
	assert.True(t, pchain[0].Row.PaidAmount.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, "2024-09-05", pchain[0].Row.PaymentDate.String())

	runs, err := hist.Runs(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
	for _, run := range runs {
		assert.Equal(t, scd.StatusSuccess, run.Status)
	}
}
