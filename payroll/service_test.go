package payroll_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/history-engine/payroll"
	"github.com/warp/history-engine/scd"
	"github.com/warp/history-engine/scd/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestHistorizer() *payroll.Historizer {
	return payroll.NewHistorizer(payroll.Stores{
		Ledger:    store.NewMemoryLedger(),
		Employees: store.NewMemory[payroll.Employee](),
		Requests:  store.NewMemory[payroll.Request](),
		Payments:  store.NewMemory[payroll.Payment](),
	}, nil)
}

func employees() []payroll.Employee {
	return []payroll.Employee{
		{Ref: "E001", NationalID: "1850996431", LastName: "MARTIN", FirstName: "Claire"},
		{Ref: "E002", NationalID: "1760443812", LastName: "BERNARD", FirstName: "Luc"},
		{Ref: "E003", NationalID: "2890170254", LastName: "PETIT", FirstName: "Sofia"},
	}
}

func requests() []payroll.Request {
	return []payroll.Request{
		{Ref: "D001", EmployeeRef: "E001", RequestedAmount: decimal.NewFromInt(500)},
		{Ref: "D002", EmployeeRef: "E002", RequestedAmount: decimal.NewFromInt(300)},
		{Ref: "D003", EmployeeRef: "E003", RequestedAmount: decimal.NewFromInt(450)},
	}
}

func paymentOfD001(day scd.Date) []payroll.Payment {
	return []payroll.Payment{{
		Ref:             "P001",
		EmployeeRef:     "E001",
		PaidAmount:      decimal.NewFromInt(500),
		EmployeeBankRef: "FR7612345000011234567890188",
		PaymentDate:     day,
		RequestRef:      "D001",
	}}
}

// =============================================================================
// SNAPSHOT APPLICATION
// =============================================================================

func TestHistorizer_ApplyAndReplay(t *testing.T) {
	// GIVEN: An employee extract applied to SUCCESS
	// WHEN: The identical extract is submitted again
	// THEN: The ledger skips it before any history read or write

	hist := newTestHistorizer()
	ctx := context.Background()
	day := scd.MustDate("2024-09-01")

	res, err := hist.ApplyEmployees(ctx, day, "salaries_2024-09-01", employees())
	require.NoError(t, err)
	assert.Equal(t, 3, res.New)

	_, err = hist.ApplyEmployees(ctx, day, "salaries_2024-09-01", employees())
	assert.True(t, scd.IsSkip(err))

	runs, err := hist.Runs(ctx, payroll.DatasetEmployees, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, scd.StatusSuccess, runs[0].Status)
	assert.Equal(t, "new=3 changed=0 deleted=0 unchanged=0 patched=0 issues=0", runs[0].Message)
}

func TestHistorizer_CorrectionsAndDeletion(t *testing.T) {
	// The second extract day: one corrected employee name, one corrected
	// request amount, one request dropped.

	hist := newTestHistorizer()
	ctx := context.Background()
	day1, day2 := scd.MustDate("2024-09-01"), scd.MustDate("2024-09-02")

	_, err := hist.ApplyEmployees(ctx, day1, "salaries_2024-09-01", employees())
	require.NoError(t, err)
	_, err = hist.ApplyRequests(ctx, day1, "demandes_2024-09-01", requests())
	require.NoError(t, err)

	emps := employees()
	emps[0].LastName = "MARTIN_CORR"
	eres, err := hist.ApplyEmployees(ctx, day2, "salaries_2024-09-02", emps)
	require.NoError(t, err)
	assert.Equal(t, 1, eres.Changed)
	assert.Equal(t, 2, eres.Unchanged)

	reqs := requests()[:2]
	reqs[1].RequestedAmount = decimal.NewFromInt(400)
	rres, err := hist.ApplyRequests(ctx, day2, "demandes_2024-09-02", reqs)
	require.NoError(t, err)
	assert.Equal(t, 1, rres.Changed)
	assert.Equal(t, 1, rres.Deleted)

	chain, err := hist.RequestVersions(ctx, "D003")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.True(t, chain[1].IsDeleted)
	assert.Equal(t, "E003", chain[1].Row.EmployeeRef, "tombstone keeps attributes")

	echain, err := hist.EmployeeVersions(ctx, "E001")
	require.NoError(t, err)
	require.Len(t, echain, 2)
	assert.Equal(t, "MARTIN_CORR", echain[1].Row.LastName)
}

// =============================================================================
// ENRICHMENT
// =============================================================================

func TestHistorizer_EnrichPayments(t *testing.T) {
	// GIVEN: Requests historized, a payment settling D001
	// WHEN: Historizing the payment and enriching
	// THEN: D001's open version carries the settlement attributes; prior
	//       versions are untouched

	hist := newTestHistorizer()
	ctx := context.Background()
	day1, day5 := scd.MustDate("2024-09-01"), scd.MustDate("2024-09-05")

	_, err := hist.ApplyRequests(ctx, day1, "demandes", requests())
	require.NoError(t, err)

	pres, err := hist.ApplyPayments(ctx, day5, "paiements", paymentOfD001(day5))
	require.NoError(t, err)
	assert.Equal(t, 1, pres.New)

	eres, err := hist.EnrichPayments(ctx, day5, "paiements", paymentOfD001(day5))
	require.NoError(t, err)
	assert.Equal(t, 1, eres.Patched)
	assert.Empty(t, eres.Issues)

	chain, err := hist.RequestVersions(ctx, "D001")
	require.NoError(t, err)
	require.Len(t, chain, 2)

	before, settled := chain[0], chain[1]
	assert.False(t, before.Row.Settled())
	assert.True(t, settled.IsCurrent)
	assert.True(t, settled.Row.Settled())
	assert.Equal(t, "P001", settled.Row.PaymentRef)
	assert.True(t, settled.Row.PaidAmount.Decimal.Equal(decimal.NewFromInt(500)))
	require.True(t, settled.Row.PaymentDate.Valid)
	assert.Equal(t, "2024-09-05", settled.Row.PaymentDate.Date.String())
	assert.True(t, settled.Row.RequestedAmount.Equal(decimal.NewFromInt(500)), "own attributes preserved")
}

func TestHistorizer_EnrichReplay_Skipped(t *testing.T) {
	// Enrichment runs under its own ledger dataset, so replaying the same
	// payment snapshot is skipped independently of the payment merge.

	hist := newTestHistorizer()
	ctx := context.Background()
	day1, day5 := scd.MustDate("2024-09-01"), scd.MustDate("2024-09-05")

	_, err := hist.ApplyRequests(ctx, day1, "demandes", requests())
	require.NoError(t, err)
	_, err = hist.EnrichPayments(ctx, day5, "paiements", paymentOfD001(day5))
	require.NoError(t, err)

	_, err = hist.EnrichPayments(ctx, day5, "paiements", paymentOfD001(day5))
	assert.True(t, scd.IsSkip(err))

	runs, err := hist.Runs(ctx, payroll.DatasetSettlements, "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestHistorizer_EnrichDanglingPayment_ReportedNotFatal(t *testing.T) {
	hist := newTestHistorizer()
	ctx := context.Background()
	day := scd.MustDate("2024-09-05")

	pay := paymentOfD001(day)
	pay[0].RequestRef = "D999"

	res, err := hist.EnrichPayments(ctx, day, "paiements", pay)

	require.NoError(t, err)
	assert.Equal(t, 0, res.Patched)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "D999", res.Issues[0].Key)
	assert.Equal(t, "P001", res.Issues[0].Ref)

	runs, err := hist.Runs(ctx, payroll.DatasetSettlements, scd.StatusSuccess, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "dangling references do not fail the batch")
}

// =============================================================================
// POST-PAYMENT LIFECYCLE
// =============================================================================

func TestHistorizer_PostPaymentAdjustmentAndResurrection(t *testing.T) {
	// The 09-10 extract: the settled request's amount is adjusted and the
	// request deleted on 09-02 reappears. The adjustment must keep the
	// settlement attributes (they live on the request's current version).

	hist := newTestHistorizer()
	ctx := context.Background()
	day1 := scd.MustDate("2024-09-01")
	day2 := scd.MustDate("2024-09-02")
	day5 := scd.MustDate("2024-09-05")
	day10 := scd.MustDate("2024-09-10")

	_, err := hist.ApplyRequests(ctx, day1, "demandes_01", requests())
	require.NoError(t, err)
	_, err = hist.ApplyRequests(ctx, day2, "demandes_02", requests()[:2])
	require.NoError(t, err)
	_, err = hist.EnrichPayments(ctx, day5, "paiements_05", paymentOfD001(day5))
	require.NoError(t, err)

	// 09-10: D001 +350, D003 back. The extract does not carry settlement
	// columns, so D001's new version digests differently from its enriched
	// current one and supersedes it.
	reqs := requests()
	reqs[0].RequestedAmount = decimal.NewFromInt(850)
	res, err := hist.ApplyRequests(ctx, day10, "demandes_10", reqs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 1, res.New, "D003 resurrected")

	chain, err := hist.RequestVersions(ctx, "D001")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.True(t, chain[1].Row.Settled(), "settled version preserved in history")
	current := chain[2]
	assert.True(t, current.IsCurrent)
	assert.True(t, current.Row.RequestedAmount.Equal(decimal.NewFromInt(850)))

	chain, err = hist.RequestVersions(ctx, "D003")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.True(t, chain[1].IsDeleted)
	assert.False(t, chain[2].IsDeleted)
}

// =============================================================================
// ENTITY DIGESTS
// =============================================================================

func TestRequestEntity_SettlementChangesDigest(t *testing.T) {
	bare := payroll.Request{Ref: "D001", EmployeeRef: "E001", RequestedAmount: decimal.NewFromInt(500)}
	settled := bare
	settled.PaidAmount = decimal.NewNullDecimal(decimal.NewFromInt(500))
	settled.PaymentDate = scd.SomeDate(scd.MustDate("2024-09-05"))
	settled.PaymentRef = "P001"

	assert.NotEqual(t,
		payroll.RequestEntity.Digest(bare, false),
		payroll.RequestEntity.Digest(settled, false))
}

func TestSettlementPatches_BuildsOnePatchPerPayment(t *testing.T) {
	pays := paymentOfD001(scd.MustDate("2024-09-05"))
	patches := payroll.SettlementPatches(pays)

	require.Len(t, patches, 1)
	assert.Equal(t, "D001", patches[0].Key)
	assert.Equal(t, "P001", patches[0].Ref)

	enriched := patches[0].Apply(payroll.Request{Ref: "D001", RequestedAmount: decimal.NewFromInt(500)})
	assert.Equal(t, "P001", enriched.PaymentRef)
	assert.True(t, enriched.PaidAmount.Valid)
	assert.True(t, enriched.PaymentDate.Valid)
}
