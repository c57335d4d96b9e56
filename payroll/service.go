/*
service.go - The Historizer: ledger-gated snapshot application

PURPOSE:
  One entry point per entity for the caller (API, CLI, or an external
  orchestrator): take an already-normalized snapshot, register the batch,
  merge, and complete the batch. The Historizer owns the sequencing

    Ledger.Begin -> Merger.Apply / PatchCurrent -> Ledger.Complete

  and nothing else: sourcing snapshots and retrying failed runs stay with
  the caller.

CONTRACT:
  - A skipped batch (identical extract already processed) surfaces as
    scd.ErrDuplicateBatch; callers check scd.IsSkip and do nothing.
  - On merge failure the batch is completed FAILED with the error message
    and the merge error is returned; history writes were already rolled
    back by the merger's transaction.
  - On success the batch is completed SUCCESS with the merge summary as its
    audit message.

SEE ALSO:
  - scd/ledger.go: Begin/Complete semantics
  - api/handlers.go: The HTTP surface over these operations
*/
package payroll

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/history-engine/scd"
)

// =============================================================================
// HISTORIZER
// =============================================================================

// Stores groups the persistence dependencies of one Historizer.
type Stores struct {
	Ledger    scd.LedgerStore
	Employees scd.TxHistoryStore[Employee]
	Requests  scd.TxHistoryStore[Request]
	Payments  scd.TxHistoryStore[Payment]
}

type Historizer struct {
	ledger    *scd.Ledger
	employees *scd.Merger[Employee]
	requests  *scd.Merger[Request]
	payments  *scd.Merger[Payment]
	stores    Stores
	log       *zap.SugaredLogger
}

func NewHistorizer(stores Stores, logger *zap.Logger) *Historizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Historizer{
		ledger:    scd.NewLedger(stores.Ledger),
		employees: scd.NewMerger(EmployeeEntity, stores.Employees),
		requests:  scd.NewMerger(RequestEntity, stores.Requests),
		payments:  scd.NewMerger(PaymentEntity, stores.Payments),
		stores:    stores,
		log:       logger.Sugar(),
	}
}

// =============================================================================
// APPLY OPERATIONS - One per entity
// =============================================================================

func (h *Historizer) ApplyEmployees(ctx context.Context, asOf scd.Date, source string, rows []Employee) (*scd.MergeResult, error) {
	return applySnapshot(ctx, h, h.employees, EmployeeEntity, asOf, source, rows)
}

func (h *Historizer) ApplyRequests(ctx context.Context, asOf scd.Date, source string, rows []Request) (*scd.MergeResult, error) {
	return applySnapshot(ctx, h, h.requests, RequestEntity, asOf, source, rows)
}

func (h *Historizer) ApplyPayments(ctx context.Context, asOf scd.Date, source string, rows []Payment) (*scd.MergeResult, error) {
	return applySnapshot(ctx, h, h.payments, PaymentEntity, asOf, source, rows)
}

// EnrichPayments patches open request versions with settlement attributes
// from a payment snapshot. Runs under its own ledger dataset so enrichment
// replays are skipped independently of the payment historization itself.
// Must run after the request merge for the same or earlier as-of date has
// committed.
func (h *Historizer) EnrichPayments(ctx context.Context, asOf scd.Date, source string, payments []Payment) (*scd.MergeResult, error) {
	digests := make([]string, len(payments))
	for i, p := range payments {
		digests[i] = PaymentEntity.Digest(p, false)
	}

	run, err := h.ledger.Begin(ctx, DatasetSettlements, asOf, source, scd.SnapshotChecksum(digests))
	if err != nil {
		return nil, h.beginFailed(DatasetSettlements, asOf, err)
	}

	res, err := h.requests.PatchCurrent(ctx, asOf, SettlementPatches(payments), *run)
	return h.finish(ctx, run, res, err)
}

// =============================================================================
// READ SURFACE - Audit and reporting
// =============================================================================

func (h *Historizer) Runs(ctx context.Context, dataset string, status scd.BatchStatus, limit int) ([]scd.BatchRun, error) {
	return h.ledger.Runs(ctx, dataset, status, limit)
}

func (h *Historizer) EmployeeVersions(ctx context.Context, ref string) ([]scd.Version[Employee], error) {
	return h.stores.Employees.Versions(ctx, ref)
}

func (h *Historizer) RequestVersions(ctx context.Context, ref string) ([]scd.Version[Request], error) {
	return h.stores.Requests.Versions(ctx, ref)
}

func (h *Historizer) PaymentVersions(ctx context.Context, ref string) ([]scd.Version[Payment], error) {
	return h.stores.Payments.Versions(ctx, ref)
}

// =============================================================================
// INTERNALS
// =============================================================================

// applySnapshot is package-level because methods cannot carry type
// parameters.
func applySnapshot[R any](ctx context.Context, h *Historizer, m *scd.Merger[R], entity scd.Entity[R], asOf scd.Date, source string, rows []R) (*scd.MergeResult, error) {
	digests := make([]string, len(rows))
	for i, r := range rows {
		digests[i] = entity.Digest(r, false)
	}

	run, err := h.ledger.Begin(ctx, entity.Dataset, asOf, source, scd.SnapshotChecksum(digests))
	if err != nil {
		return nil, h.beginFailed(entity.Dataset, asOf, err)
	}

	res, err := m.Apply(ctx, asOf, rows, *run)
	return h.finish(ctx, run, res, err)
}

func (h *Historizer) beginFailed(dataset string, asOf scd.Date, err error) error {
	if scd.IsSkip(err) {
		h.log.Infow("batch skipped", "dataset", dataset, "as_of", asOf.String())
	} else {
		h.log.Warnw("batch rejected", "dataset", dataset, "as_of", asOf.String(), "error", err)
	}
	return err
}

func (h *Historizer) finish(ctx context.Context, run *scd.BatchRun, res *scd.MergeResult, mergeErr error) (*scd.MergeResult, error) {
	if mergeErr != nil {
		if cerr := h.ledger.Complete(ctx, run, scd.StatusFailed, mergeErr.Error()); cerr != nil {
			h.log.Errorw("failed to mark batch FAILED", "batch", run.ID, "error", cerr)
		}
		h.log.Errorw("merge failed",
			"dataset", run.Dataset, "as_of", run.AsOf.String(), "batch", run.ID, "error", mergeErr)
		return nil, mergeErr
	}

	if err := h.ledger.Complete(ctx, run, scd.StatusSuccess, res.Summary()); err != nil {
		return nil, err
	}
	h.log.Infow("snapshot applied",
		"dataset", run.Dataset,
		"as_of", run.AsOf.String(),
		"batch", run.ID,
		"writes", res.Writes(),
		"unchanged", res.Unchanged,
		"issues", len(res.Issues),
	)
	return res, nil
}
