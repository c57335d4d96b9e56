/*
enrich.go - Payment -> request settlement enrichment

PURPOSE:
  A payment event retroactively annotates the request it settles. Instead of
  re-joining request and payment views at read time, the enrichment writes
  the settlement attributes onto the request's history: the currently open
  request version is closed at the payment batch's as-of date and a new
  current version opens carrying the original request attributes plus
  paid_amount, payment_date and payment_ref.

PROPERTIES:
  - The request's own natural-key lifecycle is untouched: prior validity
    intervals stay as they are, only the current row is replaced.
  - Idempotent: an already-settled request digests identically, so replaying
    the payment snapshot is a no-op.
  - A payment referencing a request with no open version (unknown ref, or a
    tombstoned request) is a dangling reference - reported per row, the rest
    of the snapshot continues.

SEE ALSO:
  - scd/merge.go: PatchCurrent, the generic patch operation used here
  - service.go: EnrichPayments, the ledger-gated entry point
*/
package payroll

import (
	"github.com/shopspring/decimal"

	"github.com/warp/history-engine/scd"
)

// SettlementPatches turns a payment snapshot into patches against the
// request history. One patch per payment row, keyed by the referenced
// request.
func SettlementPatches(payments []Payment) []scd.Patch[Request] {
	patches := make([]scd.Patch[Request], 0, len(payments))
	for _, p := range payments {
		p := p
		patches = append(patches, scd.Patch[Request]{
			Key: p.RequestRef,
			Ref: p.Ref,
			Apply: func(r Request) Request {
				r.PaidAmount = decimal.NewNullDecimal(p.PaidAmount)
				r.PaymentDate = scd.SomeDate(p.PaymentDate)
				r.PaymentRef = p.Ref
				return r
			},
		})
	}
	return patches
}
