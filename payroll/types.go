/*
Package payroll binds the generic SCD2 engine to the three salary-advance
entities delivered by the ERP extracts.

PURPOSE:
  Defines the business row shapes (employee, advance request, payment),
  their natural keys and digest field sets, and the Historizer service that
  sequences ledger gating, merging and enrichment per snapshot.

ENTITIES:
  Employee: ref, national_id, last_name, first_name
  Request:  ref, employee_ref, requested_amount
            + settlement columns filled by enrichment:
              paid_amount, payment_date, payment_ref
  Payment:  ref, employee_ref, paid_amount, employee_bank_ref,
            payment_date, request_ref

HASHING:
  Digests cover business attributes and the deleted flag only. The deleted
  flag is part of the digest so a tombstone hashes differently from a live
  version with identical attributes - which is what makes a resurrection
  after deletion detectable as a change.

SEE ALSO:
  - scd: The generic engine these entities parameterize
  - enrich.go: Payment -> request settlement patches
  - service.go: The Historizer
*/
package payroll

import (
	"github.com/shopspring/decimal"

	"github.com/warp/history-engine/scd"
)

// Dataset names used in the batch ledger. These match the extract names the
// ingestion layer registers, so a gold merge can be traced back to its file.
const (
	DatasetEmployees   = "employee"
	DatasetRequests    = "advance_request"
	DatasetPayments    = "payment"
	DatasetSettlements = "advance_request_settlement"
)

// =============================================================================
// EMPLOYEE
// =============================================================================

type Employee struct {
	Ref        string `json:"ref"`
	NationalID string `json:"national_id"`
	LastName   string `json:"last_name"`
	FirstName  string `json:"first_name"`
}

var EmployeeEntity = scd.Entity[Employee]{
	Dataset: DatasetEmployees,
	Key:     func(e Employee) string { return e.Ref },
	Digest: func(e Employee, deleted bool) string {
		return scd.Digest(
			scd.String("national_id", e.NationalID),
			scd.String("last_name", e.LastName),
			scd.String("first_name", e.FirstName),
			scd.Bool("deleted", deleted),
		)
	},
}

// =============================================================================
// ADVANCE REQUEST
// =============================================================================

// Request is a salary-advance request. The settlement columns stay NULL
// until a payment snapshot enriches the request (see enrich.go); the
// request's own extracts never carry them.
type Request struct {
	Ref             string              `json:"ref"`
	EmployeeRef     string              `json:"employee_ref"`
	RequestedAmount decimal.Decimal     `json:"requested_amount"`
	PaidAmount      decimal.NullDecimal `json:"paid_amount"`
	PaymentDate     scd.NullDate        `json:"payment_date"`
	PaymentRef      string              `json:"payment_ref,omitempty"`
}

// Settled reports whether the request carries payment attributes.
func (r Request) Settled() bool { return r.PaymentRef != "" }

var RequestEntity = scd.Entity[Request]{
	Dataset: DatasetRequests,
	Key:     func(r Request) string { return r.Ref },
	Digest: func(r Request, deleted bool) string {
		return scd.Digest(
			scd.String("employee_ref", r.EmployeeRef),
			scd.Money("requested_amount", r.RequestedAmount),
			scd.NullMoney("paid_amount", r.PaidAmount),
			scd.NullDay("payment_date", r.PaymentDate),
			scd.String("payment_ref", r.PaymentRef),
			scd.Bool("deleted", deleted),
		)
	},
}

// =============================================================================
// PAYMENT
// =============================================================================

type Payment struct {
	Ref             string          `json:"ref"`
	EmployeeRef     string          `json:"employee_ref"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	EmployeeBankRef string          `json:"employee_bank_ref"`
	PaymentDate     scd.Date        `json:"payment_date"`
	RequestRef      string          `json:"request_ref"`
}

var PaymentEntity = scd.Entity[Payment]{
	Dataset: DatasetPayments,
	Key:     func(p Payment) string { return p.Ref },
	Digest: func(p Payment, deleted bool) string {
		return scd.Digest(
			scd.String("employee_ref", p.EmployeeRef),
			scd.Money("paid_amount", p.PaidAmount),
			scd.String("employee_bank_ref", p.EmployeeBankRef),
			scd.Day("payment_date", p.PaymentDate),
			scd.String("request_ref", p.RequestRef),
			scd.Bool("deleted", deleted),
		)
	},
}
