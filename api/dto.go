/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  Wire shapes for the JSON API, kept separate from the domain types so the
  payload layout can evolve without touching the engine. Dates travel as
  "YYYY-MM-DD" strings, amounts as JSON numbers (decimal keeps them exact
  on the way in).

SEE ALSO:
  - handlers.go: Parsing and serialization of these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/history-engine/payroll"
	"github.com/warp/history-engine/scd"
)

// =============================================================================
// SNAPSHOT PAYLOADS
// =============================================================================

// EmployeeRowDTO is one employee row of an extract.
type EmployeeRowDTO struct {
	Ref        string `json:"ref"`
	NationalID string `json:"national_id"`
	LastName   string `json:"last_name"`
	FirstName  string `json:"first_name"`
}

// RequestRowDTO is one advance-request row of an extract. Settlement fields
// are never part of a request extract; they only appear on read.
type RequestRowDTO struct {
	Ref             string          `json:"ref"`
	EmployeeRef     string          `json:"employee_ref"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
}

// PaymentRowDTO is one payment row of an extract.
type PaymentRowDTO struct {
	Ref             string          `json:"ref"`
	EmployeeRef     string          `json:"employee_ref"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	EmployeeBankRef string          `json:"employee_bank_ref"`
	PaymentDate     scd.Date        `json:"payment_date"`
	RequestRef      string          `json:"request_ref"`
}

type EmployeeSnapshotRequest struct {
	AsOf   scd.Date         `json:"as_of"`
	Source string           `json:"source,omitempty"`
	Rows   []EmployeeRowDTO `json:"rows"`
}

type RequestSnapshotRequest struct {
	AsOf   scd.Date        `json:"as_of"`
	Source string          `json:"source,omitempty"`
	Rows   []RequestRowDTO `json:"rows"`
}

type PaymentSnapshotRequest struct {
	AsOf   scd.Date        `json:"as_of"`
	Source string          `json:"source,omitempty"`
	Rows   []PaymentRowDTO `json:"rows"`
	// Enrich additionally patches the referenced requests with the
	// settlement attributes, in a second ledger-gated pass.
	Enrich bool `json:"enrich,omitempty"`
}

// =============================================================================
// RESULTS
// =============================================================================

// MergeResultDTO reports one applied (or skipped) snapshot.
type MergeResultDTO struct {
	Status    string        `json:"status"` // applied | skipped
	Dataset   string        `json:"dataset"`
	AsOf      string        `json:"as_of"`
	BatchID   int64         `json:"batch_id,omitempty"`
	New       int           `json:"new"`
	Changed   int           `json:"changed"`
	Deleted   int           `json:"deleted"`
	Unchanged int           `json:"unchanged"`
	Patched   int           `json:"patched"`
	Issues    []RowIssueDTO `json:"issues,omitempty"`
}

type RowIssueDTO struct {
	Key    string `json:"key"`
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// PaymentApplyResponse bundles the payment merge with its optional
// enrichment pass.
type PaymentApplyResponse struct {
	Payments   MergeResultDTO  `json:"payments"`
	Enrichment *MergeResultDTO `json:"enrichment,omitempty"`
}

// =============================================================================
// READ SURFACE
// =============================================================================

// BatchRunDTO is one ledger row.
type BatchRunDTO struct {
	BatchID    int64  `json:"batch_id"`
	Dataset    string `json:"dataset"`
	AsOf       string `json:"as_of"`
	SourceName string `json:"source_name,omitempty"`
	Checksum   string `json:"source_checksum"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// VersionDTO is one history row: the business attributes plus the SCD2
// trailer. Row is entity-specific.
type VersionDTO struct {
	Row        any    `json:"row"`
	ValidFrom  string `json:"valid_from"`
	ValidTo    string `json:"valid_to"`
	IsCurrent  bool   `json:"is_current"`
	IsDeleted  bool   `json:"is_deleted"`
	RecordHash string `json:"record_hash"`
	BatchID    int64  `json:"batch_id"`
	IngestedAt string `json:"ingested_at"`
}

// RequestViewDTO is the read shape of a request version, including the
// settlement columns filled by enrichment.
type RequestViewDTO struct {
	Ref             string              `json:"ref"`
	EmployeeRef     string              `json:"employee_ref"`
	RequestedAmount decimal.Decimal     `json:"requested_amount"`
	PaidAmount      decimal.NullDecimal `json:"paid_amount"`
	PaymentDate     scd.NullDate        `json:"payment_date"`
	PaymentRef      string              `json:"payment_ref,omitempty"`
	Settled         bool                `json:"settled"`
}

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (d EmployeeRowDTO) toRow() payroll.Employee {
	return payroll.Employee{
		Ref:        d.Ref,
		NationalID: d.NationalID,
		LastName:   d.LastName,
		FirstName:  d.FirstName,
	}
}

func (d RequestRowDTO) toRow() payroll.Request {
	return payroll.Request{
		Ref:             d.Ref,
		EmployeeRef:     d.EmployeeRef,
		RequestedAmount: d.RequestedAmount,
	}
}

func (d PaymentRowDTO) toRow() payroll.Payment {
	return payroll.Payment{
		Ref:             d.Ref,
		EmployeeRef:     d.EmployeeRef,
		PaidAmount:      d.PaidAmount,
		EmployeeBankRef: d.EmployeeBankRef,
		PaymentDate:     d.PaymentDate,
		RequestRef:      d.RequestRef,
	}
}

func toRequestView(r payroll.Request) RequestViewDTO {
	return RequestViewDTO{
		Ref:             r.Ref,
		EmployeeRef:     r.EmployeeRef,
		RequestedAmount: r.RequestedAmount,
		PaidAmount:      r.PaidAmount,
		PaymentDate:     r.PaymentDate,
		PaymentRef:      r.PaymentRef,
		Settled:         r.Settled(),
	}
}
