/*
payroll.go - Table specs binding the payroll entities to their history tables

Column order here must match the Args/Dest binding of each spec; the
generic History builds its INSERT and UPDATE statements from it.
*/
package sqlstore

import (
	"github.com/warp/history-engine/payroll"
)

func NewEmployeeHistory(db *DB) *History[payroll.Employee] {
	return NewHistory(db, TableSpec[payroll.Employee]{
		Table: "employee_history",
		Cols:  []string{"ref", "national_id", "last_name", "first_name"},
		Key:   func(e payroll.Employee) string { return e.Ref },
		Args: func(e payroll.Employee) []any {
			return []any{e.Ref, e.NationalID, e.LastName, e.FirstName}
		},
		Dest: func(e *payroll.Employee) []any {
			return []any{&e.Ref, &e.NationalID, &e.LastName, &e.FirstName}
		},
	})
}

func NewRequestHistory(db *DB) *History[payroll.Request] {
	return NewHistory(db, TableSpec[payroll.Request]{
		Table: "advance_request_history",
		Cols: []string{
			"ref", "employee_ref", "requested_amount",
			"paid_amount", "payment_date", "payment_ref",
		},
		Key: func(r payroll.Request) string { return r.Ref },
		Args: func(r payroll.Request) []any {
			return []any{r.Ref, r.EmployeeRef, r.RequestedAmount, r.PaidAmount, r.PaymentDate, r.PaymentRef}
		},
		Dest: func(r *payroll.Request) []any {
			return []any{&r.Ref, &r.EmployeeRef, &r.RequestedAmount, &r.PaidAmount, &r.PaymentDate, &r.PaymentRef}
		},
	})
}

func NewPaymentHistory(db *DB) *History[payroll.Payment] {
	return NewHistory(db, TableSpec[payroll.Payment]{
		Table: "payment_history",
		Cols: []string{
			"ref", "employee_ref", "paid_amount",
			"employee_bank_ref", "payment_date", "request_ref",
		},
		Key: func(p payroll.Payment) string { return p.Ref },
		Args: func(p payroll.Payment) []any {
			return []any{p.Ref, p.EmployeeRef, p.PaidAmount, p.EmployeeBankRef, p.PaymentDate, p.RequestRef}
		},
		Dest: func(p *payroll.Payment) []any {
			return []any{&p.Ref, &p.EmployeeRef, &p.PaidAmount, &p.EmployeeBankRef, &p.PaymentDate, &p.RequestRef}
		},
	})
}

// NewStores wires the full production store set for the Historizer.
func NewStores(db *DB) payroll.Stores {
	return payroll.Stores{
		Ledger:    db,
		Employees: NewEmployeeHistory(db),
		Requests:  NewRequestHistory(db),
		Payments:  NewPaymentHistory(db),
	}
}
