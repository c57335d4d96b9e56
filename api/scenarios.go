/*
scenarios.go - Demo scenario replays for testing and demonstrations

PURPOSE:
  Replays pre-built extract sequences through the Historizer so a fresh
  database shows every SCD2 behavior: corrections, soft deletions,
  settlement enrichment, post-payment adjustments and resurrections.

AVAILABLE SCENARIOS:
  advance-lifecycle: Four extract days covering the full salary-advance
                     flow, from the initial load to post-payment fixes.
  idempotent-replay: The same extract applied twice; the second batch is
                     skipped by the ledger.

NOTE:
  Scenarios do not reset the database. Replaying one on a database that
  already processed its extracts is a ledger skip, not an error.

SEE ALSO:
  - server.go: Scenario routes
  - payroll/service.go: The Historizer operations driven here
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/history-engine/payroll"
	"github.com/warp/history-engine/scd"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "advance-lifecycle",
		Name:        "Salary Advance Lifecycle",
		Description: "Initial load, corrections and a deletion, payment with settlement enrichment, post-payment adjustments and a resurrection",
	},
	{
		ID:          "idempotent-replay",
		Name:        "Idempotent Replay",
		Description: "The same employee extract applied twice; the second run is skipped",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario replays a scenario's extracts.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "advance-lifecycle":
		err = loadLifecycleScenario(r.Context(), h.Historizer)
	case "idempotent-replay":
		err = loadReplayScenario(r.Context(), h.Historizer)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func lifecycleEmployees() []payroll.Employee {
	return []payroll.Employee{
		{Ref: "E001", NationalID: "1850996431", LastName: "MARTIN", FirstName: "Claire"},
		{Ref: "E002", NationalID: "1760443812", LastName: "BERNARD", FirstName: "Luc"},
		{Ref: "E003", NationalID: "2890170254", LastName: "PETIT", FirstName: "Sofia"},
	}
}

func lifecycleRequests() []payroll.Request {
	return []payroll.Request{
		{Ref: "D001", EmployeeRef: "E001", RequestedAmount: decimal.NewFromInt(500)},
		{Ref: "D002", EmployeeRef: "E002", RequestedAmount: decimal.NewFromInt(300)},
		{Ref: "D003", EmployeeRef: "E003", RequestedAmount: decimal.NewFromInt(450)},
	}
}

// loadLifecycleScenario replays four extract days:
//
//	09-01  initial load of employees and requests
//	09-02  E001's last name corrected, D002's amount +100, D003 dropped
//	09-05  payment of D001, with settlement enrichment
//	09-10  D001's amount adjusted post-payment, D003 reappears,
//	       E002's last name corrected, E001's bank details unchanged here
//	       (payments are immutable events, no new payment extract)
func loadLifecycleScenario(ctx context.Context, hist *payroll.Historizer) error {
	day1 := scd.MustDate("2024-09-01")
	day2 := scd.MustDate("2024-09-02")
	day5 := scd.MustDate("2024-09-05")
	day10 := scd.MustDate("2024-09-10")

	steps := []func() error{
		func() error {
			return apply(hist.ApplyEmployees(ctx, day1, "scenario/salaries_2024-09-01", lifecycleEmployees()))
		},
		func() error {
			return apply(hist.ApplyRequests(ctx, day1, "scenario/demandes_2024-09-01", lifecycleRequests()))
		},
		func() error {
			emps := lifecycleEmployees()
			emps[0].LastName = "MARTIN_CORR"
			return apply(hist.ApplyEmployees(ctx, day2, "scenario/salaries_2024-09-02", emps))
		},
		func() error {
			reqs := lifecycleRequests()
			reqs[1].RequestedAmount = decimal.NewFromInt(400)
			return apply(hist.ApplyRequests(ctx, day2, "scenario/demandes_2024-09-02", reqs[:2]))
		},
		func() error {
			pays := []payroll.Payment{{
				Ref:             "P001",
				EmployeeRef:     "E001",
				PaidAmount:      decimal.NewFromInt(500),
				EmployeeBankRef: "FR7612345000011234567890188",
				PaymentDate:     day5,
				RequestRef:      "D001",
			}}
			if err := apply(hist.ApplyPayments(ctx, day5, "scenario/paiements_2024-09-05", pays)); err != nil {
				return err
			}
			return apply(hist.EnrichPayments(ctx, day5, "scenario/paiements_2024-09-05", pays))
		},
		func() error {
			emps := lifecycleEmployees()
			emps[0].LastName = "MARTIN_CORR"
			emps[1].LastName = "BERNARD_POSTPAY"
			return apply(hist.ApplyEmployees(ctx, day10, "scenario/salaries_2024-09-10", emps))
		},
		func() error {
			reqs := lifecycleRequests()
			reqs[0].RequestedAmount = decimal.NewFromInt(850) // +350 after payment
			reqs[1].RequestedAmount = decimal.NewFromInt(400)
			return apply(hist.ApplyRequests(ctx, day10, "scenario/demandes_2024-09-10", reqs))
		},
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func loadReplayScenario(ctx context.Context, hist *payroll.Historizer) error {
	day := scd.MustDate("2024-09-01")
	emps := []payroll.Employee{
		{Ref: "R001", NationalID: "1991034567", LastName: "DUPONT", FirstName: "Anne"},
	}

	if err := apply(hist.ApplyEmployees(ctx, day, "scenario/replay", emps)); err != nil {
		return err
	}
	// Second pass: identical extract, the ledger must skip it.
	return apply(hist.ApplyEmployees(ctx, day, "scenario/replay", emps))
}

// apply swallows ledger skips so scenarios stay re-runnable.
func apply(_ *scd.MergeResult, err error) error {
	if scd.IsSkip(err) {
		return nil
	}
	return err
}
