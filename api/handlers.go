/*
handlers.go - HTTP API handlers for the historization service

PURPOSE:
  Exposes the historization engine via REST. Handles HTTP request/response,
  JSON serialization, and delegates to the Historizer.

ENDPOINTS:
  Snapshots:
    POST   /api/snapshots/employees   Apply an employee extract
    POST   /api/snapshots/requests    Apply an advance-request extract
    POST   /api/snapshots/payments    Apply a payment extract
                                      (enrich=true also settles requests)
  Enrichment:
    POST   /api/enrichments/payments  Settle requests from a payment snapshot

  Audit:
    GET    /api/batches               Ledger history (dataset/status filters)
    GET    /api/history/employees/{ref}
    GET    /api/history/requests/{ref}
    GET    /api/history/payments/{ref}

  Scenarios:
    GET    /api/scenarios             List demo scenarios
    POST   /api/scenarios/load        Replay a demo scenario

ERROR HANDLING:
  - A duplicate extract is not an error: the apply endpoints answer 200 with
    status "skipped" and zero counters.
  - 409: a STARTED run for the same extract exists, or an optimistic check
    lost against a concurrent writer. Both are retryable.
  - 400: malformed payload. 404: unknown history key. 500: everything else.
  Dangling enrichment references are per-row issues inside a 200 response,
  never a failure of the whole batch.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario replays
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/history-engine/payroll"
	"github.com/warp/history-engine/scd"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Historizer *payroll.Historizer
}

func NewHandler(h *payroll.Historizer) *Handler {
	return &Handler{Historizer: h}
}

// =============================================================================
// SNAPSHOT HANDLERS
// =============================================================================

// ApplyEmployees applies an employee extract.
func (h *Handler) ApplyEmployees(w http.ResponseWriter, r *http.Request) {
	var req EmployeeSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AsOf.IsZero() {
		writeError(w, http.StatusBadRequest, "as_of is required", nil)
		return
	}

	rows := make([]payroll.Employee, len(req.Rows))
	for i, d := range req.Rows {
		rows[i] = d.toRow()
	}

	res, err := h.Historizer.ApplyEmployees(r.Context(), req.AsOf, sourceName(req.Source), rows)
	h.writeMergeOutcome(w, payroll.DatasetEmployees, req.AsOf, res, err)
}

// ApplyRequests applies an advance-request extract.
func (h *Handler) ApplyRequests(w http.ResponseWriter, r *http.Request) {
	var req RequestSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AsOf.IsZero() {
		writeError(w, http.StatusBadRequest, "as_of is required", nil)
		return
	}

	rows := make([]payroll.Request, len(req.Rows))
	for i, d := range req.Rows {
		rows[i] = d.toRow()
	}

	res, err := h.Historizer.ApplyRequests(r.Context(), req.AsOf, sourceName(req.Source), rows)
	h.writeMergeOutcome(w, payroll.DatasetRequests, req.AsOf, res, err)
}

// ApplyPayments applies a payment extract, optionally followed by the
// settlement enrichment of the referenced requests.
func (h *Handler) ApplyPayments(w http.ResponseWriter, r *http.Request) {
	var req PaymentSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AsOf.IsZero() {
		writeError(w, http.StatusBadRequest, "as_of is required", nil)
		return
	}

	rows := make([]payroll.Payment, len(req.Rows))
	for i, d := range req.Rows {
		rows[i] = d.toRow()
	}
	source := sourceName(req.Source)

	res, err := h.Historizer.ApplyPayments(r.Context(), req.AsOf, source, rows)
	if err != nil && !scd.IsSkip(err) {
		writeMergeError(w, err)
		return
	}
	out := PaymentApplyResponse{Payments: toMergeResultDTO(payroll.DatasetPayments, req.AsOf, res, err)}

	if req.Enrich {
		eres, eerr := h.Historizer.EnrichPayments(r.Context(), req.AsOf, source, rows)
		if eerr != nil && !scd.IsSkip(eerr) {
			writeMergeError(w, eerr)
			return
		}
		dto := toMergeResultDTO(payroll.DatasetSettlements, req.AsOf, eres, eerr)
		out.Enrichment = &dto
	}

	writeJSON(w, http.StatusOK, out)
}

// EnrichPayments settles requests from a payment snapshot without
// historizing the payments themselves.
func (h *Handler) EnrichPayments(w http.ResponseWriter, r *http.Request) {
	var req PaymentSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AsOf.IsZero() {
		writeError(w, http.StatusBadRequest, "as_of is required", nil)
		return
	}

	rows := make([]payroll.Payment, len(req.Rows))
	for i, d := range req.Rows {
		rows[i] = d.toRow()
	}

	res, err := h.Historizer.EnrichPayments(r.Context(), req.AsOf, sourceName(req.Source), rows)
	h.writeMergeOutcome(w, payroll.DatasetSettlements, req.AsOf, res, err)
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListBatches returns ledger rows, newest first.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")
	status := scd.BatchStatus(r.URL.Query().Get("status"))
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Historizer.Runs(r.Context(), dataset, status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toBatchRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// EmployeeHistory returns the full version chain for one employee.
func (h *Handler) EmployeeHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Historizer.EmployeeVersions(r.Context(), chi.URLParam(r, "ref"))
	writeChain(w, versions, err, func(e payroll.Employee) any { return e })
}

// RequestHistory returns the full version chain for one advance request,
// settlement columns included.
func (h *Handler) RequestHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Historizer.RequestVersions(r.Context(), chi.URLParam(r, "ref"))
	writeChain(w, versions, err, func(req payroll.Request) any { return toRequestView(req) })
}

// PaymentHistory returns the full version chain for one payment.
func (h *Handler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Historizer.PaymentVersions(r.Context(), chi.URLParam(r, "ref"))
	writeChain(w, versions, err, func(p payroll.Payment) any { return p })
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// sourceName labels ad-hoc API submissions so ledger rows stay traceable
// even when the caller does not name the extract.
func sourceName(source string) string {
	if source != "" {
		return source
	}
	return "api-" + uuid.NewString()
}

func (h *Handler) writeMergeOutcome(w http.ResponseWriter, dataset string, asOf scd.Date, res *scd.MergeResult, err error) {
	if err != nil && !scd.IsSkip(err) {
		writeMergeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMergeResultDTO(dataset, asOf, res, err))
}

func writeMergeError(w http.ResponseWriter, err error) {
	if scd.IsRetryable(err) {
		writeError(w, http.StatusConflict, "Batch conflicts with a concurrent run", err)
		return
	}
	writeError(w, http.StatusInternalServerError, "Failed to apply snapshot", err)
}

func toMergeResultDTO(dataset string, asOf scd.Date, res *scd.MergeResult, err error) MergeResultDTO {
	if scd.IsSkip(err) {
		return MergeResultDTO{Status: "skipped", Dataset: dataset, AsOf: asOf.String()}
	}
	dto := MergeResultDTO{
		Status:    "applied",
		Dataset:   res.Dataset,
		AsOf:      res.AsOf.String(),
		BatchID:   int64(res.Batch),
		New:       res.New,
		Changed:   res.Changed,
		Deleted:   res.Deleted,
		Unchanged: res.Unchanged,
		Patched:   res.Patched,
	}
	for _, issue := range res.Issues {
		dto.Issues = append(dto.Issues, RowIssueDTO{Key: issue.Key, Ref: issue.Ref, Reason: issue.Reason})
	}
	return dto
}

func toBatchRunDTO(run scd.BatchRun) BatchRunDTO {
	dto := BatchRunDTO{
		BatchID:    int64(run.ID),
		Dataset:    run.Dataset,
		AsOf:       run.AsOf.String(),
		SourceName: run.SourceName,
		Checksum:   run.Checksum,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
		Status:     string(run.Status),
		Message:    run.Message,
	}
	if run.FinishedAt != nil {
		dto.FinishedAt = run.FinishedAt.Format(time.RFC3339)
	}
	return dto
}

func writeChain[R any](w http.ResponseWriter, versions []scd.Version[R], err error, view func(R) any) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history", err)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "No history for this key", nil)
		return
	}

	dtos := make([]VersionDTO, len(versions))
	for i, v := range versions {
		dtos[i] = VersionDTO{
			Row:        view(v.Row),
			ValidFrom:  v.ValidFrom.String(),
			ValidTo:    v.ValidTo.String(),
			IsCurrent:  v.IsCurrent,
			IsDeleted:  v.IsDeleted,
			RecordHash: v.RecordHash,
			BatchID:    int64(v.BatchID),
			IngestedAt: v.IngestedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
