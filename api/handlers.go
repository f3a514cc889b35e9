/*
handlers.go - HTTP API handlers for the receipt ledger

PURPOSE:
  Exposes the ReceiptLedger via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to the billing package.

ENDPOINTS:
  Receipts:
    GET    /api/receipts                List all receipts
    POST   /api/receipts                Submit a receipt
    GET    /api/receipts/export.xlsx    Receipt register spreadsheet
    GET    /api/receipts/{id}           Get receipt
    PUT    /api/receipts/{id}           Correct an uninvoiced receipt
    DELETE /api/receipts/{id}           Remove an uninvoiced receipt

  Invoices:
    GET    /api/invoices/{id}           Get invoice with its receipt numbers

  Admissions:
    GET    /api/admissions/{no}/invoices      Invoice numbers reachable from the admission
    GET    /api/admissions/{no}/course-fee    Contracted course fee
    GET    /api/admissions/{no}/payment-info  Balance (contracted, paid, payable)

  Audit:
    GET    /api/audit/registrations     Run one duplicate-registration scan

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Reset and seed a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Receipt, invoice or admission not found
  - 409: Change to a receipt that already belongs to an invoice
  - 503: Storage unavailable, or concurrency conflict after all retries
  - 500: Anything else

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo catalog loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/receipt-ledger/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// CatalogSeeder writes catalog records for demo scenarios.
type CatalogSeeder interface {
	SaveCourse(ctx context.Context, c billing.Course) error
	SaveBatch(ctx context.Context, b billing.Batch) error
	SaveAdmission(ctx context.Context, a billing.Admission) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *billing.ReceiptLedger
	Catalog CatalogSeeder
	Auditor *billing.DuplicateAuditor // nil disables /api/audit

	logger *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(ledger *billing.ReceiptLedger, catalog CatalogSeeder, auditor *billing.DuplicateAuditor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Ledger:  ledger,
		Catalog: catalog,
		Auditor: auditor,
		logger:  logger,
	}
}

// =============================================================================
// RECEIPT HANDLERS
// =============================================================================

// ListReceipts returns all receipts.
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.Ledger.ListReceipts(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list receipts", err)
		return
	}

	dtos := make([]ReceiptDTO, len(receipts))
	for i, rc := range receipts {
		dtos[i] = toReceiptDTO(rc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitReceipt accepts a new receipt.
func (h *Handler) SubmitReceipt(w http.ResponseWriter, r *http.Request) {
	var req SubmitReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Category == "" {
		writeError(w, http.StatusBadRequest, "category is required", nil)
		return
	}

	receipt, err := h.Ledger.SubmitReceipt(r.Context(), req.draft())
	if err != nil {
		h.writeDomainError(w, "Receipt rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(*receipt))
}

// GetReceipt returns a single receipt.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.Ledger.GetReceipt(r.Context(), billing.ReceiptID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Receipt not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(*receipt))
}

// UpdateReceipt corrects an uninvoiced receipt.
func (h *Handler) UpdateReceipt(w http.ResponseWriter, r *http.Request) {
	var req UpdateReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	receipt, err := h.Ledger.UpdateReceipt(r.Context(), billing.ReceiptID(chi.URLParam(r, "id")), billing.ReceiptUpdate{
		PayableAmount: req.PayableAmount,
		PaidAmount:    req.PaidAmount,
		Remarks:       req.Remarks,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to update receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(*receipt))
}

// DeleteReceipt removes an uninvoiced receipt.
func (h *Handler) DeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.RemoveReceipt(r.Context(), billing.ReceiptID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, "Failed to remove receipt", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// GetInvoice returns an invoice with its receipt numbers.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Ledger.GetInvoice(r.Context(), billing.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Invoice not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// =============================================================================
// ADMISSION HANDLERS
// =============================================================================

// ListAdmissionInvoices returns the invoice numbers reachable from an admission.
func (h *Handler) ListAdmissionInvoices(w http.ResponseWriter, r *http.Request) {
	numbers, err := h.Ledger.ListInvoiceNumbers(r.Context(), chi.URLParam(r, "admissionNo"))
	if err != nil {
		h.writeDomainError(w, "Failed to list invoices", err)
		return
	}
	if numbers == nil {
		numbers = []string{}
	}
	writeJSON(w, http.StatusOK, numbers)
}

// GetCourseFee returns the contracted course fee of an admission.
func (h *Handler) GetCourseFee(w http.ResponseWriter, r *http.Request) {
	admissionNo := chi.URLParam(r, "admissionNo")
	total, err := h.Ledger.TotalContracted(r.Context(), admissionNo)
	if err != nil {
		h.writeDomainError(w, "Failed to compute course fee", err)
		return
	}
	writeJSON(w, http.StatusOK, CourseFeeDTO{
		AdmissionNo: admissionNo,
		TotalFee:    total.StringFixed(billing.CurrencyPlaces),
	})
}

// GetPaymentInfo returns the balance of an admission.
func (h *Handler) GetPaymentInfo(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Ledger.ComputeBalance(r.Context(), chi.URLParam(r, "admissionNo"))
	if err != nil {
		h.writeDomainError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentInfoDTO(*balance))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// AuditRegistrations runs one duplicate-registration scan.
func (h *Handler) AuditRegistrations(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusNotFound, "Audit is not configured", nil)
		return
	}
	found, err := h.Auditor.Check(r.Context())
	if err != nil {
		h.writeDomainError(w, "Audit failed", err)
		return
	}

	dtos := make([]DuplicateRegistrationDTO, len(found))
	for i, d := range found {
		dtos[i] = DuplicateRegistrationDTO{VisitorID: int64(d.VisitorID), InvoiceNumbers: d.InvoiceNumbers}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

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

// writeDomainError picks the status from the billing error taxonomy.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case billing.IsClientError(err):
		return http.StatusBadRequest
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrReceiptInvoiced):
		return http.StatusConflict
	case billing.IsRetryable(err), errors.Is(err, billing.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
