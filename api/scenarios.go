/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Populates the catalog (courses, batches, admissions) and, for some
	scenarios, a payment history submitted through the ledger, so that the
	balance and invoice endpoints have something to show.

AVAILABLE SCENARIOS:

	single-course:   One admission, one course of 50000
	multi-course:    One admission over two courses plus a retired batch
	partly-paid:     single-course with registration fee 5000 and course
	                 payments of 20000 already invoiced (payable 25000)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "partly-paid"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and routes
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/receipt-ledger/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-course",
		Name:        "Single Course",
		Description: "Admission ADM-1001 for visitor 7 in one 50000 course",
	},
	{
		ID:          "multi-course",
		Name:        "Multi Course",
		Description: "Admission ADM-2001 over two courses and a batch that no longer resolves",
	},
	{
		ID:          "partly-paid",
		Name:        "Partly Paid",
		Description: "ADM-1001 with registration fee and two course payments, 25000 still payable",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "single-course":
		load = h.loadSingleCourseScenario
	case "multi-course":
		load = h.loadMultiCourseScenario
	case "partly-paid":
		load = h.loadPartlyPaidScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Catalog.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx); err != nil {
		h.writeDomainError(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSingleCourseScenario(ctx context.Context) error {
	if err := h.Catalog.SaveCourse(ctx, billing.Course{ID: 1, Name: "Full Stack Web Development", Fee: decimal.NewFromInt(50000)}); err != nil {
		return err
	}
	if err := h.Catalog.SaveBatch(ctx, billing.Batch{ID: 10, Name: "FSWD-2025-A", CourseID: 1}); err != nil {
		return err
	}
	return h.Catalog.SaveAdmission(ctx, billing.Admission{
		ID:        1001,
		Number:    "ADM-1001",
		VisitorID: 7,
		Details:   []billing.AdmissionDetail{{ID: 1, BatchID: 10}},
	})
}

func (h *Handler) loadMultiCourseScenario(ctx context.Context) error {
	courses := []billing.Course{
		{ID: 1, Name: "Graphic Design", Fee: decimal.NewFromInt(30000)},
		{ID: 2, Name: "Digital Marketing", Fee: decimal.NewFromInt(20000)},
	}
	for _, c := range courses {
		if err := h.Catalog.SaveCourse(ctx, c); err != nil {
			return err
		}
	}
	batches := []billing.Batch{
		{ID: 20, Name: "GD-2025-B", CourseID: 1},
		{ID: 21, Name: "DM-2025-B", CourseID: 2},
	}
	for _, b := range batches {
		if err := h.Catalog.SaveBatch(ctx, b); err != nil {
			return err
		}
	}
	// Batch 99 was retired; its line contributes nothing to the total.
	return h.Catalog.SaveAdmission(ctx, billing.Admission{
		ID:        2001,
		Number:    "ADM-2001",
		VisitorID: 8,
		Details: []billing.AdmissionDetail{
			{ID: 1, BatchID: 20},
			{ID: 2, BatchID: 21},
			{ID: 3, BatchID: 99},
		},
	})
}

func (h *Handler) loadPartlyPaidScenario(ctx context.Context) error {
	if err := h.loadSingleCourseScenario(ctx); err != nil {
		return err
	}

	admission := billing.AdmissionID(1001)
	drafts := []billing.Draft{
		{
			Category:      billing.CategoryRegistrationFee,
			VisitorID:     7,
			PaidAmount:    decimal.NewFromInt(5000),
			CreateInvoice: true,
			Remarks:       "registration",
		},
		{
			Category:      billing.CategoryCourse,
			AdmissionID:   &admission,
			VisitorID:     7,
			PayableAmount: decimal.NewFromInt(45000),
			PaidAmount:    decimal.NewFromInt(15000),
			CreateInvoice: true,
			Remarks:       "first installment",
		},
		{
			Category:      billing.CategoryCourse,
			AdmissionID:   &admission,
			VisitorID:     7,
			PayableAmount: decimal.NewFromInt(30000),
			PaidAmount:    decimal.NewFromInt(5000),
			Remarks:       "second installment",
		},
	}
	for _, d := range drafts {
		if _, err := h.Ledger.SubmitReceipt(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
