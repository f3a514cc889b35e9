package api

import (
	"fmt"
	"net/http"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/warp/receipt-ledger/billing"
)

const registerSheet = "Receipts"

var registerHeaders = []string{
	"Receipt No", "Category", "Admission", "Visitor", "Payable", "Paid", "Issued", "Invoice No",
}

// ExportReceipts streams the receipt register as an XLSX workbook.
func (h *Handler) ExportReceipts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	receipts, err := h.Ledger.ListReceipts(ctx)
	if err != nil {
		h.writeDomainError(w, "Failed to list receipts", err)
		return
	}

	invoiceNumbers := make(map[billing.InvoiceID]string)
	for _, rc := range receipts {
		if !rc.IsInvoiced() {
			continue
		}
		if _, ok := invoiceNumbers[rc.InvoiceID]; ok {
			continue
		}
		inv, err := h.Ledger.GetInvoice(ctx, rc.InvoiceID)
		if err != nil {
			h.writeDomainError(w, "Failed to load invoice", err)
			return
		}
		invoiceNumbers[rc.InvoiceID] = inv.Number
	}

	f, err := buildRegister(receipts, invoiceNumbers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build spreadsheet", err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	if err := f.Write(w); err != nil {
		h.logger.Warn("write receipt register", zap.Error(err))
	}
}

func buildRegister(receipts []billing.Receipt, invoiceNumbers map[billing.InvoiceID]string) (*excelize.File, error) {
	f := excelize.NewFile()
	index, err := f.NewSheet(registerSheet)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	for i, header := range registerHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(registerSheet, cell, header)
	}

	for i, rc := range receipts {
		row := i + 2
		f.SetCellValue(registerSheet, fmt.Sprintf("A%d", row), rc.Number)
		f.SetCellValue(registerSheet, fmt.Sprintf("B%d", row), string(rc.Category))
		if rc.AdmissionID != nil {
			f.SetCellValue(registerSheet, fmt.Sprintf("C%d", row), int64(*rc.AdmissionID))
		}
		f.SetCellValue(registerSheet, fmt.Sprintf("D%d", row), int64(rc.VisitorID))
		f.SetCellValue(registerSheet, fmt.Sprintf("E%d", row), rc.PayableAmount.InexactFloat64())
		f.SetCellValue(registerSheet, fmt.Sprintf("F%d", row), rc.PaidAmount.InexactFloat64())
		f.SetCellValue(registerSheet, fmt.Sprintf("G%d", row), rc.IssuedAt.Format("2006-01-02 15:04:05"))
		f.SetCellValue(registerSheet, fmt.Sprintf("H%d", row), invoiceNumbers[rc.InvoiceID])
	}
	return f, nil
}
