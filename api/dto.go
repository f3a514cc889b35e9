/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal.Decimal, which marshals to a JSON string
  ("5000.00") and accepts both strings and numbers on input.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/receipt-ledger/billing"
)

// =============================================================================
// RECEIPTS
// =============================================================================

// SubmitReceiptRequest is the body of POST /api/receipts.
type SubmitReceiptRequest struct {
	Category      string          `json:"category"`
	AdmissionID   *int64          `json:"admission_id,omitempty"`
	VisitorID     int64           `json:"visitor_id"`
	PayableAmount decimal.Decimal `json:"payable_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	FullPayment   bool            `json:"full_payment"`
	CreateInvoice bool            `json:"create_invoice"`
	Remarks       string          `json:"remarks,omitempty"`
}

func (r SubmitReceiptRequest) draft() billing.Draft {
	d := billing.Draft{
		Category:      billing.Category(r.Category),
		VisitorID:     billing.VisitorID(r.VisitorID),
		PayableAmount: r.PayableAmount,
		PaidAmount:    r.PaidAmount,
		FullPayment:   r.FullPayment,
		CreateInvoice: r.CreateInvoice,
		Remarks:       r.Remarks,
	}
	if r.AdmissionID != nil {
		id := billing.AdmissionID(*r.AdmissionID)
		d.AdmissionID = &id
	}
	return d
}

// UpdateReceiptRequest is the body of PUT /api/receipts/{id}.
type UpdateReceiptRequest struct {
	PayableAmount *decimal.Decimal `json:"payable_amount,omitempty"`
	PaidAmount    *decimal.Decimal `json:"paid_amount,omitempty"`
	Remarks       *string          `json:"remarks,omitempty"`
}

// ReceiptDTO represents a receipt in API responses.
type ReceiptDTO struct {
	ID            string    `json:"id"`
	ReceiptNo     string    `json:"receipt_no"`
	Category      string    `json:"category"`
	AdmissionID   *int64    `json:"admission_id,omitempty"`
	VisitorID     int64     `json:"visitor_id"`
	PayableAmount string    `json:"payable_amount"`
	PaidAmount    string    `json:"paid_amount"`
	IssuedAt      time.Time `json:"issued_at"`
	InvoiceID     *string   `json:"invoice_id,omitempty"`
	FullPayment   bool      `json:"full_payment"`
	CreateInvoice bool      `json:"create_invoice"`
	Remarks       string    `json:"remarks,omitempty"`
}

func toReceiptDTO(r billing.Receipt) ReceiptDTO {
	dto := ReceiptDTO{
		ID:            string(r.ID),
		ReceiptNo:     r.Number,
		Category:      string(r.Category),
		VisitorID:     int64(r.VisitorID),
		PayableAmount: r.PayableAmount.StringFixed(billing.CurrencyPlaces),
		PaidAmount:    r.PaidAmount.StringFixed(billing.CurrencyPlaces),
		IssuedAt:      r.IssuedAt,
		FullPayment:   r.FullPayment,
		CreateInvoice: r.CreateInvoice,
		Remarks:       r.Remarks,
	}
	if r.AdmissionID != nil {
		id := int64(*r.AdmissionID)
		dto.AdmissionID = &id
	}
	if r.IsInvoiced() {
		id := string(r.InvoiceID)
		dto.InvoiceID = &id
	}
	return dto
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID             string    `json:"id"`
	InvoiceNo      string    `json:"invoice_no"`
	Category       string    `json:"category"`
	AdmissionID    *int64    `json:"admission_id,omitempty"`
	VisitorID      int64     `json:"visitor_id"`
	ReceiptNumbers []string  `json:"receipt_numbers"`
	CreatedAt      time.Time `json:"created_at"`
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:             string(inv.ID),
		InvoiceNo:      inv.Number,
		Category:       string(inv.Category),
		VisitorID:      int64(inv.VisitorID),
		ReceiptNumbers: inv.ReceiptNumbers.Strings(),
		CreatedAt:      inv.CreatedAt,
	}
	if inv.AdmissionID != nil {
		id := int64(*inv.AdmissionID)
		dto.AdmissionID = &id
	}
	return dto
}

// =============================================================================
// ADMISSIONS
// =============================================================================

// PaymentInfoDTO is the balance of one admission.
type PaymentInfoDTO struct {
	AdmissionNo         string `json:"admission_no"`
	TotalAmount         string `json:"total_amount"`
	CoursePaid          string `json:"course_paid"`
	RegistrationFeePaid string `json:"registration_fee_paid"`
	PayableAmount       string `json:"payable_amount"`
}

func toPaymentInfoDTO(b billing.Balance) PaymentInfoDTO {
	return PaymentInfoDTO{
		AdmissionNo:         b.AdmissionNumber,
		TotalAmount:         b.TotalContracted.StringFixed(billing.CurrencyPlaces),
		CoursePaid:          b.CoursePaid.StringFixed(billing.CurrencyPlaces),
		RegistrationFeePaid: b.RegistrationPaid.StringFixed(billing.CurrencyPlaces),
		PayableAmount:       b.Payable.StringFixed(billing.CurrencyPlaces),
	}
}

// CourseFeeDTO is the contracted total of one admission.
type CourseFeeDTO struct {
	AdmissionNo string `json:"admission_no"`
	TotalFee    string `json:"total_fee"`
}

// =============================================================================
// AUDIT / SCENARIOS / ERRORS
// =============================================================================

// DuplicateRegistrationDTO is one finding of the registration audit.
type DuplicateRegistrationDTO struct {
	VisitorID      int64    `json:"visitor_id"`
	InvoiceNumbers []string `json:"invoice_numbers"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
