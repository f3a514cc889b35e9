package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentValidator enforces category amount rules and the
// one-registration-invoice-per-visitor rule. Rules run in order and the
// first failure wins.
type PaymentValidator struct{}

// Validate checks d against the ledger state visible through store.
func (PaymentValidator) Validate(ctx context.Context, d Draft, store Store) error {
	if err := ValidateAmounts(d.Category, d.AdmissionID, d.PayableAmount, d.PaidAmount); err != nil {
		return err
	}
	if d.Category.IsRegistrationFee() && d.VisitorID > 0 && d.CreateInvoice {
		return checkRegistrationInvoice(ctx, d.VisitorID, store)
	}
	return nil
}

// ValidateAmounts applies the amount rules. RegistrationFee is a flat charge
// and skips them; every other category, known or not, must have a positive
// payable amount that covers the paid amount.
func ValidateAmounts(c Category, admissionID *AdmissionID, payable, paid decimal.Decimal) error {
	if c.IsRegistrationFee() {
		return nil
	}
	if !payable.IsPositive() {
		return &PaymentError{Err: ErrInvalidPayable, Category: c, AdmissionID: admissionID,
			Payable: payable, Paid: paid}
	}
	if paid.GreaterThan(payable) {
		return &PaymentError{Err: ErrOverPayment, Category: c, AdmissionID: admissionID,
			Payable: payable, Paid: paid}
	}
	return nil
}

func checkRegistrationInvoice(ctx context.Context, visitorID VisitorID, store Store) error {
	prior, err := store.LoadReceiptsByVisitorAndCategory(ctx, visitorID, CategoryRegistrationFee)
	if err != nil {
		return fmt.Errorf("check registration invoice: %w", err)
	}
	// A receipt absorbed into another receipt's invoice never produced one.
	for _, r := range prior {
		if r.CreateInvoice && r.IsInvoiced() {
			return &DuplicateRegistrationError{
				VisitorID:       visitorID,
				ExistingReceipt: r.Number,
				ExistingInvoice: r.InvoiceID,
			}
		}
	}
	return nil
}
