/*
balance.go - Payable balance of an admission

PURPOSE:
  Answers "how much does this admission still owe?" by combining the
  contracted course fees with payment history split by category.

BALANCE COMPONENTS:
  TotalContracted:  Sum of course fees over resolvable admission lines
  CoursePaid:       Paid amounts of the admission's Course receipts
  RegistrationPaid: Paid amounts of the visitor's Registration Fee receipts
                    (visitor-scoped, shared by all of the visitor's admissions)

PAYABLE:
  Payable = max(0, TotalContracted - CoursePaid - RegistrationPaid)

  Overpayment across the whole admission is clamped, not rejected. Whether
  it should be surfaced is a product decision.

EXAMPLE:
  Contracted 50000, course paid 20000, registration paid 5000
  Payable = 50000 - 20000 - 5000 = 25000

SEE ALSO:
  - types.go: Admission.TotalContracted
  - ledger.go: ComputeBalance / ListInvoiceNumbers entry points
*/
package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// BalanceCalculator derives balances and invoice listings from the store.
type BalanceCalculator struct {
	Store   Store
	Catalog Catalog
}

// ComputeBalance returns the payment position of admissionNo.
func (c BalanceCalculator) ComputeBalance(ctx context.Context, admissionNo string) (*Balance, error) {
	adm, err := c.Catalog.LoadAdmission(ctx, admissionNo)
	if err != nil {
		return nil, err
	}

	courseReceipts, err := c.Store.LoadReceiptsByAdmission(ctx, adm.ID)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", admissionNo, err)
	}
	registrationReceipts, err := c.Store.LoadReceiptsByVisitorAndCategory(ctx, adm.VisitorID, CategoryRegistrationFee)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", admissionNo, err)
	}

	b := &Balance{
		AdmissionID:      adm.ID,
		AdmissionNumber:  adm.Number,
		VisitorID:        adm.VisitorID,
		TotalContracted:  adm.TotalContracted(),
		CoursePaid:       sumPaid(courseReceipts, CategoryCourse),
		RegistrationPaid: sumPaid(registrationReceipts, CategoryRegistrationFee),
	}
	b.Payable = decimal.Max(decimal.Zero, b.TotalContracted.Sub(b.CoursePaid).Sub(b.RegistrationPaid))
	return b, nil
}

// TotalContracted returns the summed course fee of admissionNo.
func (c BalanceCalculator) TotalContracted(ctx context.Context, admissionNo string) (decimal.Decimal, error) {
	adm, err := c.Catalog.LoadAdmission(ctx, admissionNo)
	if err != nil {
		return decimal.Zero, err
	}
	return adm.TotalContracted(), nil
}

// ListInvoiceNumbers returns the invoice numbers reachable through the
// admission's receipts and the visitor's registration-fee receipts,
// deduplicated and in ascending order.
func (c BalanceCalculator) ListInvoiceNumbers(ctx context.Context, admissionNo string) ([]string, error) {
	adm, err := c.Catalog.LoadAdmission(ctx, admissionNo)
	if err != nil {
		return nil, err
	}

	own, err := c.Store.LoadReceiptsByAdmission(ctx, adm.ID)
	if err != nil {
		return nil, fmt.Errorf("invoices %s: %w", admissionNo, err)
	}
	registration, err := c.Store.LoadReceiptsByVisitorAndCategory(ctx, adm.VisitorID, CategoryRegistrationFee)
	if err != nil {
		return nil, fmt.Errorf("invoices %s: %w", admissionNo, err)
	}

	seen := make(map[InvoiceID]bool)
	var numbers []string
	for _, r := range append(own, registration...) {
		if !r.IsInvoiced() || seen[r.InvoiceID] {
			continue
		}
		seen[r.InvoiceID] = true
		inv, err := c.Store.LoadInvoice(ctx, r.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("invoices %s: %w", admissionNo, err)
		}
		numbers = append(numbers, inv.Number)
	}
	sort.Slice(numbers, func(i, j int) bool { return numberLess(numbers[i], numbers[j]) })
	return numbers, nil
}

func sumPaid(receipts []Receipt, category Category) decimal.Decimal {
	total := decimal.Zero
	for _, r := range receipts {
		if r.Category == category {
			total = total.Add(r.PaidAmount)
		}
	}
	return total
}
