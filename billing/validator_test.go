package billing_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/receipt-ledger/billing"
	"github.com/warp/receipt-ledger/billing/store"
)

func TestValidateAmounts(t *testing.T) {
	admission := billing.AdmissionID(1001)
	cases := []struct {
		name     string
		category billing.Category
		payable  int64
		paid     int64
		want     error
	}{
		{"course zero payable", billing.CategoryCourse, 0, 0, billing.ErrInvalidPayable},
		{"course negative payable", billing.CategoryCourse, -10, 0, billing.ErrInvalidPayable},
		{"course overpaid", billing.CategoryCourse, 1000, 1500, billing.ErrOverPayment},
		{"course paid in full", billing.CategoryCourse, 1000, 1000, nil},
		{"course partial", billing.CategoryCourse, 1000, 1, nil},
		{"registration skips rules", billing.CategoryRegistrationFee, 0, 5000, nil},
		{"open category follows rules", billing.Category("Books"), 0, 100, billing.ErrInvalidPayable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := billing.ValidateAmounts(tc.category, &admission,
				decimal.NewFromInt(tc.payable), decimal.NewFromInt(tc.paid))
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, billing.IsClientError(err))
		})
	}
}

func TestValidateAmounts_OverPaymentCarriesAmounts(t *testing.T) {
	admission := billing.AdmissionID(1001)
	err := billing.ValidateAmounts(billing.CategoryCourse, &admission, decimal.NewFromInt(1000), decimal.NewFromInt(1500))

	var pe *billing.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, billing.CategoryCourse, pe.Category)
	assert.True(t, pe.Payable.Equal(decimal.NewFromInt(1000)))
	assert.True(t, pe.Paid.Equal(decimal.NewFromInt(1500)))
	assert.Contains(t, err.Error(), "admission 1001")
}

func TestPaymentValidator_RegistrationInvoiceExists(t *testing.T) {
	// GIVEN: Visitor 7 already has an invoiced registration-fee receipt
	// WHEN: Validating another registration fee that asks for an invoice
	// THEN: DuplicateRegistrationInvoice naming the earlier receipt

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveReceipt(ctx, billing.Receipt{
		ID:         "r1",
		Number:     "MRN-000001",
		Category:      billing.CategoryRegistrationFee,
		VisitorID:     7,
		PaidAmount:    decimal.NewFromInt(5000),
		InvoiceID:     "inv-1",
		CreateInvoice: true,
	}))

	d := billing.Draft{
		Category:      billing.CategoryRegistrationFee,
		VisitorID:     7,
		PaidAmount:    decimal.NewFromInt(5000),
		CreateInvoice: true,
	}
	err := billing.PaymentValidator{}.Validate(ctx, d, mem)

	var dup *billing.DuplicateRegistrationError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, billing.VisitorID(7), dup.VisitorID)
	assert.Equal(t, "MRN-000001", dup.ExistingReceipt)
	assert.ErrorIs(t, err, billing.ErrDuplicateRegistrationInvoice)

	// Without an invoice request the rule does not apply.
	d.CreateInvoice = false
	assert.NoError(t, billing.PaymentValidator{}.Validate(ctx, d, mem))

	// Another visitor is unaffected.
	d.CreateInvoice = true
	d.VisitorID = 8
	assert.NoError(t, billing.PaymentValidator{}.Validate(ctx, d, mem))
}

func TestPaymentValidator_UninvoicedRegistrationAllowed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveReceipt(ctx, billing.Receipt{
		ID:         "r1",
		Number:     "MRN-000001",
		Category:   billing.CategoryRegistrationFee,
		VisitorID:  7,
		PaidAmount: decimal.NewFromInt(2000),
	}))

	err := billing.PaymentValidator{}.Validate(ctx, billing.Draft{
		Category:      billing.CategoryRegistrationFee,
		VisitorID:     7,
		PaidAmount:    decimal.NewFromInt(3000),
		CreateInvoice: true,
	}, mem)
	assert.NoError(t, err)
}

func TestPaymentValidator_AbsorbedRegistrationAllowed(t *testing.T) {
	// GIVEN: A registration fee that never asked for an invoice but was
	//        pulled into its admission's invoice later
	// WHEN: Validating a registration fee that asks for an invoice
	// THEN: The earlier receipt did not produce an invoice, so it passes

	ctx := context.Background()
	mem := store.NewMemory()
	admission := billing.AdmissionID(1001)
	require.NoError(t, mem.SaveReceipt(ctx, billing.Receipt{
		ID:          "r1",
		Number:      "MRN-000001",
		Category:    billing.CategoryRegistrationFee,
		AdmissionID: &admission,
		VisitorID:   7,
		PaidAmount:  decimal.NewFromInt(5000),
		InvoiceID:   "inv-1",
	}))

	err := billing.PaymentValidator{}.Validate(ctx, billing.Draft{
		Category:      billing.CategoryRegistrationFee,
		VisitorID:     7,
		PaidAmount:    decimal.NewFromInt(5000),
		CreateInvoice: true,
	}, mem)
	assert.NoError(t, err)
}
