package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/receipt-ledger/billing"
	"github.com/warp/receipt-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveCourse(ctx, billing.Course{ID: 1, Name: "Full Stack", Fee: decimal.NewFromInt(50000)}))
	require.NoError(t, store.SaveBatch(ctx, billing.Batch{ID: 10, Name: "FS-A", CourseID: 1}))
	require.NoError(t, store.SaveAdmission(ctx, billing.Admission{
		ID:        1001,
		Number:    "ADM-1001",
		VisitorID: 7,
		Details:   []billing.AdmissionDetail{{ID: 1, BatchID: 10}},
	}))
	return store
}

func coursePayment(payable, paid int64, invoice bool) billing.Draft {
	admission := billing.AdmissionID(1001)
	return billing.Draft{
		Category:      billing.CategoryCourse,
		AdmissionID:   &admission,
		VisitorID:     7,
		PayableAmount: decimal.NewFromInt(payable),
		PaidAmount:    decimal.NewFromInt(paid),
		CreateInvoice: invoice,
	}
}

// =============================================================================
// SEQUENCES AND TRANSACTIONS
// =============================================================================

func TestNextSequenceValue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.NextSequenceValue(ctx, "receipt")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := store.NextSequenceValue(ctx, "invoice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestWithTx_RollbackDiscardsWrites(t *testing.T) {
	// GIVEN: A unit that numbers and saves a receipt, then fails
	// THEN: Neither the receipt nor the counter increment survives

	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx billing.Store) error {
		n, err := tx.NextSequenceValue(ctx, "receipt")
		if err != nil {
			return err
		}
		if err := tx.SaveReceipt(ctx, billing.Receipt{
			ID:        "r1",
			Number:    billing.ReceiptNumbers.Format(n),
			Category:  billing.CategoryCourse,
			VisitorID: 7,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.LoadReceipt(ctx, "r1")
	assert.ErrorIs(t, err, billing.ErrReceiptNotFound)

	n, err := store.NextSequenceValue(ctx, "receipt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSaveReceipt_DuplicateNumberIsConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := billing.Receipt{ID: "r1", Number: "MRN-000001", Category: billing.CategoryCourse, VisitorID: 7}
	require.NoError(t, store.SaveReceipt(ctx, r))

	r.ID = "r2"
	err := store.SaveReceipt(ctx, r)
	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)
}

func TestLinkReceipt_OnlyUnlinked(t *testing.T) {
	// GIVEN: One unlinked receipt
	// WHEN: It is linked, linked again, and a missing receipt is linked
	// THEN: Only the first link succeeds; the others report a conflict

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveReceipt(ctx, billing.Receipt{ID: "r1", Number: "MRN-000001",
		Category: billing.CategoryCourse, VisitorID: 7, PayableAmount: decimal.NewFromInt(100),
		PaidAmount: decimal.NewFromInt(100)}))

	require.NoError(t, store.LinkReceipt(ctx, "r1", "inv-1"))
	got, err := store.LoadReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceID("inv-1"), got.InvoiceID)
	assert.Equal(t, "100.00", got.PaidAmount.StringFixed(2))

	assert.ErrorIs(t, store.LinkReceipt(ctx, "r1", "inv-2"), billing.ErrConcurrencyConflict)
	assert.ErrorIs(t, store.LinkReceipt(ctx, "missing", "inv-1"), billing.ErrConcurrencyConflict)

	got, err = store.LoadReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceID("inv-1"), got.InvoiceID)
}

// =============================================================================
// RECEIPTS AND INVOICES
// =============================================================================

func TestReceiptRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	admission := billing.AdmissionID(1001)

	in := billing.Receipt{
		ID:            "r1",
		Number:        "MRN-000001",
		Category:      billing.CategoryCourse,
		AdmissionID:   &admission,
		VisitorID:     7,
		PayableAmount: decimal.RequireFromString("45000.50"),
		PaidAmount:    decimal.RequireFromString("15000.25"),
		FullPayment:   true,
		Remarks:       "first installment",
	}
	require.NoError(t, store.SaveReceipt(ctx, in))

	out, err := store.LoadReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, in.Number, out.Number)
	require.NotNil(t, out.AdmissionID)
	assert.Equal(t, admission, *out.AdmissionID)
	assert.True(t, in.PayableAmount.Equal(out.PayableAmount))
	assert.True(t, in.PaidAmount.Equal(out.PaidAmount))
	assert.True(t, out.FullPayment)
	assert.False(t, out.IsInvoiced())
	assert.Equal(t, in.Remarks, out.Remarks)

	reg := billing.Receipt{ID: "r2", Number: "MRN-000002", Category: billing.CategoryRegistrationFee, VisitorID: 7,
		PaidAmount: decimal.NewFromInt(5000)}
	require.NoError(t, store.SaveReceipt(ctx, reg))

	regs, err := store.LoadReceiptsByVisitorAndCategory(ctx, 7, billing.CategoryRegistrationFee)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Nil(t, regs[0].AdmissionID)
}

func TestReceiptsOrderedNumerically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, n := range []string{"MRN-1000000", "MRN-000010", "MRN-000002"} {
		require.NoError(t, store.SaveReceipt(ctx, billing.Receipt{
			ID: billing.ReceiptID(n), Number: n, Category: billing.CategoryCourse, VisitorID: 7,
		}))
	}

	all, err := store.ListReceipts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"MRN-000002", "MRN-000010", "MRN-1000000"},
		[]string{all[0].Number, all[1].Number, all[2].Number})
}

func TestInvoiceNumberSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inv := billing.Invoice{
		ID:             "inv-1",
		Number:         "INV-00000001",
		Category:       billing.CategoryCourse,
		VisitorID:      7,
		ReceiptNumbers: billing.NewNumberSet("MRN-000001", "MRN-000002"),
	}
	require.NoError(t, store.SaveInvoice(ctx, inv))

	inv.ReceiptNumbers = inv.ReceiptNumbers.Add("MRN-000003").Add("MRN-000001")
	require.NoError(t, store.SaveInvoice(ctx, inv))

	out, err := store.LoadInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "INV-00000001", out.Number)
	assert.Equal(t, []string{"MRN-000001", "MRN-000002", "MRN-000003"}, out.ReceiptNumbers.Strings())

	_, err = store.LoadInvoice(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestLoadAdmission_DanglingLines(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveBatch(ctx, billing.Batch{ID: 11, Name: "orphan", CourseID: 42}))
	require.NoError(t, store.SaveAdmission(ctx, billing.Admission{
		ID:        2001,
		Number:    "ADM-2001",
		VisitorID: 8,
		Details: []billing.AdmissionDetail{
			{ID: 21, BatchID: 10},
			{ID: 22, BatchID: 11},
			{ID: 23, BatchID: 99},
		},
	}))

	adm, err := store.LoadAdmission(ctx, "ADM-2001")
	require.NoError(t, err)
	require.Len(t, adm.Details, 3)
	require.NotNil(t, adm.Details[0].Batch)
	require.NotNil(t, adm.Details[0].Batch.Course)
	require.NotNil(t, adm.Details[1].Batch)
	assert.Nil(t, adm.Details[1].Batch.Course)
	assert.Nil(t, adm.Details[2].Batch)
	assert.Equal(t, "50000", adm.TotalContracted().String())

	_, err = store.LoadAdmissionByID(ctx, 404)
	assert.ErrorIs(t, err, billing.ErrAdmissionNotFound)
}

// =============================================================================
// LEDGER ON SQLITE
// =============================================================================

func TestLedger_ConcurrentSubmissions(t *testing.T) {
	// GIVEN: 50 concurrent invoice-triggering payments for ADM-1001
	// THEN: 50 unique numbers and exactly one invoice holding all of them

	store := newTestStore(t)
	ledger := billing.NewReceiptLedger(store, store)
	ctx := context.Background()

	const n = 50
	var (
		mu       sync.Mutex
		receipts []*billing.Receipt
	)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			r, err := ledger.SubmitReceipt(ctx, coursePayment(1000, 100, true))
			if err != nil {
				return err
			}
			mu.Lock()
			receipts = append(receipts, r)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	numbers := make(map[string]bool)
	invoices := make(map[billing.InvoiceID]bool)
	for _, r := range receipts {
		numbers[r.Number] = true
		invoices[r.InvoiceID] = true
	}
	assert.Len(t, numbers, n)
	require.Len(t, invoices, 1)

	list, err := ledger.ListInvoiceNumbers(ctx, "ADM-1001")
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-00000001"}, list)

	for id := range invoices {
		inv, err := ledger.GetInvoice(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, n, inv.ReceiptNumbers.Len())
	}
}

func TestLedger_MergeAndBalance(t *testing.T) {
	store := newTestStore(t)
	ledger := billing.NewReceiptLedger(store, store)
	ctx := context.Background()

	r1, err := ledger.SubmitReceipt(ctx, coursePayment(50000, 15000, false))
	require.NoError(t, err)
	r2, err := ledger.SubmitReceipt(ctx, coursePayment(35000, 5000, true))
	require.NoError(t, err)
	_, err = ledger.SubmitReceipt(ctx, billing.Draft{
		Category:      billing.CategoryRegistrationFee,
		VisitorID:     7,
		PaidAmount:    decimal.NewFromInt(5000),
		CreateInvoice: true,
	})
	require.NoError(t, err)

	linked, err := ledger.GetReceipt(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, r2.InvoiceID, linked.InvoiceID)

	b, err := ledger.ComputeBalance(ctx, "ADM-1001")
	require.NoError(t, err)
	assert.Equal(t, "25000.00", b.Payable.StringFixed(2))

	list, err := ledger.ListInvoiceNumbers(ctx, "ADM-1001")
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-00000001", "INV-00000002"}, list)

	floors, err := billing.IssuedFloors(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, int64(3), floors["receipt"])
	assert.Equal(t, int64(2), floors["invoice"])
}

func TestFindDuplicateRegistrationInvoices(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, id := range []billing.InvoiceID{"inv-a", "inv-b"} {
		number := billing.InvoiceNumbers.Format(int64(i + 1))
		receiptNo := billing.ReceiptNumbers.Format(int64(i + 1))
		require.NoError(t, store.SaveInvoice(ctx, billing.Invoice{
			ID: id, Number: number, Category: billing.CategoryRegistrationFee, VisitorID: 7,
			ReceiptNumbers: billing.NewNumberSet(receiptNo),
		}))
		require.NoError(t, store.SaveReceipt(ctx, billing.Receipt{
			ID: billing.ReceiptID("r-" + string(id)), Number: receiptNo,
			Category: billing.CategoryRegistrationFee, VisitorID: 7, InvoiceID: id,
		}))
	}

	found, err := store.FindDuplicateRegistrationInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, billing.VisitorID(7), found[0].VisitorID)
	assert.Equal(t, []string{"INV-00000001", "INV-00000002"}, found[0].InvoiceNumbers)

	require.NoError(t, store.Reset(ctx))
	found, err = store.FindDuplicateRegistrationInvoices(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
}
