package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/receipt-ledger/billing"
)

func TestScan_BadTimestamps(t *testing.T) {
	// GIVEN: Rows whose timestamps are not RFC 3339
	// WHEN: They are loaded
	// THEN: The load fails instead of returning a zero time

	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	_, err = store.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ('r1', 'MRN-000001', 'Course', NULL, 7, '100', '100', 'yesterday', NULL, 0, 0, NULL)`)
	require.NoError(t, err)
	_, err = store.LoadReceipt(ctx, "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MRN-000001 issued at")

	_, err = store.db.ExecContext(ctx, `
		INSERT INTO invoices (id, invoice_no, category, admission_id, visitor_id, created_at)
		VALUES ('inv-1', 'INV-00000001', 'Course', NULL, 7, 'last week')`)
	require.NoError(t, err)
	_, err = store.LoadInvoice(ctx, billing.InvoiceID("inv-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INV-00000001 created at")
}
