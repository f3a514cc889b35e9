package billing

import (
	"context"
	"fmt"
)

// SequenceAllocator hands out the next value of a named monotonic counter.
// No two callers ever receive the same value for one counter; gaps are
// allowed when a unit of work that allocated a value fails.
type SequenceAllocator interface {
	Allocate(ctx context.Context, counter string) (int64, error)
}

// StoreAllocator allocates from the store's counter table. Bound to a
// transactional Store, the increment commits or rolls back with the unit.
type StoreAllocator struct {
	Store Store
}

func (a StoreAllocator) Allocate(ctx context.Context, counter string) (int64, error) {
	n, err := a.Store.NextSequenceValue(ctx, counter)
	if err != nil {
		return 0, fmt.Errorf("allocate %s: %w", counter, err)
	}
	return n, nil
}

// Numberer combines an allocator with the identifier formats.
type Numberer struct {
	Allocator SequenceAllocator
}

// Next allocates and formats the next identifier of format f.
func (n Numberer) Next(ctx context.Context, f IdentifierFormat) (string, error) {
	v, err := n.Allocator.Allocate(ctx, f.Counter)
	if err != nil {
		return "", err
	}
	return f.Format(v), nil
}

// IssuedFloors returns the highest receipt and invoice number already
// present in store, keyed by counter name. An external allocator seeded
// with these values never re-issues a stored number.
func IssuedFloors(ctx context.Context, store Store) (map[string]int64, error) {
	receipts, err := store.ListReceipts(ctx)
	if err != nil {
		return nil, fmt.Errorf("issued floors: %w", err)
	}
	floors := map[string]int64{ReceiptNumbers.Counter: 0, InvoiceNumbers.Counter: 0}
	seen := make(map[InvoiceID]bool)
	for _, r := range receipts {
		if n, err := Parse(r.Number, ReceiptNumbers.Prefix); err == nil && n > floors[ReceiptNumbers.Counter] {
			floors[ReceiptNumbers.Counter] = n
		}
		if !r.IsInvoiced() || seen[r.InvoiceID] {
			continue
		}
		seen[r.InvoiceID] = true
		inv, err := store.LoadInvoice(ctx, r.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("issued floors: %w", err)
		}
		if n, err := Parse(inv.Number, InvoiceNumbers.Prefix); err == nil && n > floors[InvoiceNumbers.Counter] {
			floors[InvoiceNumbers.Counter] = n
		}
	}
	return floors, nil
}
