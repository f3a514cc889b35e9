/*
invoice.go - Invoice creation and merge rules

PURPOSE:
  An admission may collect several partial-payment receipts before one of
  them asks for invoicing. The first trigger absorbs every earlier receipt
  of the admission into one new invoice; later triggers extend that same
  invoice instead of fragmenting billing history.

SCOPES:
  admission:<id>               receipts of one admission
  registration:<visitor id>    registration-fee receipts of a visitor that
                               carry no admission
  (none)                       any other receipt without an admission gets
                               an invoice of its own

ATOMICITY:
  Reconcile must run inside the same WithTx unit that persists the result.
  It takes the scope lock before reading peers so two submissions for the
  same admission cannot both observe "no invoice yet".

SEE ALSO:
  - ledger.go: Calls Reconcile and persists the Reconciliation
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reconciliation is the outcome of invoicing one receipt. Nothing in it is
// persisted yet.
type Reconciliation struct {
	Invoice Invoice
	Created bool      // a new invoice number was allocated
	Linked  []Receipt // earlier receipts newly linked to the invoice
}

// InvoiceAggregator decides whether a receipt opens a new invoice or joins
// the existing one of its scope.
type InvoiceAggregator struct {
	Now func() time.Time
}

// Reconcile links r to an invoice. r.Number must already be allocated; on
// return r.InvoiceID points at the target invoice.
func (a InvoiceAggregator) Reconcile(ctx context.Context, store Store, numbers Numberer, r *Receipt) (*Reconciliation, error) {
	key, peers, err := a.loadScope(ctx, store, *r)
	if err != nil {
		return nil, err
	}

	for _, p := range peers {
		if !p.IsInvoiced() || p.ID == r.ID {
			continue
		}
		inv, err := store.LoadInvoice(ctx, p.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: load invoice %s: %w", key, p.InvoiceID, err)
		}
		inv.ReceiptNumbers = inv.ReceiptNumbers.Add(r.Number)
		r.InvoiceID = inv.ID
		return &Reconciliation{Invoice: *inv}, nil
	}

	number, err := numbers.Next(ctx, InvoiceNumbers)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", key, err)
	}
	inv := Invoice{
		ID:          InvoiceID(uuid.NewString()),
		Number:      number,
		Category:    r.Category,
		AdmissionID: r.AdmissionID,
		VisitorID:   r.VisitorID,
		CreatedAt:   a.now(),
	}

	rec := &Reconciliation{Created: true}
	for _, p := range peers {
		if p.ID == r.ID {
			continue
		}
		inv.ReceiptNumbers = inv.ReceiptNumbers.Add(p.Number)
		p.InvoiceID = inv.ID
		rec.Linked = append(rec.Linked, p)
	}
	inv.ReceiptNumbers = inv.ReceiptNumbers.Add(r.Number)
	r.InvoiceID = inv.ID
	rec.Invoice = inv
	return rec, nil
}

// loadScope locks the receipt's reconciliation scope and returns the peers
// that share it.
func (a InvoiceAggregator) loadScope(ctx context.Context, store Store, r Receipt) (string, []Receipt, error) {
	switch {
	case r.AdmissionID != nil:
		key := ScopeKey(r)
		if err := store.LockScope(ctx, key); err != nil {
			return key, nil, fmt.Errorf("lock %s: %w", key, err)
		}
		peers, err := store.LoadReceiptsByAdmission(ctx, *r.AdmissionID)
		if err != nil {
			return key, nil, fmt.Errorf("load receipts for %s: %w", key, err)
		}
		return key, peers, nil

	case r.Category.IsRegistrationFee():
		key := ScopeKey(r)
		if err := store.LockScope(ctx, key); err != nil {
			return key, nil, fmt.Errorf("lock %s: %w", key, err)
		}
		all, err := store.LoadReceiptsByVisitorAndCategory(ctx, r.VisitorID, CategoryRegistrationFee)
		if err != nil {
			return key, nil, fmt.Errorf("load receipts for %s: %w", key, err)
		}
		var peers []Receipt
		for _, p := range all {
			if p.AdmissionID == nil {
				peers = append(peers, p)
			}
		}
		return key, peers, nil
	}
	return ScopeKey(r), nil, nil
}

// ScopeKey names the reconciliation scope of r.
func ScopeKey(r Receipt) string {
	switch {
	case r.AdmissionID != nil:
		return fmt.Sprintf("admission:%d", *r.AdmissionID)
	case r.Category.IsRegistrationFee():
		return fmt.Sprintf("registration:%d", r.VisitorID)
	}
	return "receipt:" + string(r.ID)
}

func (a InvoiceAggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}
