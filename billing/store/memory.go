// Package store provides in-memory Store and Catalog implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/receipt-ledger/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps receipts, invoices, counters and catalog records in maps.
// WithTx holds the write lock for the whole unit, so every unit is
// serialized and LockScope is a no-op.
type Memory struct {
	mu        sync.RWMutex
	receipts  map[billing.ReceiptID]billing.Receipt
	invoices  map[billing.InvoiceID]billing.Invoice
	sequences map[string]int64

	courses    map[int64]billing.Course
	batches    map[int64]billing.Batch
	admissions map[billing.AdmissionID]billing.Admission
}

func NewMemory() *Memory {
	return &Memory{
		receipts:   make(map[billing.ReceiptID]billing.Receipt),
		invoices:   make(map[billing.InvoiceID]billing.Invoice),
		sequences:  make(map[string]int64),
		courses:    make(map[int64]billing.Course),
		batches:    make(map[int64]billing.Batch),
		admissions: make(map[billing.AdmissionID]billing.Admission),
	}
}

func (m *Memory) LoadReceipt(_ context.Context, id billing.ReceiptID) (*billing.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadReceiptLocked(id)
}

func (m *Memory) ListReceipts(_ context.Context) ([]billing.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(billing.Receipt) bool { return true }), nil
}

func (m *Memory) LoadReceiptsByAdmission(_ context.Context, admissionID billing.AdmissionID) ([]billing.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(byAdmission(admissionID)), nil
}

func (m *Memory) LoadReceiptsByVisitorAndCategory(_ context.Context, visitorID billing.VisitorID, category billing.Category) ([]billing.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(byVisitorAndCategory(visitorID, category)), nil
}

func (m *Memory) LoadInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadInvoiceLocked(id)
}

func (m *Memory) SaveReceipt(_ context.Context, r billing.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[r.ID] = r
	return nil
}

func (m *Memory) DeleteReceipt(_ context.Context, id billing.ReceiptID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteReceiptLocked(id)
}

func (m *Memory) LinkReceipt(_ context.Context, id billing.ReceiptID, invoiceID billing.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkReceiptLocked(id, invoiceID)
}

func (m *Memory) SaveInvoice(_ context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

// NextSequenceValue increments under the store mutex. Linearizable within
// one process only; multi-process deployments use sqlite, postgres or redis.
func (m *Memory) NextSequenceValue(_ context.Context, counter string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[counter]++
	return m.sequences[counter], nil
}

func (m *Memory) LockScope(context.Context, string) error { return nil }

func (m *Memory) FindDuplicateRegistrationInvoices(_ context.Context) ([]billing.DuplicateRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perVisitor := make(map[billing.VisitorID]billing.NumberSet)
	for _, r := range m.receipts {
		if !r.Category.IsRegistrationFee() || !r.IsInvoiced() {
			continue
		}
		inv, ok := m.invoices[r.InvoiceID]
		if !ok || !inv.Category.IsRegistrationFee() {
			continue
		}
		perVisitor[r.VisitorID] = perVisitor[r.VisitorID].Add(inv.Number)
	}

	var out []billing.DuplicateRegistration
	for visitor, numbers := range perVisitor {
		if numbers.Len() > 1 {
			out = append(out, billing.DuplicateRegistration{VisitorID: visitor, InvoiceNumbers: numbers.Strings()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitorID < out[j].VisitorID })
	return out, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) SaveCourse(_ context.Context, c billing.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
	return nil
}

func (m *Memory) SaveBatch(_ context.Context, b billing.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Course = nil
	m.batches[b.ID] = b
	return nil
}

// SaveAdmission stores the admission and its detail lines. Batch pointers
// on the details are ignored; they are resolved on load.
func (m *Memory) SaveAdmission(_ context.Context, a billing.Admission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	details := make([]billing.AdmissionDetail, len(a.Details))
	for i, d := range a.Details {
		details[i] = billing.AdmissionDetail{ID: d.ID, BatchID: d.BatchID}
	}
	a.Details = details
	m.admissions[a.ID] = a
	return nil
}

func (m *Memory) LoadAdmission(_ context.Context, admissionNo string) (*billing.Admission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.admissions {
		if a.Number == admissionNo {
			return m.resolveLocked(a), nil
		}
	}
	return nil, billing.ErrAdmissionNotFound
}

func (m *Memory) LoadAdmissionByID(_ context.Context, id billing.AdmissionID) (*billing.Admission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.admissions[id]
	if !ok {
		return nil, billing.ErrAdmissionNotFound
	}
	return m.resolveLocked(a), nil
}

func (m *Memory) resolveLocked(a billing.Admission) *billing.Admission {
	out := a
	out.Details = make([]billing.AdmissionDetail, len(a.Details))
	for i, d := range a.Details {
		out.Details[i] = d
		b, ok := m.batches[d.BatchID]
		if !ok {
			continue
		}
		if c, ok := m.courses[b.CourseID]; ok {
			course := c
			b.Course = &course
		}
		out.Details[i].Batch = &b
	}
	return &out
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = make(map[billing.ReceiptID]billing.Receipt)
	m.invoices = make(map[billing.InvoiceID]billing.Invoice)
	m.sequences = make(map[string]int64)
	m.courses = make(map[int64]billing.Course)
	m.batches = make(map[int64]billing.Batch)
	m.admissions = make(map[billing.AdmissionID]billing.Admission)
	return nil
}

// =============================================================================
// LOCKED HELPERS
// =============================================================================

func (m *Memory) loadReceiptLocked(id billing.ReceiptID) (*billing.Receipt, error) {
	r, ok := m.receipts[id]
	if !ok {
		return nil, billing.ErrReceiptNotFound
	}
	return &r, nil
}

func (m *Memory) loadInvoiceLocked(id billing.InvoiceID) (*billing.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	out := copyInvoice(inv)
	return &out, nil
}

func (m *Memory) deleteReceiptLocked(id billing.ReceiptID) error {
	if _, ok := m.receipts[id]; !ok {
		return billing.ErrReceiptNotFound
	}
	delete(m.receipts, id)
	return nil
}

// linkReceiptLocked sets the invoice of an unlinked receipt. A missing or
// already linked receipt means a concurrent unit changed it.
func (m *Memory) linkReceiptLocked(id billing.ReceiptID, invoiceID billing.InvoiceID) error {
	r, ok := m.receipts[id]
	if !ok || r.IsInvoiced() {
		return fmt.Errorf("link receipt %s: %w", id, billing.ErrConcurrencyConflict)
	}
	r.InvoiceID = invoiceID
	m.receipts[id] = r
	return nil
}

func (m *Memory) filterLocked(keep func(billing.Receipt) bool) []billing.Receipt {
	var out []billing.Receipt
	for _, r := range m.receipts {
		if keep(r) {
			out = append(out, r)
		}
	}
	sortReceipts(out)
	return out
}

func byAdmission(id billing.AdmissionID) func(billing.Receipt) bool {
	return func(r billing.Receipt) bool { return r.AdmissionID != nil && *r.AdmissionID == id }
}

func byVisitorAndCategory(visitorID billing.VisitorID, category billing.Category) func(billing.Receipt) bool {
	return func(r billing.Receipt) bool { return r.VisitorID == visitorID && r.Category == category }
}

func sortReceipts(rs []billing.Receipt) {
	sort.Slice(rs, func(i, j int) bool {
		ni, _ := billing.ParseAny(rs[i].Number)
		nj, _ := billing.ParseAny(rs[j].Number)
		if ni != nj {
			return ni < nj
		}
		return rs[i].Number < rs[j].Number
	})
}

func copyInvoice(inv billing.Invoice) billing.Invoice {
	inv.ReceiptNumbers = billing.NewNumberSet(inv.ReceiptNumbers...)
	return inv
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		receipts: make(map[billing.ReceiptID]billing.Receipt, len(tm.receipts)),
		invoices: make(map[billing.InvoiceID]billing.Invoice, len(tm.invoices)),
	}
	for k, v := range tm.receipts {
		s.receipts[k] = v
	}
	for k, v := range tm.invoices {
		s.invoices[k] = copyInvoice(v)
	}
	return s
}

// restore rolls back receipts and invoices. Sequence counters keep their
// advanced values: a failed unit leaves a gap, never a reusable number.
func (tm *TxMemory) restore(s memorySnapshot) {
	tm.receipts = s.receipts
	tm.invoices = s.invoices
}

type memorySnapshot struct {
	receipts map[billing.ReceiptID]billing.Receipt
	invoices map[billing.InvoiceID]billing.Invoice
}

// txMemoryView runs inside WithTx with the parent lock already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) LoadReceipt(_ context.Context, id billing.ReceiptID) (*billing.Receipt, error) {
	return tv.parent.loadReceiptLocked(id)
}

func (tv *txMemoryView) ListReceipts(_ context.Context) ([]billing.Receipt, error) {
	return tv.parent.filterLocked(func(billing.Receipt) bool { return true }), nil
}

func (tv *txMemoryView) LoadReceiptsByAdmission(_ context.Context, admissionID billing.AdmissionID) ([]billing.Receipt, error) {
	return tv.parent.filterLocked(byAdmission(admissionID)), nil
}

func (tv *txMemoryView) LoadReceiptsByVisitorAndCategory(_ context.Context, visitorID billing.VisitorID, category billing.Category) ([]billing.Receipt, error) {
	return tv.parent.filterLocked(byVisitorAndCategory(visitorID, category)), nil
}

func (tv *txMemoryView) LoadInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return tv.parent.loadInvoiceLocked(id)
}

func (tv *txMemoryView) SaveReceipt(_ context.Context, r billing.Receipt) error {
	tv.parent.receipts[r.ID] = r
	return nil
}

func (tv *txMemoryView) DeleteReceipt(_ context.Context, id billing.ReceiptID) error {
	return tv.parent.deleteReceiptLocked(id)
}

func (tv *txMemoryView) LinkReceipt(_ context.Context, id billing.ReceiptID, invoiceID billing.InvoiceID) error {
	return tv.parent.linkReceiptLocked(id, invoiceID)
}

func (tv *txMemoryView) SaveInvoice(_ context.Context, inv billing.Invoice) error {
	tv.parent.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (tv *txMemoryView) NextSequenceValue(_ context.Context, counter string) (int64, error) {
	tv.parent.sequences[counter]++
	return tv.parent.sequences[counter], nil
}

func (tv *txMemoryView) LockScope(context.Context, string) error { return nil }
