/*
store.go - Persistence interfaces for receipts, invoices and catalog reads

PURPOSE:
  Defines the boundary between the reconciliation engine and the database.
  The engine never opens connections itself; it asks a Store for records
  and writes through a Store handed to it inside an atomic unit.

KEY INTERFACES:
  Store:   Receipt/invoice reads and writes, sequence counters, scope locks
  TxStore: Store plus WithTx for all-or-nothing units of work
  Catalog: Read-only admission lookups (owned by the enrollment subsystem)

ATOMIC UNITS:
  SubmitReceipt runs validation, numbering, reconciliation and persistence
  inside one WithTx call. If fn returns an error nothing is written.

SCOPE LOCKS:
  LockScope serializes the "find existing invoice or create one" decision
  for one admission (or one visitor's registration fee). Stores that already
  serialize every transaction may implement it as a no-op.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite via database/sql
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package billing

import "context"

// =============================================================================
// STORE - Receipt and invoice persistence
// =============================================================================

// Store handles persistence of receipts, invoices and sequence counters.
type Store interface {
	// LoadReceipt returns ErrReceiptNotFound when id does not exist.
	LoadReceipt(ctx context.Context, id ReceiptID) (*Receipt, error)

	// ListReceipts returns every receipt ordered by receipt number.
	ListReceipts(ctx context.Context) ([]Receipt, error)

	// LoadReceiptsByAdmission returns the admission's receipts ordered by number.
	LoadReceiptsByAdmission(ctx context.Context, admissionID AdmissionID) ([]Receipt, error)

	// LoadReceiptsByVisitorAndCategory returns the visitor's receipts of one category.
	LoadReceiptsByVisitorAndCategory(ctx context.Context, visitorID VisitorID, category Category) ([]Receipt, error)

	// LoadInvoice returns ErrInvoiceNotFound when id does not exist.
	LoadInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	// SaveReceipt inserts or replaces a receipt.
	SaveReceipt(ctx context.Context, r Receipt) error

	// LinkReceipt sets the invoice of a receipt that has none. It returns
	// ErrConcurrencyConflict when the receipt is gone or already linked.
	LinkReceipt(ctx context.Context, id ReceiptID, invoiceID InvoiceID) error

	// DeleteReceipt removes a receipt. Used only by administrative removal.
	DeleteReceipt(ctx context.Context, id ReceiptID) error

	// SaveInvoice inserts or replaces an invoice and its receipt-number set.
	SaveInvoice(ctx context.Context, inv Invoice) error

	// NextSequenceValue atomically increments and returns the named counter.
	NextSequenceValue(ctx context.Context, counter string) (int64, error)

	// LockScope serializes reconciliation for key until the unit ends.
	LockScope(ctx context.Context, key string) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// CATALOG - Read-only enrollment records
// =============================================================================

// Catalog resolves admissions with their detail lines, batches and courses
// fully populated.
type Catalog interface {
	// LoadAdmission returns ErrAdmissionNotFound for an unknown number.
	LoadAdmission(ctx context.Context, admissionNo string) (*Admission, error)

	// LoadAdmissionByID returns ErrAdmissionNotFound for an unknown id.
	LoadAdmissionByID(ctx context.Context, id AdmissionID) (*Admission, error)
}

// =============================================================================
// AUDIT - After-the-fact detection of registration invoice races
// =============================================================================

// DuplicateRegistration is a visitor holding more than one registration-fee invoice.
type DuplicateRegistration struct {
	VisitorID      VisitorID
	InvoiceNumbers []string
}

// AuditStore lists visitors whose registration-fee receipts reach more than
// one invoice.
type AuditStore interface {
	FindDuplicateRegistrationInvoices(ctx context.Context) ([]DuplicateRegistration, error)
}
