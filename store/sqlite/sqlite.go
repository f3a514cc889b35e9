/*
Package sqlite provides a SQLite-backed implementation of the billing storage interfaces.

PURPOSE:
  Implements billing.TxStore, billing.Catalog and billing.AuditStore on one
  SQLite database. In production, the same patterns apply to PostgreSQL
  (see store/postgres) - only minor SQL dialect differences.

KEY TABLES:
  receipts:          One row per accepted payment, unique receipt_no
  invoices:          One row per invoice, unique invoice_no
  invoice_receipts:  The receipt-number set of each invoice (one row per member)
  sequences:         Named counters ("receipt", "invoice")
  courses, batches,
  admissions,
  admission_details: Read-only enrollment catalog (seeded for demos/tests)

SEQUENCES:
  NextSequenceValue is a single UPSERT ... RETURNING statement, so the
  increment and the read are one atomic step inside the caller's transaction.

CONCURRENCY:
  The pool is limited to one connection and WithTx holds the store mutex,
  so units of work in one process are serialized and LockScope is a no-op.
  Transactions start with BEGIN IMMEDIATE (_txlock=immediate); a second
  process writing the same file gets SQLITE_BUSY, which is reported as
  billing.ErrConcurrencyConflict and retried by the ledger.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewReceiptLedger(store, store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/receipt-ledger/billing"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" stays a single database and writers queue.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Receipts (one per accepted payment)
	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		receipt_no TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		admission_id INTEGER,
		visitor_id INTEGER NOT NULL,
		payable_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		invoice_id TEXT,
		full_payment BOOLEAN NOT NULL DEFAULT FALSE,
		create_invoice BOOLEAN NOT NULL DEFAULT FALSE,
		remarks TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_admission
		ON receipts(admission_id) WHERE admission_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_receipts_visitor_category
		ON receipts(visitor_id, category);
	CREATE INDEX IF NOT EXISTS idx_receipts_invoice
		ON receipts(invoice_id) WHERE invoice_id IS NOT NULL;

	-- Invoices
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_no TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		admission_id INTEGER,
		visitor_id INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Receipt-number set of each invoice
	CREATE TABLE IF NOT EXISTS invoice_receipts (
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		receipt_no TEXT NOT NULL,
		PRIMARY KEY (invoice_id, receipt_no)
	);

	-- Named counters
	CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Catalog (owned by enrollment; batch/course links may dangle)
	CREATE TABLE IF NOT EXISTS courses (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		fee TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batches (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		course_id INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admissions (
		id INTEGER PRIMARY KEY,
		admission_no TEXT NOT NULL UNIQUE,
		visitor_id INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admission_details (
		id INTEGER PRIMARY KEY,
		admission_id INTEGER NOT NULL REFERENCES admissions(id) ON DELETE CASCADE,
		batch_id INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_admission_details_admission
		ON admission_details(admission_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECEIPT / INVOICE STORE (billing.Store interface)
// =============================================================================

const receiptColumns = `id, receipt_no, category, admission_id, visitor_id, payable_amount,
	paid_amount, issued_at, invoice_id, full_payment, create_invoice, remarks`

// Receipt numbers share a prefix and are zero padded, so length then text
// is numeric order even past the padding width.
const receiptOrder = ` ORDER BY length(receipt_no), receipt_no`

func (s *Store) LoadReceipt(ctx context.Context, id billing.ReceiptID) (*billing.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadReceipt(ctx, s.db, id)
}

func (s *Store) ListReceipts(ctx context.Context) ([]billing.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryReceipts(ctx, s.db, "SELECT "+receiptColumns+" FROM receipts"+receiptOrder)
}

func (s *Store) LoadReceiptsByAdmission(ctx context.Context, admissionID billing.AdmissionID) ([]billing.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadReceiptsByAdmission(ctx, s.db, admissionID)
}

func (s *Store) LoadReceiptsByVisitorAndCategory(ctx context.Context, visitorID billing.VisitorID, category billing.Category) ([]billing.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadReceiptsByVisitorAndCategory(ctx, s.db, visitorID, category)
}

func (s *Store) LoadInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadInvoice(ctx, s.db, id)
}

func (s *Store) SaveReceipt(ctx context.Context, r billing.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveReceipt(ctx, s.db, r)
}

func (s *Store) DeleteReceipt(ctx context.Context, id billing.ReceiptID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteReceipt(ctx, s.db, id)
}

func (s *Store) LinkReceipt(ctx context.Context, id billing.ReceiptID, invoiceID billing.InvoiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return linkReceipt(ctx, s.db, id, invoiceID)
}

// SaveInvoice writes the invoice row and its receipt-number set atomically.
func (s *Store) SaveInvoice(ctx context.Context, inv billing.Invoice) error {
	return s.WithTx(ctx, func(tx billing.Store) error {
		return tx.SaveInvoice(ctx, inv)
	})
}

func (s *Store) NextSequenceValue(ctx context.Context, counter string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextSequenceValue(ctx, s.db, counter)
}

func (s *Store) LockScope(context.Context, string) error { return nil }

func loadReceipt(ctx context.Context, q queryer, id billing.ReceiptID) (*billing.Receipt, error) {
	rs, err := queryReceipts(ctx, q, "SELECT "+receiptColumns+" FROM receipts WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, billing.ErrReceiptNotFound
	}
	return &rs[0], nil
}

func loadReceiptsByAdmission(ctx context.Context, q queryer, admissionID billing.AdmissionID) ([]billing.Receipt, error) {
	return queryReceipts(ctx, q,
		"SELECT "+receiptColumns+" FROM receipts WHERE admission_id = ?"+receiptOrder,
		int64(admissionID))
}

func loadReceiptsByVisitorAndCategory(ctx context.Context, q queryer, visitorID billing.VisitorID, category billing.Category) ([]billing.Receipt, error) {
	return queryReceipts(ctx, q,
		"SELECT "+receiptColumns+" FROM receipts WHERE visitor_id = ? AND category = ?"+receiptOrder,
		int64(visitorID), string(category))
}

func saveReceipt(ctx context.Context, q queryer, r billing.Receipt) error {
	query := `
		INSERT INTO receipts (` + receiptColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payable_amount = excluded.payable_amount,
			paid_amount = excluded.paid_amount,
			invoice_id = excluded.invoice_id,
			remarks = excluded.remarks
	`
	_, err := q.ExecContext(ctx, query,
		string(r.ID),
		r.Number,
		string(r.Category),
		nullAdmission(r.AdmissionID),
		int64(r.VisitorID),
		r.PayableAmount.String(),
		r.PaidAmount.String(),
		r.IssuedAt.UTC().Format(time.RFC3339Nano),
		nullString(string(r.InvoiceID)),
		r.FullPayment,
		r.CreateInvoice,
		nullString(r.Remarks),
	)
	if err != nil {
		return classify("save receipt "+r.Number, err)
	}
	return nil
}

func deleteReceipt(ctx context.Context, q queryer, id billing.ReceiptID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM receipts WHERE id = ?", string(id))
	if err != nil {
		return classify("delete receipt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrReceiptNotFound
	}
	return nil
}

// linkReceipt sets invoice_id only on a receipt that is still unlinked.
func linkReceipt(ctx context.Context, q queryer, id billing.ReceiptID, invoiceID billing.InvoiceID) error {
	res, err := q.ExecContext(ctx,
		"UPDATE receipts SET invoice_id = ? WHERE id = ? AND invoice_id IS NULL",
		string(invoiceID), string(id))
	if err != nil {
		return classify("link receipt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link receipt %s: %w", id, billing.ErrConcurrencyConflict)
	}
	return nil
}

func queryReceipts(ctx context.Context, q queryer, query string, args ...any) ([]billing.Receipt, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query receipts", err)
	}
	defer rows.Close()

	var receipts []billing.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func scanReceipt(rows *sql.Rows) (billing.Receipt, error) {
	var (
		r           billing.Receipt
		id          string
		category    string
		admissionID sql.NullInt64
		visitorID   int64
		payable     string
		paid        string
		issuedAt    string
		invoiceID   sql.NullString
		remarks     sql.NullString
	)

	err := rows.Scan(
		&id, &r.Number, &category, &admissionID, &visitorID, &payable,
		&paid, &issuedAt, &invoiceID, &r.FullPayment, &r.CreateInvoice, &remarks,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan receipt: %w", err)
	}

	r.ID = billing.ReceiptID(id)
	r.Category = billing.Category(category)
	if admissionID.Valid {
		a := billing.AdmissionID(admissionID.Int64)
		r.AdmissionID = &a
	}
	r.VisitorID = billing.VisitorID(visitorID)
	if r.PayableAmount, err = decimal.NewFromString(payable); err != nil {
		return r, fmt.Errorf("receipt %s payable amount: %w", r.Number, err)
	}
	if r.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return r, fmt.Errorf("receipt %s paid amount: %w", r.Number, err)
	}
	if r.IssuedAt, err = time.Parse(time.RFC3339Nano, issuedAt); err != nil {
		return r, fmt.Errorf("receipt %s issued at: %w", r.Number, err)
	}
	r.InvoiceID = billing.InvoiceID(invoiceID.String)
	r.Remarks = remarks.String
	return r, nil
}

func loadInvoice(ctx context.Context, q queryer, id billing.InvoiceID) (*billing.Invoice, error) {
	var (
		inv         billing.Invoice
		category    string
		admissionID sql.NullInt64
		visitorID   int64
		createdAt   string
	)
	err := q.QueryRowContext(ctx,
		"SELECT invoice_no, category, admission_id, visitor_id, created_at FROM invoices WHERE id = ?",
		string(id),
	).Scan(&inv.Number, &category, &admissionID, &visitorID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, classify("load invoice", err)
	}

	inv.ID = id
	inv.Category = billing.Category(category)
	if admissionID.Valid {
		a := billing.AdmissionID(admissionID.Int64)
		inv.AdmissionID = &a
	}
	inv.VisitorID = billing.VisitorID(visitorID)
	if inv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("invoice %s created at: %w", inv.Number, err)
	}

	rows, err := q.QueryContext(ctx, "SELECT receipt_no FROM invoice_receipts WHERE invoice_id = ?", string(id))
	if err != nil {
		return nil, classify("load invoice receipts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan invoice receipt: %w", err)
		}
		inv.ReceiptNumbers = inv.ReceiptNumbers.Add(n)
	}
	return &inv, rows.Err()
}

func saveInvoice(ctx context.Context, q queryer, inv billing.Invoice) error {
	query := `
		INSERT INTO invoices (id, invoice_no, category, admission_id, visitor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err := q.ExecContext(ctx, query,
		string(inv.ID),
		inv.Number,
		string(inv.Category),
		nullAdmission(inv.AdmissionID),
		int64(inv.VisitorID),
		inv.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return classify("save invoice "+inv.Number, err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM invoice_receipts WHERE invoice_id = ?", string(inv.ID)); err != nil {
		return classify("save invoice "+inv.Number, err)
	}
	for _, n := range inv.ReceiptNumbers {
		if _, err := q.ExecContext(ctx,
			"INSERT INTO invoice_receipts (invoice_id, receipt_no) VALUES (?, ?)",
			string(inv.ID), n,
		); err != nil {
			return classify("save invoice "+inv.Number, err)
		}
	}
	return nil
}

func nextSequenceValue(ctx context.Context, q queryer, counter string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, counter).Scan(&v)
	if err != nil {
		return 0, classify("next "+counter+" number", err)
	}
	return v, nil
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LoadReceipt(ctx context.Context, id billing.ReceiptID) (*billing.Receipt, error) {
	return loadReceipt(ctx, ts.tx, id)
}

func (ts *txStore) ListReceipts(ctx context.Context) ([]billing.Receipt, error) {
	return queryReceipts(ctx, ts.tx, "SELECT "+receiptColumns+" FROM receipts"+receiptOrder)
}

func (ts *txStore) LoadReceiptsByAdmission(ctx context.Context, admissionID billing.AdmissionID) ([]billing.Receipt, error) {
	return loadReceiptsByAdmission(ctx, ts.tx, admissionID)
}

func (ts *txStore) LoadReceiptsByVisitorAndCategory(ctx context.Context, visitorID billing.VisitorID, category billing.Category) ([]billing.Receipt, error) {
	return loadReceiptsByVisitorAndCategory(ctx, ts.tx, visitorID, category)
}

func (ts *txStore) LoadInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return loadInvoice(ctx, ts.tx, id)
}

func (ts *txStore) SaveReceipt(ctx context.Context, r billing.Receipt) error {
	return saveReceipt(ctx, ts.tx, r)
}

func (ts *txStore) DeleteReceipt(ctx context.Context, id billing.ReceiptID) error {
	return deleteReceipt(ctx, ts.tx, id)
}

func (ts *txStore) LinkReceipt(ctx context.Context, id billing.ReceiptID, invoiceID billing.InvoiceID) error {
	return linkReceipt(ctx, ts.tx, id, invoiceID)
}

func (ts *txStore) SaveInvoice(ctx context.Context, inv billing.Invoice) error {
	return saveInvoice(ctx, ts.tx, inv)
}

func (ts *txStore) NextSequenceValue(ctx context.Context, counter string) (int64, error) {
	return nextSequenceValue(ctx, ts.tx, counter)
}

func (ts *txStore) LockScope(context.Context, string) error { return nil }

// =============================================================================
// AUDIT STORE (billing.AuditStore interface)
// =============================================================================

// FindDuplicateRegistrationInvoices lists visitors whose registration-fee
// receipts are linked to more than one registration-fee invoice.
func (s *Store) FindDuplicateRegistrationInvoices(ctx context.Context) ([]billing.DuplicateRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT r.visitor_id, i.invoice_no
		FROM receipts r
		JOIN invoices i ON i.id = r.invoice_id
		WHERE r.category = ? AND i.category = ?
		  AND r.visitor_id IN (
			SELECT r2.visitor_id
			FROM receipts r2
			JOIN invoices i2 ON i2.id = r2.invoice_id
			WHERE r2.category = ? AND i2.category = ?
			GROUP BY r2.visitor_id
			HAVING COUNT(DISTINCT i2.id) > 1
		  )
	`, billing.CategoryRegistrationFee, billing.CategoryRegistrationFee,
		billing.CategoryRegistrationFee, billing.CategoryRegistrationFee)
	if err != nil {
		return nil, classify("audit registration invoices", err)
	}
	defer rows.Close()

	perVisitor := make(map[billing.VisitorID]billing.NumberSet)
	for rows.Next() {
		var (
			visitorID int64
			invoiceNo string
		)
		if err := rows.Scan(&visitorID, &invoiceNo); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		v := billing.VisitorID(visitorID)
		perVisitor[v] = perVisitor[v].Add(invoiceNo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]billing.DuplicateRegistration, 0, len(perVisitor))
	for v, numbers := range perVisitor {
		out = append(out, billing.DuplicateRegistration{VisitorID: v, InvoiceNumbers: numbers.Strings()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitorID < out[j].VisitorID })
	return out, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"invoice_receipts", "receipts", "invoices", "sequences",
		"admission_details", "admissions", "batches", "courses",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullAdmission(id *billing.AdmissionID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

// classify maps SQLite failures onto the billing error taxonomy: lock
// contention and unique-number collisions are retryable conflicts,
// everything else means the store is unavailable.
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return billing.Conflict(op, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return billing.Conflict(op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return billing.Unavailable(op, err)
}
