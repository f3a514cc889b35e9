/*
Package postgres provides a PostgreSQL implementation of the billing storage interfaces.

PURPOSE:
  Same contract as store/sqlite, for deployments where several ledger
  processes share one database. Uses pgx/v5 with a connection pool.

CONCURRENCY:
  Units of work run at READ COMMITTED. LockScope takes a transaction-scoped
  advisory lock on the scope key, so two processes reconciling the same
  admission queue up instead of both creating an invoice. Serialization
  failures, deadlocks and unique violations on receipt/invoice numbers are
  reported as billing.ErrConcurrencyConflict and retried by the ledger.

SEQUENCES:
  NextSequenceValue is one UPSERT ... RETURNING statement. The row lock it
  takes is held until the surrounding transaction ends, so numbers are
  handed out in commit order within a counter.

SEE ALSO:
  - billing/store.go: Interface definitions
  - store/sqlite: Single-process implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/receipt-ledger/billing"
)

// PoolConfig tunes the connection pool. Zero values keep pgx defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn implements billing.Store over any querier. The pool-backed Store and
// the transaction view share it.
type conn struct {
	q querier
}

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	conn
	pool *pgxpool.Pool
}

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string, cfg PoolConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, billing.Unavailable("ping", err)
	}

	store := &Store{conn: conn{q: pool}, pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		receipt_no TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		admission_id BIGINT,
		visitor_id BIGINT NOT NULL,
		payable_amount NUMERIC(14,2) NOT NULL,
		paid_amount NUMERIC(14,2) NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
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

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_no TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		admission_id BIGINT,
		visitor_id BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoice_receipts (
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		receipt_no TEXT NOT NULL,
		PRIMARY KEY (invoice_id, receipt_no)
	);

	CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS courses (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		fee NUMERIC(14,2) NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batches (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		course_id BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admissions (
		id BIGINT PRIMARY KEY,
		admission_no TEXT NOT NULL UNIQUE,
		visitor_id BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admission_details (
		id BIGINT PRIMARY KEY,
		admission_id BIGINT NOT NULL REFERENCES admissions(id) ON DELETE CASCADE,
		batch_id BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_admission_details_admission
		ON admission_details(admission_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// SaveInvoice writes the invoice row and its receipt-number set atomically.
func (s *Store) SaveInvoice(ctx context.Context, inv billing.Invoice) error {
	return s.WithTx(ctx, func(tx billing.Store) error {
		return tx.SaveInvoice(ctx, inv)
	})
}

// =============================================================================
// RECEIPT / INVOICE STORE (billing.Store interface)
// =============================================================================

const receiptColumns = `id, receipt_no, category, admission_id, visitor_id, payable_amount::text,
	paid_amount::text, issued_at, invoice_id, full_payment, create_invoice, remarks`

const receiptOrder = ` ORDER BY length(receipt_no), receipt_no`

func (c *conn) LoadReceipt(ctx context.Context, id billing.ReceiptID) (*billing.Receipt, error) {
	rs, err := c.queryReceipts(ctx, "SELECT "+receiptColumns+" FROM receipts WHERE id = $1", string(id))
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, billing.ErrReceiptNotFound
	}
	return &rs[0], nil
}

func (c *conn) ListReceipts(ctx context.Context) ([]billing.Receipt, error) {
	return c.queryReceipts(ctx, "SELECT "+receiptColumns+" FROM receipts"+receiptOrder)
}

func (c *conn) LoadReceiptsByAdmission(ctx context.Context, admissionID billing.AdmissionID) ([]billing.Receipt, error) {
	return c.queryReceipts(ctx,
		"SELECT "+receiptColumns+" FROM receipts WHERE admission_id = $1"+receiptOrder,
		int64(admissionID))
}

func (c *conn) LoadReceiptsByVisitorAndCategory(ctx context.Context, visitorID billing.VisitorID, category billing.Category) ([]billing.Receipt, error) {
	return c.queryReceipts(ctx,
		"SELECT "+receiptColumns+" FROM receipts WHERE visitor_id = $1 AND category = $2"+receiptOrder,
		int64(visitorID), string(category))
}

func (c *conn) SaveReceipt(ctx context.Context, r billing.Receipt) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO receipts (id, receipt_no, category, admission_id, visitor_id, payable_amount,
			paid_amount, issued_at, invoice_id, full_payment, create_invoice, remarks)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			payable_amount = EXCLUDED.payable_amount,
			paid_amount = EXCLUDED.paid_amount,
			invoice_id = EXCLUDED.invoice_id,
			remarks = EXCLUDED.remarks
	`,
		string(r.ID),
		r.Number,
		string(r.Category),
		admissionParam(r.AdmissionID),
		int64(r.VisitorID),
		r.PayableAmount.StringFixed(billing.CurrencyPlaces),
		r.PaidAmount.StringFixed(billing.CurrencyPlaces),
		r.IssuedAt.UTC(),
		textParam(string(r.InvoiceID)),
		r.FullPayment,
		r.CreateInvoice,
		textParam(r.Remarks),
	)
	if err != nil {
		return classify("save receipt "+r.Number, err)
	}
	return nil
}

func (c *conn) DeleteReceipt(ctx context.Context, id billing.ReceiptID) error {
	tag, err := c.q.Exec(ctx, "DELETE FROM receipts WHERE id = $1", string(id))
	if err != nil {
		return classify("delete receipt", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrReceiptNotFound
	}
	return nil
}

// LinkReceipt sets invoice_id only while the receipt is still unlinked. A
// receipt removed or linked by a concurrent unit reports a conflict.
func (c *conn) LinkReceipt(ctx context.Context, id billing.ReceiptID, invoiceID billing.InvoiceID) error {
	tag, err := c.q.Exec(ctx,
		"UPDATE receipts SET invoice_id = $1 WHERE id = $2 AND invoice_id IS NULL",
		string(invoiceID), string(id))
	if err != nil {
		return classify("link receipt", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link receipt %s: %w", id, billing.ErrConcurrencyConflict)
	}
	return nil
}

func (c *conn) LoadInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	var (
		inv         billing.Invoice
		category    string
		admissionID *int64
		visitorID   int64
	)
	err := c.q.QueryRow(ctx,
		"SELECT invoice_no, category, admission_id, visitor_id, created_at FROM invoices WHERE id = $1",
		string(id),
	).Scan(&inv.Number, &category, &admissionID, &visitorID, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, classify("load invoice", err)
	}
	inv.ID = id
	inv.Category = billing.Category(category)
	inv.AdmissionID = admissionFromParam(admissionID)
	inv.VisitorID = billing.VisitorID(visitorID)

	rows, err := c.q.Query(ctx, "SELECT receipt_no FROM invoice_receipts WHERE invoice_id = $1", string(id))
	if err != nil {
		return nil, classify("load invoice receipts", err)
	}
	numbers, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("load invoice receipts", err)
	}
	inv.ReceiptNumbers = billing.NewNumberSet(numbers...)
	return &inv, nil
}

func (c *conn) SaveInvoice(ctx context.Context, inv billing.Invoice) error {
	if _, err := c.q.Exec(ctx, `
		INSERT INTO invoices (id, invoice_no, category, admission_id, visitor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`,
		string(inv.ID),
		inv.Number,
		string(inv.Category),
		admissionParam(inv.AdmissionID),
		int64(inv.VisitorID),
		inv.CreatedAt.UTC(),
	); err != nil {
		return classify("save invoice "+inv.Number, err)
	}

	// The set only grows; members already present are left alone.
	if _, err := c.q.Exec(ctx, `
		INSERT INTO invoice_receipts (invoice_id, receipt_no)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING
	`, string(inv.ID), inv.ReceiptNumbers.Strings()); err != nil {
		return classify("save invoice "+inv.Number, err)
	}
	return nil
}

func (c *conn) NextSequenceValue(ctx context.Context, counter string) (int64, error) {
	var v int64
	err := c.q.QueryRow(ctx, `
		INSERT INTO sequences (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
		RETURNING value
	`, counter).Scan(&v)
	if err != nil {
		return 0, classify("next "+counter+" number", err)
	}
	return v, nil
}

// LockScope takes a transaction-scoped advisory lock on key. Outside a
// transaction the lock is released as soon as the statement ends.
func (c *conn) LockScope(ctx context.Context, key string) error {
	if _, err := c.q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
		return classify("lock "+key, err)
	}
	return nil
}

func (c *conn) queryReceipts(ctx context.Context, query string, args ...any) ([]billing.Receipt, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query receipts", err)
	}
	receipts, err := pgx.CollectRows(rows, scanReceipt)
	if err != nil {
		return nil, classify("query receipts", err)
	}
	return receipts, nil
}

func scanReceipt(row pgx.CollectableRow) (billing.Receipt, error) {
	var (
		r           billing.Receipt
		id          string
		category    string
		admissionID *int64
		visitorID   int64
		payable     string
		paid        string
		invoiceID   *string
		remarks     *string
	)
	err := row.Scan(
		&id, &r.Number, &category, &admissionID, &visitorID, &payable,
		&paid, &r.IssuedAt, &invoiceID, &r.FullPayment, &r.CreateInvoice, &remarks,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan receipt: %w", err)
	}
	r.ID = billing.ReceiptID(id)
	r.Category = billing.Category(category)
	r.AdmissionID = admissionFromParam(admissionID)
	r.VisitorID = billing.VisitorID(visitorID)
	if r.PayableAmount, err = decimal.NewFromString(payable); err != nil {
		return r, fmt.Errorf("receipt %s payable amount: %w", r.Number, err)
	}
	if r.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return r, fmt.Errorf("receipt %s paid amount: %w", r.Number, err)
	}
	if invoiceID != nil {
		r.InvoiceID = billing.InvoiceID(*invoiceID)
	}
	if remarks != nil {
		r.Remarks = *remarks
	}
	return r, nil
}

// =============================================================================
// AUDIT STORE (billing.AuditStore interface)
// =============================================================================

// FindDuplicateRegistrationInvoices lists visitors whose registration-fee
// receipts are linked to more than one registration-fee invoice.
func (s *Store) FindDuplicateRegistrationInvoices(ctx context.Context) ([]billing.DuplicateRegistration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.visitor_id, array_agg(DISTINCT i.invoice_no)
		FROM receipts r
		JOIN invoices i ON i.id = r.invoice_id
		WHERE r.category = $1 AND i.category = $1
		GROUP BY r.visitor_id
		HAVING COUNT(DISTINCT i.id) > 1
		ORDER BY r.visitor_id
	`, string(billing.CategoryRegistrationFee))
	if err != nil {
		return nil, classify("audit registration invoices", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.DuplicateRegistration, error) {
		var (
			visitorID int64
			numbers   []string
		)
		if err := row.Scan(&visitorID, &numbers); err != nil {
			return billing.DuplicateRegistration{}, err
		}
		return billing.DuplicateRegistration{
			VisitorID:      billing.VisitorID(visitorID),
			InvoiceNumbers: billing.NewNumberSet(numbers...).Strings(),
		}, nil
	})
	if err != nil {
		return nil, classify("audit registration invoices", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitorID < out[j].VisitorID })
	return out, nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE invoice_receipts, receipts, invoices, sequences,
		admission_details, admissions, batches, courses`)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func admissionParam(id *billing.AdmissionID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func admissionFromParam(v *int64) *billing.AdmissionID {
	if v == nil {
		return nil
	}
	id := billing.AdmissionID(*v)
	return &id
}

func textParam(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SQLSTATE codes treated as a lost race.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
	uniqueViolation      = "23505"
	lockNotAvailable     = "55P03"
)

// classify maps PostgreSQL failures onto the billing error taxonomy.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case serializationFailure, deadlockDetected, uniqueViolation, lockNotAvailable:
			return billing.Conflict(op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return billing.Unavailable(op, err)
}
