/*
ledger.go - ReceiptLedger, the public entry point of the engine

PURPOSE:
  Accepts new receipts and answers balance and lookup queries. It composes
  the PaymentValidator, the SequenceAllocator, the InvoiceAggregator and
  the BalanceCalculator; none of them is used directly by callers.

SUBMISSION FLOW:
  1. Normalize the draft (canonical category, currency rounding)
  2. PaymentValidator (amount rules, duplicate registration invoice)
  3. Resolve the admission through the Catalog (UnknownAdmission)
  4. In one atomic unit:
     a. re-check the registration rule under the visitor scope lock
     b. allocate MRN-NNNNNN
     c. reconcile the invoice when FullPayment or CreateInvoice is set
     d. persist the invoice, newly linked receipts and the new receipt
  5. Publish events and return the stored receipt

RETRIES:
  ErrConcurrencyConflict from the atomic unit is retried up to MaxAttempts
  times with exponential backoff. Validation, storage and identifier
  errors are returned on the first occurrence. A retried unit may leave a
  gap in the receipt counter; it never reuses a number.

ADMINISTRATIVE CHANGES:
  UpdateReceipt and RemoveReceipt only touch receipts that are not linked
  to an invoice. Invoiced receipts return ErrReceiptInvoiced.

SEE ALSO:
  - validator.go, invoice.go, balance.go, sequence.go
  - store.go: TxStore and Catalog contracts
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/receipt-ledger/events"
)

// DefaultMaxAttempts bounds how often a conflicting unit of work is tried.
const DefaultMaxAttempts = 3

// =============================================================================
// RECEIPT LEDGER
// =============================================================================

// ReceiptLedger orchestrates receipt acceptance and reconciliation.
type ReceiptLedger struct {
	store     TxStore
	catalog   Catalog
	sequences SequenceAllocator // nil: allocate from the store inside the unit
	validator PaymentValidator
	invoices  InvoiceAggregator
	balances  BalanceCalculator
	publisher events.Publisher
	logger    *zap.Logger

	maxAttempts   int
	retryInterval time.Duration
	now           func() time.Time
}

// Option configures a ReceiptLedger.
type Option func(*ReceiptLedger)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *ReceiptLedger) { l.logger = logger }
}

// WithSequenceAllocator allocates numbers outside the store, e.g. from Redis.
func WithSequenceAllocator(a SequenceAllocator) Option {
	return func(l *ReceiptLedger) { l.sequences = a }
}

// WithPublisher sets the post-commit event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(l *ReceiptLedger) { l.publisher = p }
}

// WithMaxAttempts bounds conflict retries. Values below 1 mean 1.
func WithMaxAttempts(n int) Option {
	return func(l *ReceiptLedger) {
		if n < 1 {
			n = 1
		}
		l.maxAttempts = n
	}
}

// WithRetryInterval sets the initial backoff between conflict retries.
func WithRetryInterval(d time.Duration) Option {
	return func(l *ReceiptLedger) { l.retryInterval = d }
}

// WithClock overrides the time source for issue and creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *ReceiptLedger) {
		l.now = now
		l.invoices.Now = now
	}
}

// NewReceiptLedger creates a ledger over store and catalog.
func NewReceiptLedger(store TxStore, catalog Catalog, opts ...Option) *ReceiptLedger {
	l := &ReceiptLedger{
		store:         store,
		catalog:       catalog,
		balances:      BalanceCalculator{Store: store, Catalog: catalog},
		publisher:     events.Nop{},
		logger:        zap.NewNop(),
		maxAttempts:   DefaultMaxAttempts,
		retryInterval: 10 * time.Millisecond,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitReceipt validates, numbers, reconciles and persists a new receipt.
func (l *ReceiptLedger) SubmitReceipt(ctx context.Context, d Draft) (*Receipt, error) {
	start := time.Now()
	d = d.normalized()

	receipt, rec, attempts, err := l.submit(ctx, d)
	submitDuration.Observe(time.Since(start).Seconds())
	receiptsSubmitted.WithLabelValues(categoryLabel(d.Category), statusLabel(err)).Inc()
	if err != nil {
		l.logger.Info("receipt rejected",
			zap.String("category", string(d.Category)),
			zap.Int64("visitor_id", int64(d.VisitorID)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return nil, err
	}

	fields := []zap.Field{
		zap.String("receipt_no", receipt.Number),
		zap.String("category", string(receipt.Category)),
		zap.Int64("visitor_id", int64(receipt.VisitorID)),
		zap.Int("attempts", attempts),
	}
	if receipt.AdmissionID != nil {
		fields = append(fields, zap.Int64("admission_id", int64(*receipt.AdmissionID)))
	}
	if rec != nil {
		fields = append(fields,
			zap.String("invoice_no", rec.Invoice.Number),
			zap.Bool("invoice_created", rec.Created),
			zap.Int("invoice_receipts", rec.Invoice.ReceiptNumbers.Len()),
		)
	}
	l.logger.Info("receipt accepted", fields...)

	l.publish(ctx, *receipt, rec)
	return receipt, nil
}

func (l *ReceiptLedger) submit(ctx context.Context, d Draft) (*Receipt, *Reconciliation, int, error) {
	if err := l.validator.Validate(ctx, d, l.store); err != nil {
		return nil, nil, 0, err
	}
	if d.AdmissionID != nil {
		if _, err := l.catalog.LoadAdmissionByID(ctx, *d.AdmissionID); err != nil {
			if errors.Is(err, ErrAdmissionNotFound) {
				return nil, nil, 0, &UnknownAdmissionError{AdmissionID: *d.AdmissionID}
			}
			return nil, nil, 0, fmt.Errorf("resolve admission %d: %w", *d.AdmissionID, err)
		}
	}

	var (
		receipt Receipt
		rec     *Reconciliation
	)
	attempts, err := l.atomically(ctx, func(tx Store) error {
		rec = nil
		if d.Category.IsRegistrationFee() && d.CreateInvoice && d.VisitorID > 0 {
			key := fmt.Sprintf("registration:%d", d.VisitorID)
			if err := tx.LockScope(ctx, key); err != nil {
				return fmt.Errorf("lock %s: %w", key, err)
			}
			if err := l.validator.Validate(ctx, d, tx); err != nil {
				return err
			}
		}

		numbers := l.numberer(tx)
		number, err := numbers.Next(ctx, ReceiptNumbers)
		if err != nil {
			return err
		}
		receipt = Receipt{
			ID:            ReceiptID(uuid.NewString()),
			Number:        number,
			Category:      d.Category,
			AdmissionID:   d.AdmissionID,
			VisitorID:     d.VisitorID,
			PayableAmount: d.PayableAmount,
			PaidAmount:    d.PaidAmount,
			IssuedAt:      l.now(),
			FullPayment:   d.FullPayment,
			CreateInvoice: d.CreateInvoice,
			Remarks:       d.Remarks,
		}

		if d.RequestsInvoice() {
			rec, err = l.invoices.Reconcile(ctx, tx, numbers, &receipt)
			if err != nil {
				return err
			}
			if err := tx.SaveInvoice(ctx, rec.Invoice); err != nil {
				return err
			}
			for _, linked := range rec.Linked {
				if err := tx.LinkReceipt(ctx, linked.ID, rec.Invoice.ID); err != nil {
					return err
				}
			}
		}
		return tx.SaveReceipt(ctx, receipt)
	})
	if err != nil {
		if IsRetryable(err) {
			err = fmt.Errorf("submit receipt after %d attempts: %w", attempts, err)
		}
		return nil, nil, attempts, err
	}
	if rec != nil {
		outcome := "extended"
		if rec.Created {
			outcome = "created"
		}
		invoicesReconciled.WithLabelValues(outcome).Inc()
	}
	return &receipt, rec, attempts, nil
}

// atomically runs fn in a unit of work, retrying concurrency conflicts.
func (l *ReceiptLedger) atomically(ctx context.Context, fn func(Store) error) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := l.store.WithTx(ctx, fn)
		switch {
		case err == nil:
			return nil
		case IsRetryable(err):
			if attempts < l.maxAttempts {
				conflictRetries.Inc()
			}
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.retryInterval
	policy.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(l.maxAttempts-1)), ctx))
	return attempts, err
}

func (l *ReceiptLedger) numberer(tx Store) Numberer {
	if l.sequences != nil {
		return Numberer{Allocator: l.sequences}
	}
	return Numberer{Allocator: StoreAllocator{Store: tx}}
}

func (l *ReceiptLedger) publish(ctx context.Context, r Receipt, rec *Reconciliation) {
	key := ScopeKey(r)
	var admissionID *int64
	if r.AdmissionID != nil {
		id := int64(*r.AdmissionID)
		admissionID = &id
	}
	evs := []events.Event{{
		Type:          events.ReceiptSubmitted,
		Key:           key,
		ReceiptNumber: r.Number,
		Category:      string(r.Category),
		AdmissionID:   admissionID,
		VisitorID:     int64(r.VisitorID),
		PaidAmount:    r.PaidAmount.StringFixed(CurrencyPlaces),
		OccurredAt:    r.IssuedAt,
	}}
	if rec != nil {
		typ := events.InvoiceExtended
		if rec.Created {
			typ = events.InvoiceCreated
		}
		evs[0].InvoiceNumber = rec.Invoice.Number
		evs = append(evs, events.Event{
			Type:           typ,
			Key:            key,
			ReceiptNumber:  r.Number,
			InvoiceNumber:  rec.Invoice.Number,
			Category:       string(rec.Invoice.Category),
			AdmissionID:    admissionID,
			VisitorID:      int64(rec.Invoice.VisitorID),
			ReceiptNumbers: rec.Invoice.ReceiptNumbers.Strings(),
			OccurredAt:     r.IssuedAt,
		})
	}
	if err := l.publisher.Publish(ctx, evs...); err != nil {
		l.logger.Warn("publish receipt events", zap.String("receipt_no", r.Number), zap.Error(err))
	}
}

// =============================================================================
// ADMINISTRATIVE CORRECTIONS
// =============================================================================

// UpdateReceipt corrects the amounts or remarks of a receipt that is not
// linked to an invoice. Amount rules are re-applied.
func (l *ReceiptLedger) UpdateReceipt(ctx context.Context, id ReceiptID, u ReceiptUpdate) (*Receipt, error) {
	var updated Receipt
	_, err := l.atomically(ctx, func(tx Store) error {
		r, err := lockReceipt(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.IsInvoiced() {
			return fmt.Errorf("update %s: %w", r.Number, ErrReceiptInvoiced)
		}
		if u.PayableAmount != nil {
			r.PayableAmount = u.PayableAmount.Round(CurrencyPlaces)
		}
		if u.PaidAmount != nil {
			r.PaidAmount = u.PaidAmount.Round(CurrencyPlaces)
		}
		if u.Remarks != nil {
			r.Remarks = *u.Remarks
		}
		if err := ValidateAmounts(r.Category, r.AdmissionID, r.PayableAmount, r.PaidAmount); err != nil {
			return err
		}
		updated = *r
		return tx.SaveReceipt(ctx, *r)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("receipt corrected", zap.String("receipt_no", updated.Number))
	return &updated, nil
}

// RemoveReceipt deletes a receipt that is not linked to an invoice.
func (l *ReceiptLedger) RemoveReceipt(ctx context.Context, id ReceiptID) error {
	var number string
	_, err := l.atomically(ctx, func(tx Store) error {
		r, err := lockReceipt(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.IsInvoiced() {
			return fmt.Errorf("remove %s: %w", r.Number, ErrReceiptInvoiced)
		}
		number = r.Number
		return tx.DeleteReceipt(ctx, id)
	})
	if err != nil {
		return err
	}
	l.logger.Info("receipt removed", zap.String("receipt_no", number))
	return nil
}

// lockReceipt takes the reconciliation scope of a receipt and returns it as
// seen under that lock, so a correction cannot interleave with invoicing.
func lockReceipt(ctx context.Context, tx Store, id ReceiptID) (*Receipt, error) {
	r, err := tx.LoadReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	key := ScopeKey(*r)
	if err := tx.LockScope(ctx, key); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return tx.LoadReceipt(ctx, id)
}

// =============================================================================
// QUERIES
// =============================================================================

// GetReceipt returns a receipt by id.
func (l *ReceiptLedger) GetReceipt(ctx context.Context, id ReceiptID) (*Receipt, error) {
	return l.store.LoadReceipt(ctx, id)
}

// ListReceipts returns every receipt.
func (l *ReceiptLedger) ListReceipts(ctx context.Context) ([]Receipt, error) {
	return l.store.ListReceipts(ctx)
}

// GetInvoice returns an invoice with its receipt-number set.
func (l *ReceiptLedger) GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error) {
	return l.store.LoadInvoice(ctx, id)
}

// ComputeBalance returns the payable position of an admission.
func (l *ReceiptLedger) ComputeBalance(ctx context.Context, admissionNo string) (*Balance, error) {
	return l.balances.ComputeBalance(ctx, admissionNo)
}

// TotalContracted returns the summed course fee of an admission.
func (l *ReceiptLedger) TotalContracted(ctx context.Context, admissionNo string) (decimal.Decimal, error) {
	return l.balances.TotalContracted(ctx, admissionNo)
}

// ListInvoiceNumbers returns the invoice numbers reachable from an admission.
func (l *ReceiptLedger) ListInvoiceNumbers(ctx context.Context, admissionNo string) ([]string, error) {
	return l.balances.ListInvoiceNumbers(ctx, admissionNo)
}
