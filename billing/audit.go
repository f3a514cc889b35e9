/*
audit.go - After-the-fact detection of duplicate registration invoices

PURPOSE:
  The registration-invoice rule is checked with normal transaction
  isolation, so a rare race can still leave a visitor with two
  registration-fee invoices. The auditor finds such visitors periodically
  and reports them (log + gauge). Correction is an administrative task.

USAGE:
  auditor := billing.NewDuplicateAuditor(store, logger)
  auditor.CheckInterval = 15 * time.Minute
  auditor.Start()
  defer auditor.Stop()
*/
package billing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DuplicateAuditor periodically scans for visitors with more than one
// registration-fee invoice.
type DuplicateAuditor struct {
	Store         AuditStore
	CheckInterval time.Duration

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDuplicateAuditor creates an auditor with a one hour interval.
func NewDuplicateAuditor(store AuditStore, logger *zap.Logger) *DuplicateAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DuplicateAuditor{
		Store:         store,
		CheckInterval: time.Hour,
		logger:        logger,
	}
}

// Start begins periodic scanning. Calling Start twice is a no-op.
func (a *DuplicateAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker != nil {
		return
	}
	a.ticker = time.NewTicker(a.CheckInterval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run(a.ticker, a.stop)

	a.logger.Info("duplicate registration auditor started", zap.Duration("interval", a.CheckInterval))
}

// Stop ends scanning and waits for an in-flight scan.
func (a *DuplicateAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.logger.Info("duplicate registration auditor stopped")
}

func (a *DuplicateAuditor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	a.Check(ctx)
	for {
		select {
		case <-ticker.C:
			a.Check(ctx)
		case <-stop:
			return
		}
	}
}

// Check runs one scan and returns what it found.
func (a *DuplicateAuditor) Check(ctx context.Context) ([]DuplicateRegistration, error) {
	found, err := a.Store.FindDuplicateRegistrationInvoices(ctx)
	if err != nil {
		a.logger.Error("duplicate registration audit failed", zap.Error(err))
		return nil, err
	}
	duplicateRegistrations.Set(float64(len(found)))
	for _, d := range found {
		a.logger.Warn("visitor has multiple registration fee invoices",
			zap.Int64("visitor_id", int64(d.VisitorID)),
			zap.Strings("invoice_numbers", d.InvoiceNumbers),
		)
	}
	return found, nil
}
