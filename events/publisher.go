/*
Package events publishes receipt and invoice changes after they commit.

PURPOSE:
  Downstream systems (notifications, accounting exports) learn about new
  receipts and invoices without polling the ledger. Publishing happens
  after the database commit; a failed publish never undoes a receipt.

EVENT TYPES:
  receipt.submitted   a receipt was accepted
  invoice.created     a new invoice number was allocated
  invoice.extended    an existing invoice gained a receipt number

IMPLEMENTATIONS:
  - KafkaPublisher: segmentio/kafka-go writer, keyed by scope
  - Nop: discards events (default)
  - MockPublisher: gomock double for tests
*/
package events

//go:generate mockgen -source=publisher.go -destination=mock_publisher.go -package=events

import (
	"context"
	"time"
)

type Type string

const (
	ReceiptSubmitted Type = "receipt.submitted"
	InvoiceCreated   Type = "invoice.created"
	InvoiceExtended  Type = "invoice.extended"
)

// Event is the wire shape of a ledger change. Amounts are decimal strings.
type Event struct {
	Type           Type      `json:"type"`
	Key            string    `json:"key"` // reconciliation scope, used as partition key
	ReceiptNumber  string    `json:"receipt_number,omitempty"`
	InvoiceNumber  string    `json:"invoice_number,omitempty"`
	Category       string    `json:"category,omitempty"`
	AdmissionID    *int64    `json:"admission_id,omitempty"`
	VisitorID      int64     `json:"visitor_id,omitempty"`
	PaidAmount     string    `json:"paid_amount,omitempty"`
	ReceiptNumbers []string  `json:"receipt_numbers,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
