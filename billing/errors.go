/*
errors.go - Centralized error types for the reconciliation engine

ERROR CATEGORIES:
  1. Validation errors - Caller input errors, never retried
     (InvalidPayable, OverPayment, DuplicateRegistrationInvoice, UnknownAdmission)
  2. Identifier errors - MalformedIdentifier, fatal to the current operation
  3. Store errors - StorageUnavailable (fatal here), ConcurrencyConflict
     (retried internally a bounded number of times)

USAGE:
  if errors.Is(err, billing.ErrOverPayment) {
      var pe *billing.PaymentError
      errors.As(err, &pe) // amounts and category for the caller
  }

SEE ALSO:
  - validator.go: Produces the validation errors
  - ledger.go: Retry loop around ErrConcurrencyConflict
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidPayable is returned when a non-registration receipt has no
	// positive payable amount.
	ErrInvalidPayable = errors.New("payable amount must be greater than zero")

	// ErrOverPayment is returned when the paid amount exceeds the payable amount.
	ErrOverPayment = errors.New("paid amount exceeds payable amount")

	// ErrDuplicateRegistrationInvoice is returned when a visitor already has a
	// registration-fee invoice.
	ErrDuplicateRegistrationInvoice = errors.New("registration fee invoice already exists for visitor")

	// ErrUnknownAdmission is returned when a draft references a missing admission.
	ErrUnknownAdmission = errors.New("unknown admission")

	// ErrMalformedIdentifier is returned when a receipt or invoice number
	// cannot be parsed.
	ErrMalformedIdentifier = errors.New("malformed identifier")

	// ErrStorageUnavailable is returned when the store cannot be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConcurrencyConflict is returned when an atomic unit lost a race.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrReceiptNotFound is returned when a receipt id does not exist.
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrInvoiceNotFound is returned when an invoice id does not exist.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrAdmissionNotFound is returned by catalogs for a missing admission.
	ErrAdmissionNotFound = errors.New("admission not found")

	// ErrReceiptInvoiced is returned when an administrative change targets a
	// receipt that already belongs to an invoice.
	ErrReceiptInvoiced = errors.New("receipt already belongs to an invoice")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// PaymentError reports an amount rule violation with the offending values.
type PaymentError struct {
	Err         error // ErrInvalidPayable or ErrOverPayment
	Category    Category
	AdmissionID *AdmissionID
	Payable     decimal.Decimal
	Paid        decimal.Decimal
}

func (e *PaymentError) Error() string {
	admission := "none"
	if e.AdmissionID != nil {
		admission = fmt.Sprint(*e.AdmissionID)
	}
	return fmt.Sprintf("%v: category %q, admission %s, payable %s, paid %s",
		e.Err, e.Category, admission, e.Payable.StringFixed(CurrencyPlaces), e.Paid.StringFixed(CurrencyPlaces))
}

func (e *PaymentError) Unwrap() error { return e.Err }

// DuplicateRegistrationError names the visitor and the invoice already issued.
type DuplicateRegistrationError struct {
	VisitorID       VisitorID
	ExistingReceipt string
	ExistingInvoice InvoiceID
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("registration fee invoice already exists for visitor %d (receipt %s)",
		e.VisitorID, e.ExistingReceipt)
}

func (e *DuplicateRegistrationError) Unwrap() error { return ErrDuplicateRegistrationInvoice }

// UnknownAdmissionError names the admission that did not resolve.
type UnknownAdmissionError struct {
	AdmissionID AdmissionID
}

func (e *UnknownAdmissionError) Error() string {
	return fmt.Sprintf("unknown admission %d", e.AdmissionID)
}

func (e *UnknownAdmissionError) Unwrap() error { return ErrUnknownAdmission }

// MalformedIdentifierError reports the value and the expected prefix.
type MalformedIdentifierError struct {
	Value  string
	Prefix string
	Reason string
}

func (e *MalformedIdentifierError) Error() string {
	return fmt.Sprintf("malformed identifier %q (expected %s-NNN): %s", e.Value, e.Prefix, e.Reason)
}

func (e *MalformedIdentifierError) Unwrap() error { return ErrMalformedIdentifier }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPayable) ||
		errors.Is(err, ErrOverPayment) ||
		errors.Is(err, ErrDuplicateRegistrationInvoice) ||
		errors.Is(err, ErrUnknownAdmission) ||
		errors.Is(err, ErrMalformedIdentifier)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrAdmissionNotFound)
}

// Unavailable wraps a driver error as ErrStorageUnavailable, keeping the cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Conflict wraps a driver error as ErrConcurrencyConflict, keeping the cause.
func Conflict(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConcurrencyConflict, err)
}
