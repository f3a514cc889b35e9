/*
Package billing provides the receipt and invoice reconciliation engine.

PURPOSE:
  Visitors of a training center pay against admissions (course enrollments)
  or a visitor-wide registration fee. Every payment becomes a sequentially
  numbered Receipt; under certain conditions receipts are consolidated into
  one sequentially numbered Invoice per admission (or per visitor for the
  registration fee).

KEY CONCEPTS IN THIS FILE (types.go):
  - Receipt: One accepted payment event (MRN-000001)
  - Invoice: Aggregation of receipts for one admission (INV-00000001)
  - Draft: What a caller submits before numbers are allocated
  - Admission/Batch/Course: Read-only catalog records used for balances

DESIGN PRINCIPLES:
  1. Precision: All money uses decimal.Decimal, rounded to currency precision
  2. Sequential numbering: Numbers come from atomic counters, never from
     "read the last number and add one"
  3. Explicit sets: An invoice holds a deduplicated set of receipt numbers,
     not a delimited string

SEE ALSO:
  - ledger.go: ReceiptLedger, the public entry point
  - invoice.go: InvoiceAggregator merge rules
  - balance.go: BalanceCalculator
*/
package billing

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ReceiptID string
type InvoiceID string
type AdmissionID int64
type VisitorID int64

// CurrencyPlaces is the number of decimal places kept on money fields.
const CurrencyPlaces = 2

// =============================================================================
// CATEGORY
// =============================================================================

// Category classifies a receipt. Only RegistrationFee and Course carry
// special rules; any other value is accepted as an open tag.
type Category string

const (
	CategoryRegistrationFee Category = "Registration Fee"
	CategoryCourse          Category = "Course"
)

// NormalizeCategory maps the accepted spellings of the built-in categories
// to their canonical form. Unknown categories are returned trimmed.
func NormalizeCategory(s string) Category {
	trimmed := strings.TrimSpace(s)
	key := strings.ToLower(strings.NewReplacer(" ", "", "_", "", "-", "").Replace(trimmed))
	switch key {
	case "registrationfee":
		return CategoryRegistrationFee
	case "course":
		return CategoryCourse
	}
	return Category(trimmed)
}

func (c Category) IsRegistrationFee() bool { return c == CategoryRegistrationFee }

// =============================================================================
// RECEIPT
// =============================================================================

// Receipt is one accepted payment. Money fields are immutable after
// acceptance; only InvoiceID may be set later during an invoice merge.
type Receipt struct {
	ID            ReceiptID
	Number        string // MRN-000001
	Category      Category
	AdmissionID   *AdmissionID
	VisitorID     VisitorID
	PayableAmount decimal.Decimal
	PaidAmount    decimal.Decimal
	IssuedAt      time.Time
	InvoiceID     InvoiceID // empty until invoiced
	FullPayment   bool
	CreateInvoice bool
	Remarks       string
}

// IsInvoiced reports whether the receipt is linked to an invoice.
func (r Receipt) IsInvoiced() bool { return r.InvoiceID != "" }

// RequestsInvoice reports whether accepting this receipt triggers invoicing.
func (r Receipt) RequestsInvoice() bool { return r.FullPayment || r.CreateInvoice }

// Draft is a receipt request before numbering and persistence.
type Draft struct {
	Category      Category
	AdmissionID   *AdmissionID
	VisitorID     VisitorID
	PayableAmount decimal.Decimal
	PaidAmount    decimal.Decimal
	FullPayment   bool
	CreateInvoice bool
	Remarks       string
}

// RequestsInvoice reports whether the draft asks for invoicing.
func (d Draft) RequestsInvoice() bool { return d.FullPayment || d.CreateInvoice }

// normalized returns a copy with canonical category and rounded amounts.
func (d Draft) normalized() Draft {
	d.Category = NormalizeCategory(string(d.Category))
	d.PayableAmount = d.PayableAmount.Round(CurrencyPlaces)
	d.PaidAmount = d.PaidAmount.Round(CurrencyPlaces)
	return d
}

// ReceiptUpdate is an administrative correction of a receipt that has not
// been invoiced yet. Nil fields are left unchanged.
type ReceiptUpdate struct {
	PayableAmount *decimal.Decimal
	PaidAmount    *decimal.Decimal
	Remarks       *string
}

// =============================================================================
// INVOICE
// =============================================================================

// Invoice aggregates receipts of one admission, or the registration-fee
// receipts of one visitor.
type Invoice struct {
	ID             InvoiceID
	Number         string // INV-00000001
	Category       Category
	AdmissionID    *AdmissionID
	VisitorID      VisitorID
	ReceiptNumbers NumberSet
	CreatedAt      time.Time
}

// NumberSet is a deduplicated set of receipt numbers kept in ascending
// numeric order so that display is deterministic.
type NumberSet []string

// NewNumberSet builds a set from the given numbers, dropping duplicates.
func NewNumberSet(numbers ...string) NumberSet {
	var s NumberSet
	for _, n := range numbers {
		s = s.Add(n)
	}
	return s
}

// Add returns the set with n inserted. Adding an existing member is a no-op.
func (s NumberSet) Add(n string) NumberSet {
	if n == "" {
		return s
	}
	i := sort.Search(len(s), func(i int) bool { return !numberLess(s[i], n) })
	if i < len(s) && s[i] == n {
		return s
	}
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = n
	return s
}

// Contains reports whether n is a member of the set.
func (s NumberSet) Contains(n string) bool {
	i := sort.Search(len(s), func(i int) bool { return !numberLess(s[i], n) })
	return i < len(s) && s[i] == n
}

// Len returns the number of members.
func (s NumberSet) Len() int { return len(s) }

// Strings returns a copy of the members.
func (s NumberSet) Strings() []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// numberLess orders identifiers by numeric suffix, falling back to a plain
// string comparison for values that do not parse.
func numberLess(a, b string) bool {
	na, errA := ParseAny(a)
	nb, errB := ParseAny(b)
	if errA == nil && errB == nil && na != nb {
		return na < nb
	}
	return a < b
}

// =============================================================================
// CATALOG (read-only, owned by the enrollment subsystem)
// =============================================================================

type Course struct {
	ID   int64
	Name string
	Fee  decimal.Decimal
}

type Batch struct {
	ID       int64
	Name     string
	CourseID int64
	Course   *Course // nil when the course does not resolve
}

type AdmissionDetail struct {
	ID      int64
	BatchID int64
	Batch   *Batch // nil when the batch does not resolve
}

// Admission is a visitor's enrollment with one or more course lines.
type Admission struct {
	ID        AdmissionID
	Number    string
	VisitorID VisitorID
	Details   []AdmissionDetail
}

// TotalContracted sums the course fee over every detail line whose batch
// and course both resolve.
func (a Admission) TotalContracted() decimal.Decimal {
	total := decimal.Zero
	for _, d := range a.Details {
		if d.Batch == nil || d.Batch.Course == nil {
			continue
		}
		total = total.Add(d.Batch.Course.Fee)
	}
	return total
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the derived payment position of one admission.
type Balance struct {
	AdmissionID      AdmissionID
	AdmissionNumber  string
	VisitorID        VisitorID
	TotalContracted  decimal.Decimal
	CoursePaid       decimal.Decimal
	RegistrationPaid decimal.Decimal
	Payable          decimal.Decimal
}
