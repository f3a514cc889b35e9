package billing

import (
	"fmt"
	"strconv"
	"strings"
)

// IdentifierFormat describes a display identifier: "<Prefix>-<digits>".
type IdentifierFormat struct {
	Prefix  string
	Width   int
	Counter string // sequence counter name
}

var (
	ReceiptNumbers = IdentifierFormat{Prefix: "MRN", Width: 6, Counter: "receipt"}
	InvoiceNumbers = IdentifierFormat{Prefix: "INV", Width: 8, Counter: "invoice"}
)

// Format renders n zero-padded to Width.
func (f IdentifierFormat) Format(n int64) string {
	return Format(f.Prefix, n, f.Width)
}

// Parse extracts the numeric suffix, accepting Width or fewer digits.
func (f IdentifierFormat) Parse(s string) (int64, error) {
	n, digits, err := parse(s, f.Prefix)
	if err != nil {
		return 0, err
	}
	if digits > f.Width {
		return 0, &MalformedIdentifierError{Value: s, Prefix: f.Prefix,
			Reason: fmt.Sprintf("suffix longer than %d digits", f.Width)}
	}
	return n, nil
}

// Format produces "<prefix>-<number zero-padded to width>".
func Format(prefix string, number int64, width int) string {
	return fmt.Sprintf("%s-%0*d", prefix, width, number)
}

// Parse extracts the numeric suffix of s. The suffix may have any width.
func Parse(s, prefix string) (int64, error) {
	n, _, err := parse(s, prefix)
	return n, err
}

// ParseAny extracts the numeric suffix of s regardless of prefix.
func ParseAny(s string) (int64, error) {
	i := strings.LastIndexByte(s, '-')
	if i <= 0 {
		return 0, &MalformedIdentifierError{Value: s, Reason: "missing prefix separator"}
	}
	return Parse(s, s[:i])
}

func parse(s, prefix string) (int64, int, error) {
	head := prefix + "-"
	if !strings.HasPrefix(s, head) {
		return 0, 0, &MalformedIdentifierError{Value: s, Prefix: prefix, Reason: "prefix mismatch"}
	}
	suffix := s[len(head):]
	if suffix == "" {
		return 0, 0, &MalformedIdentifierError{Value: s, Prefix: prefix, Reason: "empty suffix"}
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0, 0, &MalformedIdentifierError{Value: s, Prefix: prefix, Reason: "suffix is not a non-negative integer"}
		}
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, 0, &MalformedIdentifierError{Value: s, Prefix: prefix, Reason: err.Error()}
	}
	return n, len(suffix), nil
}
