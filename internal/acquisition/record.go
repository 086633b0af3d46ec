package acquisition

import (
	"strings"
	"time"
)

// NotAvailable replaces identity fields the instrument did not report.
const NotAvailable = "N/A"

// Identity is the parsed form of a comma-delimited identification string.
type Identity struct {
	Vendor   string
	Model    string
	Serial   string
	Firmware string
}

// ParseIdentity splits raw into vendor, model, serial and firmware. Missing
// or empty fields become NotAvailable. Firmware takes the remainder after
// the third comma.
func ParseIdentity(raw string) Identity {
	parts := strings.SplitN(strings.TrimSpace(raw), ",", 4)

	field := func(i int) string {
		if i >= len(parts) {
			return NotAvailable
		}
		if v := strings.TrimSpace(parts[i]); v != "" {
			return v
		}
		return NotAvailable
	}

	return Identity{
		Vendor:   field(0),
		Model:    field(1),
		Serial:   field(2),
		Firmware: field(3),
	}
}

// Record is one acquired point. Records are not modified after creation.
type Record struct {
	Timestamp time.Time
	Identity  Identity
	SetValue  float64
	A         float64
	B         float64
	Derived   float64
}

// NewRecord builds a record and computes its derived value.
func NewRecord(ts time.Time, id Identity, setValue, a, b float64) Record {
	return Record{
		Timestamp: ts,
		Identity:  id,
		SetValue:  setValue,
		A:         a,
		B:         b,
		Derived:   Derived(a, b),
	}
}

// Derived returns a/b, or 0 when b is zero or the quotient is not finite.
func Derived(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	if q := a / b; finite(q) {
		return q
	}
	return 0
}
