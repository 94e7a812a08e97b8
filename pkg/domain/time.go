package domain

import (
	"fmt"
	"time"
)

// TimeLayout is the fixed-width encoding of every persisted timestamp. Record
// sizes, and therefore gas, must not depend on the sub-second digits of the
// ledger clock, so fractional seconds are never trimmed.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Time is a UTC instant that encodes to TimeLayout.
type Time struct {
	time.Time
}

// At normalises t to UTC without a monotonic reading.
func At(t time.Time) Time {
	return Time{Time: t.UTC().Round(0)}
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if y := t.UTC().Year(); y < 0 || y > 9999 {
		return nil, fmt.Errorf("timestamp year %d outside 0..9999", y)
	}
	b := make([]byte, 0, len(TimeLayout)+2)
	b = append(b, '"')
	b = t.UTC().AppendFormat(b, TimeLayout)
	return append(b, '"'), nil
}

// UnmarshalJSON implements json.Unmarshaler. Any RFC 3339 value is accepted.
func (t *Time) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var parsed time.Time
	if err := parsed.UnmarshalJSON(data); err != nil {
		return err
	}
	*t = At(parsed)
	return nil
}
