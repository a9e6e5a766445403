package model

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"
)

// Millis is a timestamp with millisecond precision. It stores as TIMESTAMPTZ
// and serializes to JSON as epoch milliseconds, the resolution everything in
// the ingest path is truncated to.
type Millis struct {
	time.Time
}

// MillisOf truncates a time to millisecond precision.
func MillisOf(t time.Time) Millis {
	return Millis{t.Truncate(time.Millisecond)}
}

// MillisFromUnixNano converts an OTEL nanosecond timestamp, truncating to ms.
func MillisFromUnixNano(ns uint64) Millis {
	return Millis{time.UnixMilli(int64(ns / 1e6)).UTC()} //nolint:gosec // ms since epoch fits int64
}

// MarshalJSON encodes as epoch milliseconds; the zero value encodes as null.
func (m Millis) MarshalJSON() ([]byte, error) {
	if m.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(m.UnixMilli(), 10)), nil
}

// UnmarshalJSON decodes epoch milliseconds or null.
func (m *Millis) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*m = Millis{}
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("model: parse millis %q: %w", s, err)
	}
	*m = Millis{time.UnixMilli(ms).UTC()}
	return nil
}

// Value implements driver.Valuer.
func (m Millis) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	return m.Time, nil
}

// Scan implements sql.Scanner.
func (m *Millis) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Millis{}
	case time.Time:
		*m = MillisOf(v.UTC())
	default:
		return fmt.Errorf("model: cannot scan %T into Millis", src)
	}
	return nil
}
