// Package timestamp provides unix-millisecond timestamp handling for
// property values. Every property entry of a device configuration
// carries its stamp as the "ts" attribute, an int64 of milliseconds
// since the epoch (UTC); a value of 0 means "not set".
package timestamp

import (
	"strconv"
	"time"
)

// Timestamp is one property stamp. The zero value means "not set".
type Timestamp struct {
	ms int64
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{ms: time.Now().UnixMilli()}
}

// FromUnixMs wraps raw unix milliseconds, as read from a "ts"
// attribute. 0 yields the zero Timestamp.
func FromUnixMs(ms int64) Timestamp {
	return Timestamp{ms: ms}
}

// FromTime converts a time.Time, mapping the zero time to the zero
// Timestamp.
func FromTime(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{ms: t.UnixMilli()}
}

// IsZero reports whether the stamp is unset.
func (t Timestamp) IsZero() bool {
	return t.ms == 0
}

// ToUnixMs returns the raw milliseconds, the form stored in the "ts"
// attribute.
func (t Timestamp) ToUnixMs() int64 {
	return t.ms
}

// Time converts to time.Time. The zero Timestamp yields the zero time.
func (t Timestamp) Time() time.Time {
	if t.ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.ms)
}

// Format renders the stamp as an RFC3339 string for display.
// Returns the empty string when unset.
func (t Timestamp) Format() string {
	if t.ms == 0 {
		return ""
	}
	return time.UnixMilli(t.ms).UTC().Format(time.RFC3339)
}

// Since returns the duration elapsed since the stamp, 0 when unset.
func (t Timestamp) Since() time.Duration {
	if t.ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(t.ms))
}

// Add shifts the stamp by a duration, keeping the zero Timestamp unset.
func (t Timestamp) Add(d time.Duration) Timestamp {
	if t.ms == 0 {
		return Timestamp{}
	}
	return Timestamp{ms: time.UnixMilli(t.ms).Add(d).UnixMilli()}
}

// Sub returns the duration from other to t, 0 if either is unset.
func (t Timestamp) Sub(other Timestamp) time.Duration {
	if t.ms == 0 || other.ms == 0 {
		return 0
	}
	return time.UnixMilli(t.ms).Sub(time.UnixMilli(other.ms))
}

// Parse converts common timestamp representations to a Timestamp.
// Accepts int64/float64 (values above 1e12 are taken as milliseconds,
// below as seconds), RFC3339 or numeric strings, and time.Time.
// Returns the zero Timestamp for unparseable input.
func Parse(input any) Timestamp {
	switch v := input.(type) {
	case nil:
		return Timestamp{}
	case int64:
		if v > 1e12 || v == 0 {
			return Timestamp{ms: v}
		}
		return Timestamp{ms: v * 1000}
	case float64:
		if v == 0 {
			return Timestamp{}
		}
		if v > 1e12 {
			return Timestamp{ms: int64(v)}
		}
		return Timestamp{ms: int64(v * 1000)}
	case int:
		return Parse(int64(v))
	case int32:
		return Parse(int64(v))
	case string:
		if v == "" {
			return Timestamp{}
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return FromTime(t)
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return Parse(ms)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return Parse(f)
		}
		return Timestamp{}
	case time.Time:
		return FromTime(v)
	case Timestamp:
		return v
	default:
		return Timestamp{}
	}
}
