package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// TimeLayout is the sender's "sent" format, microsecond precision, UTC
const TimeLayout = "2006-01-02 15:04:05.000000"

// Timestamps must fit in int64 nanoseconds since the epoch (1677 to 2262)
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// ErrTimestampOutOfRange is returned for times outside [MinTimestamp, MaxTimestamp]
var ErrTimestampOutOfRange = errors.New("timestamp out of range")

// CheckTimestampRange rejects t when it can't be stored as nanoseconds
func CheckTimestampRange(t time.Time) error {
	if t.Before(MinTimestamp) || t.After(MaxTimestamp) {
		return fmt.Errorf("%w: %s", ErrTimestampOutOfRange, t.UTC().Format(time.RFC3339))
	}
	return nil
}

// parseLayouts are tried in order. A trailing ".999999999" accepts any
// fractional precision, including none.
var parseLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
}

// ParseTimestamp parses a sender-supplied timestamp. Zone-less values are UTC.
// Values outside the storable range fail with ErrTimestampOutOfRange.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			if err := CheckTimestampRange(t); err != nil {
				return time.Time{}, err
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTimestamp renders t in TimeLayout. Fixed width keeps lexical and
// chronological order identical.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
