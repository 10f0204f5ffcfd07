package replay

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidTimestamp is returned by ParseTimestamp.
var ErrInvalidTimestamp = errors.New("replay: invalid timestamp")

// ParseTimestamp accepts a Wayback-style timestamp of 4 to 14 digits
// (YYYY[MM[DD[hh[mm[ss]]]]]) or an RFC 3339 instant. Missing Wayback fields
// are filled with the end of the period, so "2024" means the last second of
// 2024 and at-or-before lookups include the whole year.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	if isDigits(s) {
		return parseWayback(s)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}
	return t.UTC(), nil
}

// FormatTimestamp renders t as a 14-digit Wayback timestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

func parseWayback(s string) (time.Time, error) {
	if len(s) < 4 || len(s) > 14 || len(s)%2 != 0 {
		return time.Time{}, fmt.Errorf("%w: %q is not YYYY[MM[DD[hh[mm[ss]]]]]", ErrInvalidTimestamp, s)
	}
	field := func(from, to, def int) int {
		if len(s) < to {
			return def
		}
		n, _ := strconv.Atoi(s[from:to])
		return n
	}
	year := field(0, 4, 0)
	month := field(4, 6, 12)
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("%w: month %d", ErrInvalidTimestamp, month)
	}
	lastDay := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
	day := field(6, 8, lastDay)
	hour := field(8, 10, 23)
	minute := field(10, 12, 59)
	sec := field(12, 14, 59)
	if day < 1 || day > lastDay || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("%w: %q out of range", ErrInvalidTimestamp, s)
	}
	// Wayback timestamps have second resolution; cover the whole second.
	return time.Date(year, time.Month(month), day, hour, minute, sec, int(time.Second-time.Nanosecond), time.UTC), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
