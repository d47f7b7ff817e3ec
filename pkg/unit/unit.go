// Package unit defines fetch units: the addressable chunks of remote data that
// are fetched, retried and skipped as a whole.
//
// Two shapes exist. An OffsetWindow addresses a page of an offset-paginated
// query (ArcGIS FeatureServer). A MonthUnit addresses one calendar month of a
// monthly endpoint (data.police.uk), optionally scoped to a police force.
// Unit spaces are derived deterministically from job configuration, so the same
// configuration always yields the same keys.
package unit

import (
	"fmt"
	"time"
)

// Unit is one chunk of remote data.
type Unit interface {
	// Key is the stable identifier stored in the progress ledger.
	Key() string

	// String is a human-readable form for logs.
	String() string
}

// OffsetWindow addresses one page of an offset-paginated query.
type OffsetWindow struct {
	Offset int
	Size   int
}

// Key returns "offset=<offset>,size=<size>".
func (w OffsetWindow) Key() string {
	return fmt.Sprintf("offset=%d,size=%d", w.Offset, w.Size)
}

func (w OffsetWindow) String() string {
	return fmt.Sprintf("records %d-%d", w.Offset, w.Offset+w.Size-1)
}

// OffsetWindows splits [start, total) into windows of size records.
// The last window keeps the full size; the server returns what is left.
func OffsetWindows(start, total, size int) []OffsetWindow {
	if size <= 0 || start < 0 || start >= total {
		return nil
	}

	windows := make([]OffsetWindow, 0, (total-start+size-1)/size)
	for offset := start; offset < total; offset += size {
		windows = append(windows, OffsetWindow{Offset: offset, Size: size})
	}
	return windows
}

// YearMonth is a calendar month.
type YearMonth struct {
	Year  int
	Month time.Month
}

const yearMonthLayout = "2006-01"

// ParseYearMonth parses "YYYY-MM".
func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse(yearMonthLayout, s)
	if err != nil {
		return YearMonth{}, fmt.Errorf("parse month %q: %w", s, err)
	}
	return YearMonth{Year: t.Year(), Month: t.Month()}, nil
}

// MustParseYearMonth is ParseYearMonth for constants and tests.
func MustParseYearMonth(s string) YearMonth {
	ym, err := ParseYearMonth(s)
	if err != nil {
		panic(err)
	}
	return ym
}

// String returns "YYYY-MM".
func (m YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Next returns the following month.
func (m YearMonth) Next() YearMonth {
	if m.Month == time.December {
		return YearMonth{Year: m.Year + 1, Month: time.January}
	}
	return YearMonth{Year: m.Year, Month: m.Month + 1}
}

// Before reports whether m is strictly earlier than other.
func (m YearMonth) Before(other YearMonth) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}

// LastFullMonth returns the month before the one containing now.
func LastFullMonth(now time.Time) YearMonth {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	prev := first.AddDate(0, 0, -1)
	return YearMonth{Year: prev.Year(), Month: prev.Month()}
}

// MonthRange returns every month from start to end inclusive.
// It is empty when end is before start.
func MonthRange(start, end YearMonth) []YearMonth {
	var months []YearMonth
	for m := start; !end.Before(m); m = m.Next() {
		months = append(months, m)
	}
	return months
}

// MonthUnit addresses one month of data, optionally for a single force.
type MonthUnit struct {
	Period YearMonth
	Force  string
}

// Key returns "<force>/<YYYY-MM>", or "<YYYY-MM>" without a force.
func (u MonthUnit) Key() string {
	if u.Force == "" {
		return u.Period.String()
	}
	return u.Force + "/" + u.Period.String()
}

func (u MonthUnit) String() string {
	if u.Force == "" {
		return u.Period.String()
	}
	return fmt.Sprintf("%s %s", u.Force, u.Period)
}

// ForceMonths is the force-major cross product of forces and months.
// With no forces it yields one unscoped unit per month.
func ForceMonths(forces []string, months []YearMonth) []MonthUnit {
	if len(forces) == 0 {
		units := make([]MonthUnit, 0, len(months))
		for _, m := range months {
			units = append(units, MonthUnit{Period: m})
		}
		return units
	}

	units := make([]MonthUnit, 0, len(forces)*len(months))
	for _, force := range forces {
		for _, m := range months {
			units = append(units, MonthUnit{Period: m, Force: force})
		}
	}
	return units
}

// Units converts a typed slice into []Unit.
func Units[T Unit](in []T) []Unit {
	out := make([]Unit, len(in))
	for i, u := range in {
		out[i] = u
	}
	return out
}
