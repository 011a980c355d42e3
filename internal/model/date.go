package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the canonical date encoding used in subject keys.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "model: parse date %q", s)
	}
	return t, nil
}

// MustDate parses a YYYY-MM-DD date and panics on error. Intended for tests
// and static fixtures.
func MustDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// InRange reports whether date lies within [start, end] by calendar day. A
// zero bound is open.
func InRange(date, start, end time.Time) bool {
	d := Day(date)
	if !start.IsZero() && d.Before(Day(start)) {
		return false
	}
	if !end.IsZero() && d.After(Day(end)) {
		return false
	}
	return true
}

// DateRange returns every calendar day in [start, end]. It returns nil when
// either bound is zero or end precedes start.
func DateRange(start, end time.Time) []time.Time {
	if start.IsZero() || end.IsZero() {
		return nil
	}
	s, e := Day(start), Day(end)
	if e.Before(s) {
		return nil
	}
	days := make([]time.Time, 0, int(e.Sub(s).Hours()/24)+1)
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// ClampDate returns date moved into [start, end] when it lies outside.
func ClampDate(date, start, end time.Time) time.Time {
	d := Day(date)
	if !start.IsZero() && d.Before(Day(start)) {
		return Day(start)
	}
	if !end.IsZero() && d.After(Day(end)) {
		return Day(end)
	}
	return d
}
