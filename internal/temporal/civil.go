// Package temporal turns natural-language date and time tokens into civil
// dates and zone-correct instant ranges.
//
// All day arithmetic happens on civil components ([Date]) and never on
// instants, so the server's own zone and DST transitions in the user's
// zone cannot shift a result by a day. Instants are produced only at the
// end, by [DateTime.In], which corrects for the zone's offset at the
// candidate instant.
package temporal

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/cadence/internal/apperr"
)

// Date is a calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate returns the normalized civil date; out-of-range days and
// months roll over the way [time.Date] does ("Jan 32" is "Feb 1").
func NewDate(year int, month time.Month, day int) Date {
	// UTC has no transitions, so this is pure calendar arithmetic.
	t := time.Date(year, month, day, 12, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// Today returns the civil date at now as seen by a clock in loc.
func Today(now time.Time, loc *time.Location) Date {
	y, m, d := now.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// AddDays returns the date n days later (or earlier for negative n),
// rolling months and years as needed.
func (d Date) AddDays(n int) Date {
	return NewDate(d.Year, d.Month, d.Day+n)
}

// Weekday returns the day of the week (Sunday == 0).
func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool { return other.Before(d) }

// Valid reports whether the components name a real calendar day.
func (d Date) Valid() bool {
	if d.Month < time.January || d.Month > time.December || d.Day < 1 {
		return false
	}
	return NewDate(d.Year, d.Month, d.Day) == d
}

// DaysUntil returns the number of civil days from d to other.
func (d Date) DaysUntil(other Date) int {
	a := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	b := time.Date(other.Year, other.Month, other.Day, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// At attaches a wall-clock time to the date.
func (d Date) At(hour, minute, second, nsec int) DateTime {
	return DateTime{Date: d, Hour: hour, Minute: minute, Second: second, Nanosecond: nsec}
}

// StartOfDay is local 00:00:00.000.
func (d Date) StartOfDay() DateTime { return d.At(0, 0, 0, 0) }

// EndOfDay is local 23:59:59.999.
func (d Date) EndOfDay() DateTime { return d.At(23, 59, 59, int(999*time.Millisecond)) }

// FirstInstant is the earliest instant whose civil date in loc is d. It
// is local midnight unless midnight falls in a spring-forward gap, in
// which case it is the transition itself.
func (d Date) FirstInstant(loc *time.Location) time.Time {
	t := d.StartOfDay().In(loc)
	if zs, _ := t.ZoneBounds(); !zs.IsZero() && zs.Before(t) && Today(zs, loc) == d {
		return zs
	}
	return t
}

// LastInstant is the final millisecond whose civil date in loc is d:
// local 23:59:59.999 when that wall clock exists, otherwise the
// millisecond before the next day begins.
func (d Date) LastInstant(loc *time.Location) time.Time {
	return d.AddDays(1).FirstInstant(loc).Add(-time.Millisecond)
}

// DateTime is a civil date plus wall-clock time.
type DateTime struct {
	Date
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

// In binds the civil date-time to loc and returns the instant.
//
// The candidate is built as if the wall clock were UTC, then shifted by
// loc's offset at that candidate. If the offset at the shifted instant
// differs (the candidate straddled a transition), the shift is redone
// with the new offset. One correction suffices because offsets only
// change at transition boundaries. A wall clock that falls in a
// spring-forward gap resolves to the later instant, which can land on
// the next civil day when the gap runs through midnight; use
// FirstInstant and LastInstant for day bounds.
func (dt DateTime) In(loc *time.Location) time.Time {
	naive := time.Date(dt.Year, dt.Month, dt.Day, dt.Hour, dt.Minute, dt.Second, dt.Nanosecond, time.UTC)

	off1 := offsetAt(naive, loc)
	first := naive.Add(-off1)
	off2 := offsetAt(first, loc)
	if off2 == off1 {
		return first.In(loc)
	}

	second := naive.Add(-off2)
	if offsetAt(second, loc) == off2 {
		return second.In(loc)
	}

	// Neither candidate is self-consistent: the wall clock does not
	// exist in loc.
	if second.After(first) {
		return second.In(loc)
	}
	return first.In(loc)
}

func offsetAt(t time.Time, loc *time.Location) time.Duration {
	_, off := t.In(loc).Zone()
	return time.Duration(off) * time.Second
}

// TimeOfDay is an hour and minute on a 24-hour clock.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// String formats the time as HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// LoadZone validates an IANA zone name. A zone is valid iff a location
// can be built from it; the empty string and "Local" are rejected
// because they do not name a zone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return nil, apperr.Validation(fmt.Sprintf("%q is not an IANA timezone", name), "America/New_York", "Europe/London")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &apperr.Error{
			Kind:        apperr.KindValidation,
			Msg:         fmt.Sprintf("%q is not an IANA timezone", name),
			Suggestions: []string{"America/New_York", "Europe/London"},
			Err:         err,
		}
	}
	return loc, nil
}
