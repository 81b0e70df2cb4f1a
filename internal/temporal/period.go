package temporal

import (
	"fmt"
	"strings"
	"time"
)

// PeriodKind distinguishes how a period was requested.
type PeriodKind string

// Period kinds.
const (
	PeriodDay          PeriodKind = "day"
	PeriodWeek         PeriodKind = "week"
	PeriodExplicitDate PeriodKind = "explicit_date"
)

// PeriodSpec is a resolved instant range covering whole civil days in a
// zone. Start is local 00:00:00.000 on StartDate and End is local
// 23:59:59.999 on EndDate. Values are immutable once built; build them
// with [DayRange], [WeekRange], or [ExplicitDateRange].
type PeriodSpec struct {
	Kind      PeriodKind
	StartDate Date
	EndDate   Date
	Zone      string
	Start     time.Time
	End       time.Time

	loc *time.Location
}

// Location returns the zone the period was built in.
func (p PeriodSpec) Location() *time.Location {
	if p.loc != nil {
		return p.loc
	}
	if loc, err := time.LoadLocation(p.Zone); err == nil {
		return loc
	}
	return time.UTC
}

// Days returns the number of civil days covered.
func (p PeriodSpec) Days() int { return p.StartDate.DaysUntil(p.EndDate) + 1 }

// Contains reports whether t falls inside the period, inclusive.
func (p PeriodSpec) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// ContainsDate reports whether the civil date d falls inside the period.
func (p PeriodSpec) ContainsDate(d Date) bool {
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

// IsToday reports whether the period is the single civil day containing
// now in the period's zone.
func (p PeriodSpec) IsToday(now time.Time) bool {
	if p.StartDate != p.EndDate {
		return false
	}
	return p.StartDate == Today(now, p.Location())
}

// Label is a short human description: "Friday, Oct 16" for a day and
// "Oct 11 - Oct 17" for anything longer.
func (p PeriodSpec) Label() string {
	start := p.Start.In(p.Location())
	if p.StartDate == p.EndDate {
		return start.Format("Monday, Jan 2")
	}
	end := p.End.In(p.Location())
	return start.Format("Jan 2") + " - " + end.Format("Jan 2")
}

func newPeriod(kind PeriodKind, start, end Date, loc *time.Location) (PeriodSpec, error) {
	p := PeriodSpec{
		Kind:      kind,
		StartDate: start,
		EndDate:   end,
		Zone:      loc.String(),
		Start:     start.FirstInstant(loc),
		End:       end.LastInstant(loc),
		loc:       loc,
	}
	if !p.Start.Before(p.End) {
		return PeriodSpec{}, fmt.Errorf("period %s..%s in %s is empty", start, end, p.Zone)
	}
	return p, nil
}

// DayRange covers the single civil day d in zone.
func DayRange(d Date, zone string) (PeriodSpec, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return PeriodSpec{}, err
	}
	return newPeriod(PeriodDay, d, d, loc)
}

// WeekRange covers Sunday through Saturday of the week containing now's
// civil date in zone.
func WeekRange(zone string, now time.Time) (PeriodSpec, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return PeriodSpec{}, err
	}
	return weekOf(Today(now, loc), loc)
}

func weekOf(d Date, loc *time.Location) (PeriodSpec, error) {
	sunday := d.AddDays(-int(d.Weekday()))
	return newPeriod(PeriodWeek, sunday, sunday.AddDays(6), loc)
}

// ExplicitDateRange parses token with [ParseDate] and covers that day.
// "today", "tomorrow", and "yesterday" produce a day period; everything
// else an explicit-date period.
func ExplicitDateRange(token, zone string, now time.Time) (PeriodSpec, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return PeriodSpec{}, err
	}
	d, err := ParseDate(token, loc, now)
	if err != nil {
		return PeriodSpec{}, err
	}
	kind := PeriodExplicitDate
	switch normalizeToken(token) {
	case "today", "tomorrow", "yesterday":
		kind = PeriodDay
	}
	return newPeriod(kind, d, d, loc)
}

// RangeBuilder resolves periods against an injectable clock.
type RangeBuilder struct {
	// Now returns the current instant. Nil means time.Now.
	Now func() time.Time
}

func (b RangeBuilder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Today covers the current civil day in zone.
func (b RangeBuilder) Today(zone string) (PeriodSpec, error) {
	return ExplicitDateRange("today", zone, b.now())
}

// Tomorrow covers the next civil day in zone.
func (b RangeBuilder) Tomorrow(zone string) (PeriodSpec, error) {
	return ExplicitDateRange("tomorrow", zone, b.now())
}

// Week covers the current Sunday-Saturday week in zone.
func (b RangeBuilder) Week(zone string) (PeriodSpec, error) {
	return WeekRange(zone, b.now())
}

// Date covers the day named by token in zone.
func (b RangeBuilder) Date(token, zone string) (PeriodSpec, error) {
	return ExplicitDateRange(token, zone, b.now())
}

// Resolve turns a period token into a period. Empty means today; "week"
// and "this week" mean the current week; "next week" means the whole
// following week. Anything else is parsed as a date.
func (b RangeBuilder) Resolve(token, zone string) (PeriodSpec, error) {
	switch normalizeToken(token) {
	case "", "today":
		return b.Today(zone)
	case "week", "this week", "the week":
		return b.Week(zone)
	case "next week":
		loc, err := LoadZone(zone)
		if err != nil {
			return PeriodSpec{}, err
		}
		return weekOf(Today(b.now(), loc).AddDays(7), loc)
	}
	return b.Date(strings.TrimSpace(token), zone)
}
