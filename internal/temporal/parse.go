package temporal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/cadence/internal/apperr"
)

// ParseError reports a date or time token that could not be understood.
// It is always surfaced to the user; callers never substitute a default.
type ParseError struct {
	Input  string
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%q: %s", e.Input, e.Reason)
	}
	return fmt.Sprintf("unrecognized date or time %q", e.Input)
}

// ErrorKind implements [apperr.Kinded].
func (e *ParseError) ErrorKind() apperr.Kind { return apperr.KindParse }

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var weekdayAbbrev = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"fri": time.Friday, "sat": time.Saturday,
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "sept": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December,
}

var (
	isoDateRe   = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	relativeRe  = regexp.MustCompile(`^in (\d{1,3}) (day|days|week|weeks)$`)
	monthDayRe  = regexp.MustCompile(`^([a-z]+)\.? (\d{1,2})(?:st|nd|rd|th)?(?:,? (\d{4}))?$`)
	dayMonthRe  = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)? (?:of )?([a-z]+)\.?(?:,? (\d{4}))?$`)
	timeTokenRe = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))? ?(am|pm|a\.m\.|p\.m\.)?$`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// fallbackLayouts are tried, in order, after every other rule has missed.
var fallbackLayouts = []string{
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"January 2 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"Monday, January 2, 2006",
	"Mon, Jan 2, 2006",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
}

func normalizeToken(s string) string {
	return spaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// ParseDate resolves a date token to a civil date in loc, using now as
// the reference instant. Recognized forms, in priority order:
//
//   - today, tomorrow, yesterday, next week
//   - a weekday name, meaning its next occurrence strictly after today
//   - natural language: "in 3 days", "next fri", "march 5", "5th of march 2027"
//   - ISO YYYY-MM-DD
//   - common calendar layouts (01/02/2006, "Jan 2 2006", RFC 3339, ...)
//
// Anything else is a *ParseError.
func ParseDate(token string, loc *time.Location, now time.Time) (Date, error) {
	s := normalizeToken(token)
	if s == "" {
		return Date{}, &ParseError{Input: token, Reason: "empty date"}
	}
	today := Today(now, loc)

	switch s {
	case "today":
		return today, nil
	case "tomorrow":
		return today.AddDays(1), nil
	case "yesterday":
		return today.AddDays(-1), nil
	case "next week":
		return today.AddDays(7), nil
	}

	if wd, ok := weekdays[s]; ok {
		return nextWeekday(today, wd), nil
	}

	if d, ok, err := parseNatural(s, today); ok || err != nil {
		if err != nil {
			return Date{}, &ParseError{Input: token, Reason: err.Error()}
		}
		return d, nil
	}

	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		date := Date{Year: y, Month: time.Month(mo), Day: d}
		if !date.Valid() {
			return Date{}, &ParseError{Input: token, Reason: "no such calendar day"}
		}
		return date, nil
	}

	if t, err := time.Parse(time.RFC3339, strings.ToUpper(s)); err == nil {
		return Today(t, loc), nil
	}
	// The token is lowercased; ISO date-times need their T back.
	upper := strings.ToUpper(s)
	for _, layout := range fallbackLayouts {
		for _, in := range []string{s, upper} {
			if t, err := time.Parse(layout, in); err == nil {
				y, m, d := t.Date()
				return Date{Year: y, Month: m, Day: d}, nil
			}
		}
	}

	return Date{}, &ParseError{Input: token}
}

// nextWeekday returns the first date after today falling on wd. A
// request for today's weekday means a week from today.
func nextWeekday(today Date, wd time.Weekday) Date {
	ahead := (int(wd) - int(today.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	return today.AddDays(ahead)
}

// parseNatural handles the best-effort natural-language forms. ok is
// false when the token is not in any of these forms; err is set when it
// is, but names an impossible date.
func parseNatural(s string, today Date) (Date, bool, error) {
	if m := relativeRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(m[2], "week") {
			n *= 7
		}
		return today.AddDays(n), true, nil
	}

	for _, prefix := range []string{"next ", "this ", "on ", "coming "} {
		rest, found := strings.CutPrefix(s, prefix)
		if !found {
			continue
		}
		if wd, ok := lookupWeekday(rest); ok {
			return nextWeekday(today, wd), true, nil
		}
	}
	if wd, ok := weekdayAbbrev[s]; ok {
		return nextWeekday(today, wd), true, nil
	}

	var monthName, dayStr, yearStr string
	if m := monthDayRe.FindStringSubmatch(s); m != nil {
		monthName, dayStr, yearStr = m[1], m[2], m[3]
	} else if m := dayMonthRe.FindStringSubmatch(s); m != nil {
		dayStr, monthName, yearStr = m[1], m[2], m[3]
	} else {
		return Date{}, false, nil
	}

	month, ok := lookupMonth(monthName)
	if !ok {
		return Date{}, false, nil
	}
	day, _ := strconv.Atoi(dayStr)

	explicitYear := yearStr != ""
	year := today.Year
	if explicitYear {
		year, _ = strconv.Atoi(yearStr)
	}

	d := Date{Year: year, Month: month, Day: day}
	if !d.Valid() {
		return Date{}, true, fmt.Errorf("%s %d is not a calendar day", month, day)
	}
	// A month/day without a year means the next time it comes around.
	if !explicitYear && d.Before(today) {
		d.Year++
		if !d.Valid() {
			// Feb 29 rolled into a non-leap year.
			return Date{}, true, fmt.Errorf("%s %d does not occur in %d", month, day, d.Year)
		}
	}
	return d, true, nil
}

func lookupWeekday(s string) (time.Weekday, bool) {
	if wd, ok := weekdays[s]; ok {
		return wd, true
	}
	wd, ok := weekdayAbbrev[s]
	return wd, ok
}

func lookupMonth(s string) (time.Month, bool) {
	if m, ok := months[s]; ok {
		return m, true
	}
	if len(s) < 3 {
		return 0, false
	}
	m, ok := months[s[:3]]
	if !ok {
		return 0, false
	}
	// Only accept a prefix of the real month name ("marc", "march"), not
	// arbitrary words that happen to share three letters ("mayday").
	full := strings.ToLower(m.String())
	if !strings.HasPrefix(full, s) {
		return 0, false
	}
	return m, true
}

// ParseTime parses "H[:MM][am|pm]" on a 12-hour clock (hour 1-12), a
// bare 24-hour "H[:MM]", or the words noon and midnight.
func ParseTime(token string) (TimeOfDay, error) {
	s := normalizeToken(token)
	switch s {
	case "noon", "midday":
		return TimeOfDay{Hour: 12}, nil
	case "midnight":
		return TimeOfDay{}, nil
	}

	m := timeTokenRe.FindStringSubmatch(s)
	if m == nil {
		return TimeOfDay{}, &ParseError{Input: token, Reason: "expected a time like 2:30pm or 14:30"}
	}

	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}

	switch meridiem := strings.ReplaceAll(m[3], ".", ""); meridiem {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return TimeOfDay{}, &ParseError{Input: token, Reason: "12-hour times use hours 1 to 12"}
		}
		if meridiem == "pm" && hour != 12 {
			hour += 12
		}
		if meridiem == "am" && hour == 12 {
			hour = 0
		}
	}

	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, &ParseError{Input: token, Reason: "hour must be 0-23 and minute 0-59"}
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}
