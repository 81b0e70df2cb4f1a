package caldav

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/httpkit"
	"github.com/nugget/cadence/internal/provider"
)

// maxOccurrences bounds recurrence expansion per object.
const maxOccurrences = 500

// eventsFromCalendar normalizes the VEVENTs of one calendar object that
// overlap q. Recurring masters are expanded client-side; overridden
// occurrences (RECURRENCE-ID) replace the generated ones.
func eventsFromCalendar(objPath string, cal *ical.Calendar, q provider.EventQuery, loc *time.Location) ([]provider.Event, error) {
	var (
		master    *ical.Event
		overrides = make(map[int64]*ical.Event)
	)
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		ev := &ical.Event{Component: child}
		if rid := child.Props.Get(ical.PropRecurrenceID); rid != nil {
			t, err := rid.DateTime(loc)
			if err != nil {
				return nil, fmt.Errorf("recurrence-id: %w", err)
			}
			overrides[t.Unix()] = ev
			continue
		}
		master = ev
	}

	var out []provider.Event
	keep := func(e provider.Event) {
		if overlaps(e, q) {
			out = append(out, e)
		}
	}

	if master == nil {
		for ts, ev := range overrides {
			e, err := eventFromComponent(occurrenceID(objPath, ts), ev, loc)
			if err != nil {
				return nil, err
			}
			keep(e)
		}
		return out, nil
	}

	base, err := eventFromComponent(objPath, master, loc)
	if err != nil {
		return nil, err
	}
	if master.Props.Get(ical.PropRecurrenceRule) == nil {
		keep(base)
		return out, nil
	}

	set, err := master.RecurrenceSet(loc)
	if err != nil || set == nil {
		keep(base)
		return out, nil
	}
	dur := base.End.Sub(base.Start)
	// Widen the window by the duration so occurrences that started
	// before TimeMin but are still running are found.
	starts := set.Between(q.TimeMin.Add(-dur), q.TimeMax, true)
	for i, s := range starts {
		if i == maxOccurrences {
			break
		}
		if ov, ok := overrides[s.Unix()]; ok {
			e, err := eventFromComponent(occurrenceID(objPath, s.Unix()), ov, loc)
			if err != nil {
				return nil, err
			}
			keep(e)
			continue
		}
		e := base
		e.ID = occurrenceID(objPath, s.Unix())
		e.Start = s
		e.End = s.Add(dur)
		keep(e)
	}
	return out, nil
}

func occurrenceID(objPath string, unix int64) string {
	return objPath + "#" + strconv.FormatInt(unix, 10)
}

func overlaps(e provider.Event, q provider.EventQuery) bool {
	if !q.TimeMax.IsZero() && !e.Start.Before(q.TimeMax) {
		return false
	}
	if !q.TimeMin.IsZero() && !e.End.After(q.TimeMin) {
		return false
	}
	return true
}

// eventFromComponent normalizes a single VEVENT.
func eventFromComponent(id string, ev *ical.Event, loc *time.Location) (provider.Event, error) {
	start, err := ev.DateTimeStart(loc)
	if err != nil {
		return provider.Event{}, fmt.Errorf("dtstart: %w", err)
	}
	allDay := false
	if p := ev.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		allDay = true
		// All-day events are civil dates; pin them to the zone's midnight.
		y, m, d := start.Date()
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	end, err := ev.DateTimeEnd(loc)
	if err != nil || end.IsZero() {
		end = start
		if allDay {
			end = start.AddDate(0, 0, 1)
		}
	} else if allDay {
		y, m, d := end.Date()
		end = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}

	e := provider.Event{ID: id, Start: start, End: end, AllDay: allDay, Raw: ev}
	e.Title, _ = ev.Props.Text(ical.PropSummary)
	e.Location, _ = ev.Props.Text(ical.PropLocation)
	e.Description, _ = ev.Props.Text(ical.PropDescription)
	for _, p := range ev.Props.Values(ical.PropAttendee) {
		e.Attendees = append(e.Attendees, strings.TrimPrefix(strings.ToLower(p.Value), "mailto:"))
	}
	if e.Title == "" {
		e.Title = "(no title)"
	}
	return e, nil
}

// statusClient turns error statuses into categorized errors before
// go-webdav sees them, so callers can classify failures structurally.
// Multi-status (207) responses pass through.
type statusClient struct {
	c *http.Client
}

func (s *statusClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := s.c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body := httpkit.ReadErrorBody(resp.Body, httpkit.ErrorBodyLimit)
		return nil, apperr.FromStatus("caldav."+strings.ToLower(req.Method), resp.StatusCode, body)
	}
	return resp, nil
}
