package caldav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/provider"
)

func decode(t *testing.T, s string) *ical.Calendar {
	t.Helper()
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", "\r\n") + "\r\n"
	cal, err := ical.NewDecoder(strings.NewReader(s)).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cal
}

const singleEvent = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:abc
DTSTAMP:20261001T000000Z
DTSTART:20261016T150000Z
DTEND:20261016T153000Z
SUMMARY:Dentist
LOCATION:Main St
ATTENDEE:mailto:Pat@Example.com
END:VEVENT
END:VCALENDAR`

const weeklyStandup = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:standup
DTSTAMP:20261001T000000Z
DTSTART:20261005T140000Z
DTEND:20261005T141500Z
RRULE:FREQ=WEEKLY;BYDAY=MO,WE,FR
SUMMARY:Standup
END:VEVENT
BEGIN:VEVENT
UID:standup
DTSTAMP:20261001T000000Z
RECURRENCE-ID:20261016T140000Z
DTSTART:20261016T160000Z
DTEND:20261016T161500Z
SUMMARY:Standup (moved)
END:VEVENT
END:VCALENDAR`

const allDay = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:offsite
DTSTAMP:20261001T000000Z
DTSTART;VALUE=DATE:20261016
DTEND;VALUE=DATE:20261017
SUMMARY:Offsite
END:VEVENT
END:VCALENDAR`

func dayQuery() provider.EventQuery {
	return provider.EventQuery{
		TimeMin: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		TimeMax: time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC),
	}
}

func TestEventsFromCalendar_Single(t *testing.T) {
	evs, err := eventsFromCalendar("/cal/abc.ics", decode(t, singleEvent), dayQuery(), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	e := evs[0]
	if e.ID != "/cal/abc.ics" || e.Title != "Dentist" || e.Location != "Main St" {
		t.Errorf("event = %+v", e)
	}
	if !e.Start.Equal(time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)) || e.End.Sub(e.Start) != 30*time.Minute {
		t.Errorf("times = %v - %v", e.Start, e.End)
	}
	if len(e.Attendees) != 1 || e.Attendees[0] != "pat@example.com" {
		t.Errorf("attendees = %v", e.Attendees)
	}

	outside := provider.EventQuery{TimeMin: dayQuery().TimeMax, TimeMax: dayQuery().TimeMax.Add(24 * time.Hour)}
	evs, _ = eventsFromCalendar("/cal/abc.ics", decode(t, singleEvent), outside, time.UTC)
	if len(evs) != 0 {
		t.Errorf("event outside range returned: %+v", evs)
	}
}

func TestEventsFromCalendar_RecurringWithOverride(t *testing.T) {
	q := provider.EventQuery{
		TimeMin: time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC),
		TimeMax: time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC),
	}
	evs, err := eventsFromCalendar("/cal/standup.ics", decode(t, weeklyStandup), q, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	provider.SortEvents(evs)
	// Mon 12, Wed 14, Fri 16 (moved).
	if len(evs) != 3 {
		t.Fatalf("got %d occurrences, want 3: %+v", len(evs), evs)
	}
	seen := map[string]bool{}
	for _, e := range evs {
		if seen[e.ID] {
			t.Errorf("duplicate occurrence id %s", e.ID)
		}
		seen[e.ID] = true
		if !strings.HasPrefix(e.ID, "/cal/standup.ics#") {
			t.Errorf("occurrence id = %q", e.ID)
		}
	}
	last := evs[2]
	if last.Title != "Standup (moved)" || last.Start.Hour() != 16 {
		t.Errorf("override not applied: %+v", last)
	}
	if objectPath(last.ID) != "/cal/standup.ics" {
		t.Errorf("objectPath(%q) = %q", last.ID, objectPath(last.ID))
	}
}

func TestEventsFromCalendar_AllDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	q := provider.EventQuery{
		TimeMin: time.Date(2026, 10, 16, 0, 0, 0, 0, loc),
		TimeMax: time.Date(2026, 10, 16, 23, 59, 59, 0, loc),
	}
	evs, err := eventsFromCalendar("/cal/offsite.ics", decode(t, allDay), q, loc)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || !evs[0].AllDay {
		t.Fatalf("events = %+v", evs)
	}
	if got := evs[0].Start; !got.Equal(time.Date(2026, 10, 16, 0, 0, 0, 0, loc)) {
		t.Errorf("all-day start = %v", got)
	}
}

func TestApplyFields(t *testing.T) {
	cal := newCalendar()
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, "x")
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now())
	start := time.Date(2026, 10, 20, 17, 0, 0, 0, time.UTC)
	applyFields(ev, provider.EventFields{
		Title:     "Planning",
		Start:     start,
		End:       start.Add(45 * time.Minute),
		Attendees: []string{"a@example.com", "mailto:b@example.com"},
	})
	cal.Children = append(cal.Children, ev.Component)

	var sb strings.Builder
	if err := ical.NewEncoder(&sb).Encode(cal); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"SUMMARY:Planning", "DTSTART:20261020T170000Z", "mailto:b@example.com", "PRODID:-//cadence//"} {
		if !strings.Contains(out, want) {
			t.Errorf("encoded calendar missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "ATTENDEE") != 2 {
		t.Errorf("attendee count wrong:\n%s", out)
	}

	got := masterEvent(cal)
	if got == nil {
		t.Fatal("masterEvent() = nil")
	}
	e, err := eventFromComponent("/cal/x.ics", got, time.UTC)
	if err != nil || e.Title != "Planning" || !e.Start.Equal(start) {
		t.Errorf("round trip = %+v, %v", e, err)
	}
}

func TestStatusClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/denied":
			http.Error(w, "forbidden", http.StatusForbidden)
		case "/multi":
			w.WriteHeader(http.StatusMultiStatus)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sc := &statusClient{c: srv.Client()}
	req, _ := http.NewRequestWithContext(context.Background(), "PROPFIND", srv.URL+"/denied", nil)
	_, err := sc.Do(req)
	if apperr.Classify(err) != apperr.KindPermission {
		t.Errorf("403 classified as %v", apperr.Classify(err))
	}
	if !strings.Contains(err.Error(), "caldav.propfind") {
		t.Errorf("error = %v", err)
	}

	req, _ = http.NewRequest("REPORT", srv.URL+"/multi", nil)
	resp, err := sc.Do(req)
	if err != nil || resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("207 = %v, %v", resp, err)
	}
	resp.Body.Close()
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); apperr.Classify(err) != apperr.KindConfig {
		t.Errorf("New() without URL: %v", err)
	}
	c, err := New(Config{URL: "https://dav.example.com/", CalendarPath: "/cal/", InviteAttendees: true})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Capabilities().InviteAttendees {
		t.Error("InviteAttendees capability not reported")
	}
}

func TestCreateEvent_Validation(t *testing.T) {
	c, err := New(Config{URL: "https://dav.example.com/", CalendarPath: "/cal/"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.CreateEvent(context.Background(), provider.EventFields{Title: ""})
	if apperr.Classify(err) != apperr.KindValidation {
		t.Errorf("CreateEvent() without title: %v", err)
	}
}
