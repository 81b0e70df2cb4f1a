// Package caldav adapts a CalDAV calendar collection to
// [provider.Calendar].
//
// Event IDs are object paths. An occurrence of a recurring event gets the
// object path plus "#" and the occurrence's start in Unix seconds;
// writes addressed to an occurrence apply to the whole series.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/buildinfo"
	"github.com/nugget/cadence/internal/httpkit"
	"github.com/nugget/cadence/internal/provider"
)

// Config configures a Calendar.
type Config struct {
	// URL is the server endpoint.
	URL      string
	Username string
	Password string
	// CalendarPath is the calendar collection. Empty means discover the
	// first calendar of the current user that holds events.
	CalendarPath string
	// InviteAttendees allows attendees on created events.
	InviteAttendees bool
	// Location resolves floating times. Nil means UTC.
	Location *time.Location
	HTTP     *http.Client
	Logger   *slog.Logger
}

// Calendar is a CalDAV-backed [provider.Calendar].
type Calendar struct {
	client *caldav.Client
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	calPath string
}

// New creates a Calendar. It does not contact the server.
func New(cfg Config) (*Calendar, error) {
	if cfg.URL == "" {
		return nil, apperr.Config("caldav.url")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithLogger(logger), httpkit.WithRetry(2, 500*time.Millisecond))
	}
	var wc webdav.HTTPClient = &statusClient{c: hc}
	if cfg.Username != "" {
		wc = webdav.HTTPClientWithBasicAuth(wc, cfg.Username, cfg.Password)
	}
	client, err := caldav.NewClient(wc, cfg.URL)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "caldav.new", err)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Calendar{client: client, cfg: cfg, logger: logger, calPath: cfg.CalendarPath}, nil
}

// Capabilities implements provider.Calendar.
func (c *Calendar) Capabilities() provider.Capabilities {
	return provider.Capabilities{InviteAttendees: c.cfg.InviteAttendees}
}

// calendarPath returns the configured or discovered collection path.
func (c *Calendar) calendarPath(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calPath != "" {
		return c.calPath, nil
	}

	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("caldav: find principal: %w", err)
	}
	home, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("caldav: find calendar home: %w", err)
	}
	cals, err := c.client.FindCalendars(ctx, home)
	if err != nil {
		return "", fmt.Errorf("caldav: list calendars: %w", err)
	}
	for _, cal := range cals {
		if supportsEvents(cal.SupportedComponentSet) {
			c.calPath = cal.Path
			c.logger.Info("caldav calendar discovered", "path", cal.Path, "name", cal.Name)
			return c.calPath, nil
		}
	}
	return "", apperr.Config("caldav.calendar")
}

func supportsEvents(set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if strings.EqualFold(s, ical.CompEvent) {
			return true
		}
	}
	return false
}

// GetEvents implements provider.Calendar.
func (c *Calendar) GetEvents(ctx context.Context, q provider.EventQuery) ([]provider.Event, error) {
	calPath, err := c.calendarPath(ctx)
	if err != nil {
		return nil, err
	}
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Props: []string{ical.PropVersion},
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: q.TimeMin, End: q.TimeMax}},
		},
	}
	objs, err := c.client.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, fmt.Errorf("caldav: query %s: %w", calPath, err)
	}

	var out []provider.Event
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		evs, err := eventsFromCalendar(obj.Path, obj.Data, q, c.cfg.Location)
		if err != nil {
			c.logger.Warn("skipping unreadable calendar object", "path", obj.Path, "error", err)
			continue
		}
		out = append(out, evs...)
	}
	provider.SortEvents(out)
	return out, nil
}

// CreateEvent implements provider.Calendar.
func (c *Calendar) CreateEvent(ctx context.Context, f provider.EventFields) (provider.Event, error) {
	if strings.TrimSpace(f.Title) == "" || f.Start.IsZero() {
		return provider.Event{}, apperr.Validation("An event needs a title and a start time.")
	}
	if f.End.IsZero() || !f.End.After(f.Start) {
		f.End = f.Start.Add(time.Hour)
	}
	if !c.cfg.InviteAttendees && len(f.Attendees) > 0 {
		c.logger.Info("dropping attendees; invitations disabled", "attendees", len(f.Attendees))
		f.Attendees = nil
	}
	calPath, err := c.calendarPath(ctx)
	if err != nil {
		return provider.Event{}, err
	}

	uid := uuid.NewString()
	cal := newCalendar()
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	applyFields(ev, f)
	cal.Children = append(cal.Children, ev.Component)

	objPath := path.Join(calPath, uid+".ics")
	if _, err := c.client.PutCalendarObject(ctx, objPath, cal); err != nil {
		return provider.Event{}, fmt.Errorf("caldav: create event: %w", err)
	}
	return eventFromComponent(objPath, ev, c.cfg.Location)
}

// UpdateEvent implements provider.Calendar.
func (c *Calendar) UpdateEvent(ctx context.Context, id string, f provider.EventFields) (provider.Event, error) {
	objPath := objectPath(id)
	obj, err := c.client.GetCalendarObject(ctx, objPath)
	if err != nil {
		return provider.Event{}, fmt.Errorf("caldav: get %s: %w", objPath, err)
	}
	ev := masterEvent(obj.Data)
	if ev == nil {
		return provider.Event{}, apperr.NotFound("caldav.update_event", "event "+id)
	}
	if !c.cfg.InviteAttendees {
		f.Attendees = nil
	}
	// Keep the duration when only the start moves.
	if !f.Start.IsZero() && f.End.IsZero() {
		if s, err := ev.DateTimeStart(c.cfg.Location); err == nil {
			if e, err := ev.DateTimeEnd(c.cfg.Location); err == nil && e.After(s) {
				f.End = f.Start.Add(e.Sub(s))
			}
		}
	}
	applyFields(ev, f)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	if _, err := c.client.PutCalendarObject(ctx, objPath, obj.Data); err != nil {
		return provider.Event{}, fmt.Errorf("caldav: update %s: %w", objPath, err)
	}
	return eventFromComponent(objPath, ev, c.cfg.Location)
}

// DeleteEvent implements provider.Calendar.
func (c *Calendar) DeleteEvent(ctx context.Context, id string) error {
	objPath := objectPath(id)
	if err := c.client.RemoveAll(ctx, objPath); err != nil {
		return fmt.Errorf("caldav: delete %s: %w", objPath, err)
	}
	return nil
}

func objectPath(id string) string {
	if i := strings.IndexByte(id, '#'); i >= 0 {
		return id[:i]
	}
	return id
}

func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//cadence//"+buildinfo.Version+"//EN")
	return cal
}

// masterEvent returns the VEVENT without a RECURRENCE-ID.
func masterEvent(cal *ical.Calendar) *ical.Event {
	if cal == nil {
		return nil
	}
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if child.Props.Get(ical.PropRecurrenceID) == nil {
			return &ical.Event{Component: child}
		}
	}
	return nil
}

// applyFields writes the non-zero fields of f into ev.
func applyFields(ev *ical.Event, f provider.EventFields) {
	if f.Title != "" {
		ev.Props.SetText(ical.PropSummary, f.Title)
	}
	if !f.Start.IsZero() {
		ev.Props.SetDateTime(ical.PropDateTimeStart, f.Start.UTC())
	}
	if !f.End.IsZero() {
		ev.Props.SetDateTime(ical.PropDateTimeEnd, f.End.UTC())
	}
	if f.Location != "" {
		ev.Props.SetText(ical.PropLocation, f.Location)
	}
	if f.Description != "" {
		ev.Props.SetText(ical.PropDescription, f.Description)
	}
	if len(f.Attendees) > 0 {
		ev.Props.Del(ical.PropAttendee)
		for _, a := range f.Attendees {
			p := ical.NewProp(ical.PropAttendee)
			p.Value = "mailto:" + strings.TrimPrefix(a, "mailto:")
			p.Params.Set(ical.ParamParticipationStatus, "NEEDS-ACTION")
			ev.Props.Add(p)
		}
	}
}
