package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/intent"
	"github.com/nugget/cadence/internal/provider"
	"github.com/nugget/cadence/internal/temporal"
)

const (
	defaultEventLength = time.Hour
	nextMeetingWindow  = 7 * 24 * time.Hour
)

func (h *Handlers) handleNextMeeting(ctx context.Context, req intent.Request, _ intent.Slots) (string, error) {
	cal, err := h.calendar()
	if err != nil {
		return "", err
	}
	_, loc := h.zone(ctx, req.UserID)
	now := h.now()

	cctx, cancel := h.call(ctx)
	defer cancel()
	evs, err := cal.GetEvents(cctx, provider.EventQuery{TimeMin: now, TimeMax: now.Add(nextMeetingWindow)})
	if err != nil {
		return "", fmt.Errorf("next meeting: %w", err)
	}
	e, ok := provider.NextEvent(evs, now)
	if !ok {
		return "Nothing on your calendar for the next 7 days.", nil
	}
	req.Store(LastEventKey, e.ID)

	reply := fmt.Sprintf("Next up: *%s* %s (in %s)", e.Title, when(e, loc, now), until(e.Start.Sub(now)))
	if e.Location != "" {
		reply += "\n📍 " + e.Location
	}
	return reply, nil
}

func (h *Handlers) handleListEvents(ctx context.Context, req intent.Request, slots intent.Slots) (string, error) {
	cal, err := h.calendar()
	if err != nil {
		return "", err
	}
	p, err := h.period(ctx, req, slots)
	if err != nil {
		return "", err
	}

	cctx, cancel := h.call(ctx)
	defer cancel()
	evs, err := cal.GetEvents(cctx, provider.EventQuery{TimeMin: p.Start, TimeMax: p.End})
	if err != nil {
		return "", fmt.Errorf("list events: %w", err)
	}
	if len(evs) == 0 {
		return fmt.Sprintf("Nothing on your calendar for %s.", p.Label()), nil
	}
	provider.SortEvents(evs)
	if len(evs) == 1 {
		req.Store(LastEventKey, evs[0].ID)
	}

	loc := p.Location()
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* (%d)", p.Label(), len(evs))
	for _, e := range evs {
		fmt.Fprintf(&b, "\n• %s  %s", eventTime(e, loc, p.Days() > 1), e.Title)
	}
	return b.String(), nil
}

func (h *Handlers) handleCreateEvent(ctx context.Context, req intent.Request, slots intent.Slots) (string, error) {
	cal, err := h.calendar()
	if err != nil {
		return "", err
	}
	_, loc := h.zone(ctx, req.UserID)
	now := h.now()

	date, err := temporal.ParseDate(slots.StringOr("date", ""), loc, now)
	if err != nil {
		return "", err
	}
	tod, err := temporal.ParseTime(slots.StringOr("time", ""))
	if err != nil {
		return "", err
	}
	start := date.At(tod.Hour, tod.Minute, 0, 0).In(loc)

	length := defaultEventLength
	if mins, ok := slots.Int("duration_minutes"); ok {
		if mins <= 0 || mins > 24*60 {
			return "", apperr.Validation("The duration should be between 1 and 1440 minutes.", "30", "60", "90")
		}
		length = time.Duration(mins) * time.Minute
	}

	f := provider.EventFields{
		Title:    slots.StringOr("title", ""),
		Start:    start,
		End:      start.Add(length),
		Location: slots.StringOr("location", ""),
	}

	var note string
	if list, ok := slots.String("attendees"); ok {
		attendees := splitList(list)
		if cal.Capabilities().InviteAttendees {
			f.Attendees = attendees
		} else if len(attendees) > 0 {
			note = "\nI can't send invitations from this calendar, so I left the attendees off."
			h.logger.Info("attendees dropped", "user_id", req.UserID, "count", len(attendees))
		}
	}

	cctx, cancel := h.call(ctx)
	defer cancel()
	e, err := cal.CreateEvent(cctx, f)
	if err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	req.Store(LastEventKey, e.ID)
	h.logger.Info("event created", "user_id", req.UserID, "event_id", e.ID)

	return fmt.Sprintf("Scheduled *%s* %s.", e.Title, when(e, loc, now)) + note, nil
}

func (h *Handlers) handleRescheduleEvent(ctx context.Context, req intent.Request, slots intent.Slots) (string, error) {
	cal, err := h.calendar()
	if err != nil {
		return "", err
	}
	dateTok, hasDate := slots.String("date")
	timeTok, hasTime := slots.String("time")
	if !hasDate && !hasTime {
		return "When should I move it to?", nil
	}

	res, err := h.resolveEvent(ctx, cal, req, slots)
	if err != nil {
		return "", err
	}
	if res.question != "" {
		return res.question, nil
	}
	e := res.match
	if e.AllDay {
		return "", apperr.Validation("I can only reschedule timed events.")
	}

	_, loc := h.zone(ctx, req.UserID)
	now := h.now()
	local := e.Start.In(loc)

	date := temporal.Today(local, loc)
	if hasDate {
		if date, err = temporal.ParseDate(dateTok, loc, now); err != nil {
			return "", err
		}
	}
	tod := temporal.TimeOfDay{Hour: local.Hour(), Minute: local.Minute()}
	if hasTime {
		if tod, err = temporal.ParseTime(timeTok); err != nil {
			return "", err
		}
	}
	start := date.At(tod.Hour, tod.Minute, 0, 0).In(loc)
	length := e.End.Sub(e.Start)
	if length <= 0 {
		length = defaultEventLength
	}

	cctx, cancel := h.call(ctx)
	defer cancel()
	moved, err := cal.UpdateEvent(cctx, e.ID, provider.EventFields{Start: start, End: start.Add(length)})
	if err != nil {
		return "", fmt.Errorf("reschedule event: %w", err)
	}
	req.Store(LastEventKey, moved.ID)
	h.logger.Info("event rescheduled", "user_id", req.UserID, "event_id", moved.ID)

	return fmt.Sprintf("Rescheduled *%s*, now %s.", moved.Title, when(moved, loc, now)), nil
}

func (h *Handlers) handleCancelEvent(ctx context.Context, req intent.Request, slots intent.Slots) (string, error) {
	cal, err := h.calendar()
	if err != nil {
		return "", err
	}
	res, err := h.resolveEvent(ctx, cal, req, slots)
	if err != nil {
		return "", err
	}
	if res.question != "" {
		return res.question, nil
	}
	e := res.match

	cctx, cancel := h.call(ctx)
	defer cancel()
	if err := cal.DeleteEvent(cctx, e.ID); err != nil {
		return "", fmt.Errorf("cancel event: %w", err)
	}
	h.logger.Info("event cancelled", "user_id", req.UserID, "event_id", e.ID)

	_, loc := h.zone(ctx, req.UserID)
	return fmt.Sprintf("Cancelled *%s* %s.", e.Title, when(e, loc, h.now())), nil
}

// when renders an event start relative to today: "today at 3:00 PM",
// "tomorrow at 9:30 AM" or "on Fri Mar 14 at 10:00 AM".
func when(e provider.Event, loc *time.Location, now time.Time) string {
	start := e.Start.In(loc)
	today := temporal.Today(now, loc)
	day := temporal.Today(start, loc)

	var d string
	switch today.DaysUntil(day) {
	case 0:
		d = "today"
	case 1:
		d = "tomorrow"
	default:
		d = "on " + start.Format("Mon Jan 2")
	}
	if e.AllDay {
		return d + " (all day)"
	}
	return d + " at " + start.Format("3:04 PM")
}

func eventTime(e provider.Event, loc *time.Location, withDay bool) string {
	start := e.Start.In(loc)
	prefix := ""
	if withDay {
		prefix = start.Format("Mon Jan 2") + " "
	}
	if e.AllDay {
		return prefix + "All day"
	}
	return prefix + start.Format("3:04 PM")
}

func until(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "under a minute"
	}
	h, m := int(d.Hours()), int(d.Minutes())%60
	switch {
	case h >= 48:
		return fmt.Sprintf("%d days", h/24)
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh%dm", h, m)
}
