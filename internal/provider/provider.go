// Package provider defines the provider-agnostic calendar and task shapes
// and the contracts every adapter satisfies. The rundown and the intent
// handlers only ever see these types.
package provider

import (
	"context"
	"sort"
	"time"

	"github.com/nugget/cadence/internal/temporal"
)

// Event is a normalized calendar event. ID is the only identity used for
// deduplication.
type Event struct {
	ID          string
	Title       string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Location    string
	Description string
	Attendees   []string
	// Raw is the adapter's native representation, for logging only.
	Raw any `json:"-"`
}

// Task is a normalized task. A task has either no due date, a civil due
// date (Due), or a timed due instant (DueAt, in which case Due is the
// civil date of DueAt in the provider's zone).
type Task struct {
	ID          string
	Title       string
	Due         temporal.Date
	DueAt       time.Time
	ProjectID   string
	ProjectName string
	Priority    int
	Completed   bool
	URL         string
	Raw         any `json:"-"`
}

// HasDue reports whether the task has any due date.
func (t Task) HasDue() bool { return !t.DueAt.IsZero() || t.Due.Valid() }

// DueDate returns the civil due date as seen in loc. Timed tasks are
// converted; date-only tasks are zone-independent.
func (t Task) DueDate(loc *time.Location) temporal.Date {
	if !t.DueAt.IsZero() {
		return temporal.Today(t.DueAt, loc)
	}
	return t.Due
}

// IsOverdue reports whether an incomplete task's due date has passed:
// its civil due date is before today in loc, or its timed due instant is
// before now.
func (t Task) IsOverdue(now time.Time, loc *time.Location) bool {
	if t.Completed || !t.HasDue() {
		return false
	}
	if !t.DueAt.IsZero() {
		return t.DueAt.Before(now)
	}
	return t.Due.Before(temporal.Today(now, loc))
}

// EventQuery bounds an event listing. Events overlapping the range are
// returned.
type EventQuery struct {
	TimeMin time.Time
	TimeMax time.Time
}

// EventFields carries the writable fields of an event. On update, zero
// values leave the existing field unchanged.
type EventFields struct {
	Title       string
	Start       time.Time
	End         time.Time
	Location    string
	Description string
	Attendees   []string
}

// TaskFields carries the writable fields of a task. On update, zero values
// leave the existing field unchanged.
type TaskFields struct {
	Title     string
	Due       temporal.Date
	DueAt     time.Time
	ProjectID string
	Priority  int
	Completed *bool
}

// TaskFilter selects tasks. From/To bound the civil due date inclusively
// (zero means unbounded); Overdue selects only overdue tasks. Completed
// tasks are excluded unless IncludeCompleted is set.
type TaskFilter struct {
	From             temporal.Date
	To               temporal.Date
	Overdue          bool
	IncludeCompleted bool
	ProjectID        string
	Location         *time.Location
	Now              time.Time
}

func (f TaskFilter) loc() *time.Location {
	if f.Location != nil {
		return f.Location
	}
	return time.UTC
}

// Capabilities advertises optional provider features.
type Capabilities struct {
	// InviteAttendees is true when the account may add attendees to
	// events it creates. Handlers drop attendees when it is false rather
	// than guessing from write failures.
	InviteAttendees bool
}

// Calendar is the calendar provider contract.
type Calendar interface {
	GetEvents(ctx context.Context, q EventQuery) ([]Event, error)
	CreateEvent(ctx context.Context, f EventFields) (Event, error)
	UpdateEvent(ctx context.Context, id string, f EventFields) (Event, error)
	DeleteEvent(ctx context.Context, id string) error
	Capabilities() Capabilities
}

// Tasks is the task provider contract.
type Tasks interface {
	GetTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	CreateTask(ctx context.Context, f TaskFields) (Task, error)
	UpdateTask(ctx context.Context, id string, f TaskFields) (Task, error)
}

// FilterTasks applies f to tasks, preserving order. It is the one place
// the meaning of "due in period" and "overdue" is defined:
//
//   - due in period: not completed, and the civil due date (in f's zone)
//     falls within From..To;
//   - overdue: not completed, and the civil due date is before today or
//     the timed due instant is before now.
func FilterTasks(tasks []Task, f TaskFilter) []Task {
	loc := f.loc()
	var out []Task
	for _, t := range tasks {
		if t.Completed && !f.IncludeCompleted {
			continue
		}
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		if f.Overdue && !t.IsOverdue(f.Now, loc) {
			continue
		}
		if f.From.Valid() || f.To.Valid() {
			if !t.HasDue() {
				continue
			}
			d := t.DueDate(loc)
			if f.From.Valid() && d.Before(f.From) {
				continue
			}
			if f.To.Valid() && d.After(f.To) {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// SortEvents orders events by start, then title.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].Title < events[j].Title
	})
}

// NextEvent returns the first timed event starting at or after now.
func NextEvent(events []Event, now time.Time) (Event, bool) {
	sorted := append([]Event(nil), events...)
	SortEvents(sorted)
	for _, e := range sorted {
		if e.AllDay {
			continue
		}
		if !e.Start.Before(now) {
			return e, true
		}
	}
	return Event{}, false
}
