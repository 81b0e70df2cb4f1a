package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/cadence/internal/temporal"
)

func la(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func ids(tasks []Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestFilterTasks(t *testing.T) {
	loc := la(t)
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, loc)
	today := temporal.NewDate(2026, 10, 16)

	tasks := []Task{
		{ID: "past", Due: today.AddDays(-3)},
		{ID: "today", Due: today},
		{ID: "today-done", Due: today, Completed: true},
		{ID: "timed-earlier", Due: today, DueAt: time.Date(2026, 10, 16, 8, 0, 0, 0, loc)},
		{ID: "timed-later", Due: today, DueAt: time.Date(2026, 10, 16, 15, 0, 0, 0, loc)},
		{ID: "tomorrow", Due: today.AddDays(1), ProjectID: "p2"},
		{ID: "someday"},
		// 02:00 UTC on the 17th is still the 16th in Los Angeles.
		{ID: "utc-edge", DueAt: time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC)},
	}

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{
			name:   "due today",
			filter: TaskFilter{From: today, To: today, Location: loc, Now: now},
			want:   []string{"today", "timed-earlier", "timed-later", "utc-edge"},
		},
		{
			name:   "overdue",
			filter: TaskFilter{Overdue: true, Location: loc, Now: now},
			want:   []string{"past", "timed-earlier"},
		},
		{
			name:   "project",
			filter: TaskFilter{ProjectID: "p2", Location: loc, Now: now},
			want:   []string{"tomorrow"},
		},
		{
			name:   "include completed",
			filter: TaskFilter{From: today, To: today, IncludeCompleted: true, Location: loc, Now: now},
			want:   []string{"today", "today-done", "timed-earlier", "timed-later", "utc-edge"},
		},
		{
			name:   "unbounded",
			filter: TaskFilter{Location: loc, Now: now},
			want:   []string{"past", "today", "timed-earlier", "timed-later", "tomorrow", "someday", "utc-edge"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(FilterTasks(tasks, tt.filter))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("FilterTasks() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNextEvent(t *testing.T) {
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{ID: "late", Start: now.Add(3 * time.Hour)},
		{ID: "allday", Start: now.Add(-10 * time.Hour), AllDay: true},
		{ID: "past", Start: now.Add(-time.Hour)},
		{ID: "soon", Start: now.Add(30 * time.Minute)},
	}
	got, ok := NextEvent(events, now)
	if !ok || got.ID != "soon" {
		t.Errorf("NextEvent() = %v, %v; want soon", got.ID, ok)
	}
	if events[0].ID != "late" {
		t.Error("NextEvent() reordered its input")
	}
	if _, ok := NextEvent(events[1:3], now); ok {
		t.Error("NextEvent() found an event among past ones")
	}
}

type countingCalendar struct {
	mu    sync.Mutex
	reads int
}

func (c *countingCalendar) GetEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return []Event{{ID: "e1", Start: q.TimeMin}}, nil
}
func (c *countingCalendar) CreateEvent(ctx context.Context, f EventFields) (Event, error) {
	return Event{ID: "new", Title: f.Title}, nil
}
func (c *countingCalendar) UpdateEvent(ctx context.Context, id string, f EventFields) (Event, error) {
	return Event{ID: id}, nil
}
func (c *countingCalendar) DeleteEvent(ctx context.Context, id string) error { return nil }
func (c *countingCalendar) Capabilities() Capabilities { return Capabilities{} }

func TestCachedCalendar(t *testing.T) {
	inner := &countingCalendar{}
	c := NewCachedCalendar(inner, 8, time.Minute)
	ctx := context.Background()
	q := EventQuery{TimeMin: time.Date(2026, 10, 16, 7, 0, 0, 0, time.UTC), TimeMax: time.Date(2026, 10, 17, 7, 0, 0, 0, time.UTC)}

	for range 3 {
		evs, err := c.GetEvents(ctx, q)
		if err != nil || len(evs) != 1 {
			t.Fatalf("GetEvents() = %v, %v", evs, err)
		}
		evs[0].Title = "mutated"
	}
	if inner.reads != 1 {
		t.Errorf("reads = %d, want 1", inner.reads)
	}
	evs, _ := c.GetEvents(ctx, q)
	if evs[0].Title == "mutated" {
		t.Error("cache returned a caller-mutated slice")
	}

	if _, err := c.CreateEvent(ctx, EventFields{Title: "x"}); err != nil {
		t.Fatal(err)
	}
	c.GetEvents(ctx, q)
	if inner.reads != 2 {
		t.Errorf("reads after write = %d, want 2", inner.reads)
	}
}

type countingTasks struct {
	reads int
	tasks []Task
}

func (c *countingTasks) GetTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	c.reads++
	return FilterTasks(c.tasks, f), nil
}
func (c *countingTasks) CreateTask(ctx context.Context, f TaskFields) (Task, error) {
	return Task{ID: "new"}, nil
}
func (c *countingTasks) UpdateTask(ctx context.Context, id string, f TaskFields) (Task, error) {
	return Task{ID: id}, nil
}

func TestCachedTasks_KeyedByDay(t *testing.T) {
	inner := &countingTasks{tasks: []Task{{ID: "a", Due: temporal.NewDate(2026, 10, 15)}}}
	c := NewCachedTasks(inner, 8, time.Hour)
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

	c.GetTasks(ctx, TaskFilter{Overdue: true, Now: now})
	c.GetTasks(ctx, TaskFilter{Overdue: true, Now: now.Add(time.Minute)})
	if inner.reads != 1 {
		t.Errorf("reads = %d, want 1", inner.reads)
	}
	c.GetTasks(ctx, TaskFilter{Overdue: true, Now: now.Add(24 * time.Hour)})
	if inner.reads != 2 {
		t.Errorf("reads on next day = %d, want 2", inner.reads)
	}
	done := true
	c.UpdateTask(ctx, "a", TaskFields{Completed: &done})
	c.GetTasks(ctx, TaskFilter{Overdue: true, Now: now})
	if inner.reads != 3 {
		t.Errorf("reads after write = %d, want 3", inner.reads)
	}
}
