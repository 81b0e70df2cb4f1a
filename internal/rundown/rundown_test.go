package rundown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/events"
	"github.com/nugget/cadence/internal/provider"
	"github.com/nugget/cadence/internal/temporal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeCalendar struct {
	events []provider.Event
	err    error
	block  bool
}

func (f *fakeCalendar) GetEvents(ctx context.Context, q provider.EventQuery) ([]provider.Event, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []provider.Event
	for _, e := range f.events {
		if e.End.After(q.TimeMin) && e.Start.Before(q.TimeMax) {
			out = append(out, e)
		}
	}
	return out, nil
}
func (f *fakeCalendar) CreateEvent(context.Context, provider.EventFields) (provider.Event, error) {
	return provider.Event{}, nil
}
func (f *fakeCalendar) UpdateEvent(context.Context, string, provider.EventFields) (provider.Event, error) {
	return provider.Event{}, nil
}
func (f *fakeCalendar) DeleteEvent(context.Context, string) error { return nil }
func (f *fakeCalendar) Capabilities() provider.Capabilities { return provider.Capabilities{} }

type fakeTasks struct {
	tasks []provider.Task
	err   error
}

func (f *fakeTasks) GetTasks(_ context.Context, filter provider.TaskFilter) ([]provider.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	return provider.FilterTasks(f.tasks, filter), nil
}
func (f *fakeTasks) CreateTask(context.Context, provider.TaskFields) (provider.Task, error) {
	return provider.Task{}, nil
}
func (f *fakeTasks) UpdateTask(context.Context, string, provider.TaskFields) (provider.Task, error) {
	return provider.Task{}, nil
}

var (
	testZone = "America/Chicago"
	// Friday, 10:00 in Chicago.
	testNow = time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)
)

func today(t *testing.T) temporal.PeriodSpec {
	t.Helper()
	p, err := temporal.RangeBuilder{Now: func() time.Time { return testNow }}.Today(testZone)
	if err != nil {
		t.Fatalf("Today(): %v", err)
	}
	return p
}

func newTestAggregator(cal provider.Calendar, tasks provider.Tasks, bus *events.Bus) *Aggregator {
	return New(Config{
		Calendar:     cal,
		Tasks:        tasks,
		FetchTimeout: 50 * time.Millisecond,
		Bus:          bus,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:          func() time.Time { return testNow },
	})
}

func at(h, m int) time.Time {
	loc, _ := time.LoadLocation(testZone)
	return time.Date(2026, 10, 16, h, m, 0, 0, loc)
}

func taskIDs(ts []provider.Task) []string {
	var out []string
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

func TestDedup_KeepsFirstSeen(t *testing.T) {
	d1 := temporal.NewDate(2026, 10, 12)
	d2 := temporal.NewDate(2026, 10, 16)
	got := Dedup([]provider.Task{
		{ID: "t1", Title: "Invoice", Due: d1},
		{ID: "t2", Title: "Other"},
		{ID: "t1", Title: "Invoice", Due: d2},
	})
	if len(got) != 2 {
		t.Fatalf("Dedup() kept %d tasks, want 2", len(got))
	}
	if got[0].ID != "t1" || got[0].Due != d1 {
		t.Errorf("Dedup() kept %+v, want the first-seen t1", got[0])
	}
}

func TestRollup_Ordering(t *testing.T) {
	tasks := []provider.Task{
		{ID: "1", ProjectID: "a", ProjectName: "Alpha"},
		{ID: "2", ProjectID: "b", ProjectName: "Beta"},
		{ID: "3", ProjectID: "b", ProjectName: "Beta"},
		{ID: "4", ProjectID: "c", ProjectName: "Gamma"},
		{ID: "5", ProjectID: "c", ProjectName: "Gamma"},
		{ID: "6"},
		{ID: "7", ProjectID: "d", ProjectName: "Delta"},
	}
	overdue := map[string]bool{"1": true, "7": true}
	got := Rollup(tasks, func(t provider.Task) bool { return overdue[t.ID] })

	var names []string
	for _, p := range got {
		names = append(names, p.Name)
	}
	// Alpha and Delta tie on overdue and total, so input order holds;
	// Beta and Gamma tie the same way.
	want := []string{"Alpha", "Delta", "Beta", "Gamma", "No project"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Rollup() order mismatch (-want +got):\n%s", diff)
	}
	if len(got[0].Overdue) != 1 || len(got[2].InPeriod) != 2 {
		t.Errorf("Rollup() split = %+v", got)
	}
}

func TestInsights(t *testing.T) {
	if got := Insights(3, 15, 4); len(got) != 0 {
		t.Errorf("Insights at thresholds = %q, want none", got)
	}
	got := Insights(4, 16, 5)
	if len(got) != 3 {
		t.Fatalf("Insights() = %q, want 3", got)
	}
	for i, want := range []string{"heavy schedule", "major backlog", "batch tasks by project"} {
		if !strings.Contains(got[i], want) {
			t.Errorf("insight %d = %q, want it to mention %q", i, got[i], want)
		}
	}
}

func TestBuild_MergesAndClassifies(t *testing.T) {
	period := today(t)
	d := period.StartDate
	cal := &fakeCalendar{events: []provider.Event{
		{ID: "e2", Title: "Design review", Start: at(14, 0), End: at(15, 0)},
		{ID: "e1", Title: "Standup", Start: at(9, 0), End: at(9, 15)},
		{ID: "e3", Title: "1:1", Start: at(11, 0), End: at(11, 30)},
	}}
	tasks := &fakeTasks{tasks: []provider.Task{
		{ID: "late", Title: "File expenses", Due: d.AddDays(-2), ProjectID: "fin", ProjectName: "Finance"},
		// Due at 08:00 today: overdue and due today, kept once as overdue.
		{ID: "morning", Title: "Send agenda", Due: d, DueAt: at(8, 0), ProjectID: "ops", ProjectName: "Ops"},
		{ID: "today", Title: "Review PR", Due: d, ProjectID: "eng", ProjectName: "Eng"},
		{ID: "done", Title: "Old", Due: d, Completed: true},
		{ID: "later", Title: "Plan Q1", Due: d.AddDays(3)},
	}}
	bus := events.New()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	r, err := newTestAggregator(cal, tasks, bus).Build(context.Background(), period, "U1")
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if diff := cmp.Diff([]string{"late", "morning", "today"}, taskIDs(r.Tasks)); diff != "" {
		t.Errorf("Tasks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"late", "morning"}, taskIDs(r.Overdue)); diff != "" {
		t.Errorf("Overdue mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"today"}, taskIDs(r.DueInPeriod)); diff != "" {
		t.Errorf("DueInPeriod mismatch (-want +got):\n%s", diff)
	}
	if r.Events[0].ID != "e1" {
		t.Errorf("events not sorted: first is %s", r.Events[0].ID)
	}
	if r.NextMeeting == nil || r.NextMeeting.ID != "e3" {
		t.Errorf("NextMeeting = %+v, want e3", r.NextMeeting)
	}
	if len(r.Failures) != 0 {
		t.Errorf("Failures = %+v", r.Failures)
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindRundownBuilt || e.Data["overdue"] != 2 {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no rundown event")
	}

	text := Render(r, Slack)
	for _, want := range []string{
		"*Rundown for Friday, Oct 16*",
		"*Calendar (3)*",
		"• 9:00 AM–9:15 AM  Standup",
		"_Next up: 1:1 at 11:00 AM (in 1h)_",
		"*Overdue (2)*",
		"• File expenses (due Oct 14) · Finance",
		"*Due today (1)*",
		"• Review PR · Eng",
		"*By project*",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered rundown missing %q:\n%s", want, text)
		}
	}
}

func TestBuild_NoNextMeetingForOtherDays(t *testing.T) {
	p, err := temporal.RangeBuilder{Now: func() time.Time { return testNow }}.Tomorrow(testZone)
	if err != nil {
		t.Fatal(err)
	}
	cal := &fakeCalendar{events: []provider.Event{{ID: "e", Start: at(9, 0).AddDate(0, 0, 1), End: at(10, 0).AddDate(0, 0, 1)}}}
	r, err := newTestAggregator(cal, &fakeTasks{}, nil).Build(context.Background(), p, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if r.NextMeeting != nil {
		t.Errorf("NextMeeting = %+v for tomorrow's rundown", r.NextMeeting)
	}
	if len(r.Events) != 1 {
		t.Errorf("Events = %d, want 1", len(r.Events))
	}
}

func TestBuild_IsolatesFailures(t *testing.T) {
	period := today(t)
	cal := &fakeCalendar{block: true}
	tasks := &fakeTasks{tasks: []provider.Task{{ID: "a", Title: "Call bank", Due: period.StartDate}}}

	r, err := newTestAggregator(cal, tasks, nil).Build(context.Background(), period, "U1")
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(r.DueInPeriod) != 1 {
		t.Errorf("tasks lost when calendar failed: %+v", r.DueInPeriod)
	}
	var fetches []string
	for _, f := range r.Failures {
		fetches = append(fetches, f.Fetch)
	}
	if diff := cmp.Diff([]string{FetchEvents, FetchNextMeeting}, fetches); diff != "" {
		t.Errorf("Failures mismatch (-want +got):\n%s", diff)
	}

	text := Render(r, Slack)
	if strings.Contains(text, "*Calendar") {
		t.Errorf("rendered an empty calendar section for a failed fetch:\n%s", text)
	}
	if !strings.Contains(text, "_Couldn't load calendar (timed out), next meeting (timed out)._") {
		t.Errorf("missing failure note:\n%s", text)
	}
}

func TestBuild_AllFetchesFail(t *testing.T) {
	period := today(t)
	cal := &fakeCalendar{err: apperr.FromStatus("caldav.get_events", 401, "")}
	tasks := &fakeTasks{err: errors.New("boom")}

	_, err := newTestAggregator(cal, tasks, nil).Build(context.Background(), period, "U1")
	if err == nil {
		t.Fatal("Build() succeeded with every source failing")
	}
	if apperr.Classify(err) != apperr.KindAuth {
		t.Errorf("Classify() = %v, want auth", apperr.Classify(err))
	}
}

func TestBuild_Unconfigured(t *testing.T) {
	period := today(t)
	r, err := newTestAggregator(nil, &fakeTasks{}, nil).Build(context.Background(), period, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Failures) != 1 || apperr.Classify(r.Failures[0].Err) != apperr.KindConfig {
		t.Errorf("Failures = %+v, want one config failure", r.Failures)
	}

	_, err = newTestAggregator(nil, nil, nil).Build(context.Background(), period, "U1")
	if apperr.Classify(err) != apperr.KindConfig {
		t.Errorf("all unconfigured: err = %v", err)
	}
}

func TestBuild_WeekRendersDays(t *testing.T) {
	p, err := temporal.RangeBuilder{Now: func() time.Time { return testNow }}.Week(testZone)
	if err != nil {
		t.Fatal(err)
	}
	cal := &fakeCalendar{events: []provider.Event{{ID: "e", Title: "Offsite", Start: at(9, 0).AddDate(0, 0, -2), End: at(17, 0).AddDate(0, 0, -2)}}}
	r, err := newTestAggregator(cal, &fakeTasks{}, nil).Build(context.Background(), p, "U1")
	if err != nil {
		t.Fatal(err)
	}
	text := Render(r, Markdown)
	for _, want := range []string{"**Rundown for Oct 11 - Oct 17**", "- Wed Oct 14 9:00 AM–5:00 PM  Offsite", "**Due this week (0)**"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q:\n%s", want, text)
		}
	}
}
