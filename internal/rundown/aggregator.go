// Package rundown composes the period summary: calendar events, tasks due
// in the period, overdue tasks, and the next meeting, grouped by project
// with a few rule-based insights.
package rundown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/events"
	"github.com/nugget/cadence/internal/provider"
	"github.com/nugget/cadence/internal/temporal"
)

// DefaultFetchTimeout bounds each provider fetch.
const DefaultFetchTimeout = 10 * time.Second

// Fetch names, also used in rendered failure notes.
const (
	FetchEvents      = "calendar"
	FetchPeriodTasks = "tasks"
	FetchOverdue     = "overdue tasks"
	FetchNextMeeting = "next meeting"
)

// Config holds the dependencies for an Aggregator. A nil Calendar or
// Tasks turns the corresponding fetches into configuration failures
// naming CalendarSetting or TasksSetting.
type Config struct {
	Calendar        provider.Calendar
	Tasks           provider.Tasks
	CalendarSetting string
	TasksSetting    string
	FetchTimeout    time.Duration
	Bus             *events.Bus
	Logger          *slog.Logger
	Now             func() time.Time
}

// Aggregator builds rundowns. It is safe for concurrent use.
type Aggregator struct {
	calendar        provider.Calendar
	tasks           provider.Tasks
	calendarSetting string
	tasksSetting    string
	timeout         time.Duration
	bus             *events.Bus
	logger          *slog.Logger
	now             func() time.Time
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	a := &Aggregator{
		calendar:        cfg.Calendar,
		tasks:           cfg.Tasks,
		calendarSetting: cfg.CalendarSetting,
		tasksSetting:    cfg.TasksSetting,
		timeout:         cfg.FetchTimeout,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
	if a.calendarSetting == "" {
		a.calendarSetting = "calendar"
	}
	if a.tasksSetting == "" {
		a.tasksSetting = "tasks"
	}
	if a.timeout <= 0 {
		a.timeout = DefaultFetchTimeout
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// FetchFailure records one fetch that did not complete.
type FetchFailure struct {
	Fetch string
	Err   error
}

// Rundown is the composed summary for one period.
type Rundown struct {
	Period      temporal.PeriodSpec
	GeneratedAt time.Time
	Events      []provider.Event
	// NextMeeting is set only for today's rundown.
	NextMeeting *provider.Event
	// Tasks is the deduplicated task list, overdue tasks first.
	Tasks       []provider.Task
	Overdue     []provider.Task
	DueInPeriod []provider.Task
	Projects    []ProjectRollup
	Insights    []string
	Failures    []FetchFailure
}

// Meetings counts timed events; all-day entries are not meetings.
func (r *Rundown) Meetings() int {
	n := 0
	for _, e := range r.Events {
		if !e.AllDay {
			n++
		}
	}
	return n
}

// Build runs the fetches concurrently and composes the result. A failed
// fetch is recorded in Failures and the rest of the rundown still
// renders; Build only fails when every fetch failed.
func (a *Aggregator) Build(ctx context.Context, period temporal.PeriodSpec, userID string) (*Rundown, error) {
	start := a.now()
	loc := period.Location()
	log := a.logger.With("user_id", userID, "period", period.Label())

	var (
		mu       sync.Mutex
		failures []FetchFailure
		evs      []provider.Event
		inPeriod []provider.Task
		overdue  []provider.Task
		next     *provider.Event
		attempts int
	)
	fail := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, FetchFailure{Fetch: name, Err: err})
		log.Warn("rundown fetch failed", "fetch", name, "error_kind", apperr.Classify(err).String(), "error", err)
	}

	// A plain Group: one fetch failing must not cancel the others.
	var g errgroup.Group
	run := func(name string, fn func(ctx context.Context) error) {
		attempts++
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			if err := fn(fctx); err != nil {
				fail(name, fmt.Errorf("%s: %w", name, err))
			}
			return nil
		})
	}

	run(FetchEvents, func(ctx context.Context) error {
		if a.calendar == nil {
			return apperr.Config(a.calendarSetting)
		}
		got, err := a.calendar.GetEvents(ctx, provider.EventQuery{TimeMin: period.Start, TimeMax: period.End})
		if err != nil {
			return err
		}
		provider.SortEvents(got)
		evs = got
		return nil
	})
	run(FetchPeriodTasks, func(ctx context.Context) error {
		if a.tasks == nil {
			return apperr.Config(a.tasksSetting)
		}
		got, err := a.tasks.GetTasks(ctx, provider.TaskFilter{From: period.StartDate, To: period.EndDate, Location: loc, Now: start})
		if err != nil {
			return err
		}
		// Adapters may over-fetch; the canonical filter has the last word.
		inPeriod = provider.FilterTasks(got, provider.TaskFilter{From: period.StartDate, To: period.EndDate, Location: loc, Now: start})
		return nil
	})
	run(FetchOverdue, func(ctx context.Context) error {
		if a.tasks == nil {
			return apperr.Config(a.tasksSetting)
		}
		got, err := a.tasks.GetTasks(ctx, provider.TaskFilter{Overdue: true, Location: loc, Now: start})
		if err != nil {
			return err
		}
		overdue = provider.FilterTasks(got, provider.TaskFilter{Overdue: true, Location: loc, Now: start})
		return nil
	})
	if period.Kind == temporal.PeriodDay && period.IsToday(start) && a.calendar != nil {
		run(FetchNextMeeting, func(ctx context.Context) error {
			got, err := a.calendar.GetEvents(ctx, provider.EventQuery{TimeMin: start, TimeMax: period.End})
			if err != nil {
				return err
			}
			if e, ok := provider.NextEvent(got, start); ok {
				next = &e
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == attempts {
		errs := make([]error, 0, len(failures))
		for _, f := range sortFailures(failures) {
			errs = append(errs, f.Err)
		}
		return nil, fmt.Errorf("rundown: every source failed: %w", errors.Join(errs...))
	}

	r := compose(period, start, evs, next, overdue, inPeriod)
	r.Failures = sortFailures(failures)

	a.bus.Emit(events.SourceRundown, events.KindRundownBuilt, map[string]any{
		"user_id":        userID,
		"period":         string(period.Kind),
		"events":         len(r.Events),
		"tasks":          len(r.Tasks),
		"overdue":        len(r.Overdue),
		"failed_fetches": len(r.Failures),
		"elapsed_ms":     a.now().Sub(start).Milliseconds(),
	})
	log.Debug("rundown built", "events", len(r.Events), "tasks", len(r.Tasks), "overdue", len(r.Overdue))
	return r, nil
}

// BuildText builds and renders a rundown for chat.
func (a *Aggregator) BuildText(ctx context.Context, period temporal.PeriodSpec, userID string) (string, error) {
	r, err := a.Build(ctx, period, userID)
	if err != nil {
		return "", err
	}
	return Render(r, Slack), nil
}

// compose merges the fetched data. Overdue tasks go first in the merge
// list so a task that is both overdue and due in the period is kept once,
// as overdue.
func compose(period temporal.PeriodSpec, now time.Time, evs []provider.Event, next *provider.Event, overdue, inPeriod []provider.Task) *Rundown {
	merged := Dedup(append(append([]provider.Task(nil), overdue...), inPeriod...))

	overdueIDs := make(map[string]bool, len(overdue))
	for _, t := range overdue {
		overdueIDs[t.ID] = true
	}
	r := &Rundown{Period: period, GeneratedAt: now, Events: evs, NextMeeting: next, Tasks: merged}
	for _, t := range merged {
		if overdueIDs[t.ID] {
			r.Overdue = append(r.Overdue, t)
		} else {
			r.DueInPeriod = append(r.DueInPeriod, t)
		}
	}
	r.Projects = Rollup(merged, func(t provider.Task) bool { return overdueIDs[t.ID] })
	r.Insights = Insights(r.Meetings(), len(r.Overdue), len(r.Projects))
	return r
}

var fetchOrder = map[string]int{FetchEvents: 0, FetchPeriodTasks: 1, FetchOverdue: 2, FetchNextMeeting: 3}

// sortFailures puts failures in fetch order so output does not depend on
// completion order.
func sortFailures(fs []FetchFailure) []FetchFailure {
	out := append([]FetchFailure(nil), fs...)
	sort.SliceStable(out, func(i, j int) bool { return fetchOrder[out[i].Fetch] < fetchOrder[out[j].Fetch] })
	return out
}
