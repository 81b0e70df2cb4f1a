// Package handlers implements the assistant's closed set of intents on
// top of the provider contracts, the rundown aggregator and the
// temporal engine.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/intent"
	"github.com/nugget/cadence/internal/provider"
	"github.com/nugget/cadence/internal/rundown"
	"github.com/nugget/cadence/internal/temporal"
)

// Context bag keys.
const (
	LastEventKey = "last_event_id"
	LastTaskKey  = "last_task_id"
)

// Categories shown in help and fallback messages.
const (
	CategoryRundown  = "rundowns"
	CategoryCalendar = "calendar"
	CategoryTasks    = "tasks"
)

// ZoneResolver resolves a user's IANA zone. *timezone.Resolver
// implements it.
type ZoneResolver interface {
	Resolve(ctx context.Context, userID string) string
}

// Mailer sends markdown email. *email.Sender implements it.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
	DefaultRecipient() string
}

// Config holds the dependencies of the handlers. Calendar, Tasks and
// Mailer may be nil; intents that need them then fail with a
// configuration error naming the setting.
type Config struct {
	Calendar provider.Calendar
	Tasks    provider.Tasks
	Rundown  *rundown.Aggregator
	Zones    ZoneResolver
	Mailer   Mailer

	// Settings named in configuration errors.
	CalendarSetting string
	TasksSetting    string
	MailerSetting   string

	// ProviderTimeout bounds each provider call. Zero means 10s.
	ProviderTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Handlers carries the shared dependencies of every intent.
type Handlers struct {
	cal      provider.Calendar
	tasks    provider.Tasks
	rundown  *rundown.Aggregator
	zones    ZoneResolver
	mailer   Mailer
	registry *intent.Registry

	calSetting  string
	taskSetting string
	mailSetting string
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
	ranges      temporal.RangeBuilder
}

// New creates Handlers.
func New(cfg Config) *Handlers {
	h := &Handlers{
		cal:         cfg.Calendar,
		tasks:       cfg.Tasks,
		rundown:     cfg.Rundown,
		zones:       cfg.Zones,
		mailer:      cfg.Mailer,
		calSetting:  cfg.CalendarSetting,
		taskSetting: cfg.TasksSetting,
		mailSetting: cfg.MailerSetting,
		timeout:     cfg.ProviderTimeout,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if h.calSetting == "" {
		h.calSetting = "caldav.url"
	}
	if h.taskSetting == "" {
		h.taskSetting = "todoist.token"
	}
	if h.mailSetting == "" {
		h.mailSetting = "email.smtp.host"
	}
	if h.timeout <= 0 {
		h.timeout = 10 * time.Second
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.ranges = temporal.RangeBuilder{Now: h.now}
	return h
}

// Register adds every intent to reg.
func (h *Handlers) Register(reg *intent.Registry) error {
	h.registry = reg
	for _, in := range h.intents() {
		if err := reg.Register(in); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) intents() []intent.Intent {
	period := intent.SlotSpec{
		Name:     "period",
		Examples: []string{"today", "tomorrow", "week", "friday", "2026-03-14"},
	}
	return []intent.Intent{
		{
			Name:     "rundown",
			Category: CategoryRundown,
			Description: "`rundown` / `rundown tomorrow` / `rundown week`: calendar, " +
				"due and overdue tasks for a day or week",
			Slots:  []intent.SlotSpec{period},
			Handle: h.handleRundown,
		},
		{
			Name:        "email_rundown",
			Category:    CategoryRundown,
			Description: "email me my rundown",
			Slots: []intent.SlotSpec{
				period,
				{Name: "to", Examples: []string{"me@example.com"}},
			},
			Handle: h.handleEmailRundown,
		},
		{
			Name:        "next_meeting",
			Category:    CategoryCalendar,
			Description: "`next meeting`: what's coming up next",
			Handle:      h.handleNextMeeting,
		},
		{
			Name:        "list_events",
			Category:    CategoryCalendar,
			Description: "what's on my calendar friday?",
			Slots:       []intent.SlotSpec{period},
			Handle:      h.handleListEvents,
		},
		{
			Name:        "create_event",
			Category:    CategoryCalendar,
			Description: "schedule lunch with Pat tomorrow at noon",
			Slots: []intent.SlotSpec{
				{Name: "title", Required: true, Question: "What should I call the event?"},
				{Name: "date", Required: true, Question: "What day is it?", Examples: []string{"tomorrow", "friday", "2026-03-14"}},
				{Name: "time", Required: true, Question: "What time does it start?", Examples: []string{"9am", "2:30pm", "14:00"}},
				{Name: "duration_minutes", Type: intent.SlotNumber, Examples: []string{"30", "60"}},
				{Name: "location"},
				{Name: "attendees", Examples: []string{"pat@example.com, sam@example.com"}},
			},
			Handle: h.handleCreateEvent,
		},
		{
			Name:        "reschedule_event",
			Category:    CategoryCalendar,
			Description: "move the dentist to 3pm",
			Slots: []intent.SlotSpec{
				{Name: "event"},
				{Name: "date", Examples: []string{"tomorrow", "friday"}},
				{Name: "time", Examples: []string{"3pm", "09:30"}},
			},
			Handle: h.handleRescheduleEvent,
		},
		{
			Name:        "cancel_event",
			Category:    CategoryCalendar,
			Description: "cancel the standup",
			Slots:       []intent.SlotSpec{{Name: "event"}},
			Handle:      h.handleCancelEvent,
		},
		{
			Name:        "create_task",
			Category:    CategoryTasks,
			Description: "add a task to renew my passport by friday",
			Slots: []intent.SlotSpec{
				{Name: "title", Required: true, Question: "What's the task?"},
				{Name: "due", Examples: []string{"today", "friday", "2026-03-14"}},
				{Name: "due_time", Examples: []string{"5pm"}},
				{Name: "priority", Type: intent.SlotNumber, Examples: []string{"1", "4"}},
				{Name: "project_id"},
			},
			Handle: h.handleCreateTask,
		},
		{
			Name:        "complete_task",
			Category:    CategoryTasks,
			Description: "mark the passport task done",
			Slots:       []intent.SlotSpec{{Name: "task"}},
			Handle:      h.handleCompleteTask,
		},
		{
			Name:        "list_tasks",
			Category:    CategoryTasks,
			Description: "what's due this week? / what's overdue?",
			Slots:       []intent.SlotSpec{period, {Name: "filter", Examples: []string{"overdue", "all"}}},
			Handle:      h.handleListTasks,
		},
		{
			Name:        "help",
			Description: "`help`: this list",
			Handle:      h.handleHelp,
		},
	}
}

// zone resolves the user's zone and location. Resolution never fails;
// the resolver falls back to its default zone.
func (h *Handlers) zone(ctx context.Context, userID string) (string, *time.Location) {
	name := "UTC"
	if h.zones != nil {
		name = h.zones.Resolve(ctx, userID)
	}
	loc, err := temporal.LoadZone(name)
	if err != nil {
		return "UTC", time.UTC
	}
	return name, loc
}

func (h *Handlers) calendar() (provider.Calendar, error) {
	if h.cal == nil {
		return nil, apperr.Config(h.calSetting)
	}
	return h.cal, nil
}

func (h *Handlers) taskProvider() (provider.Tasks, error) {
	if h.tasks == nil {
		return nil, apperr.Config(h.taskSetting)
	}
	return h.tasks, nil
}

// call bounds a provider call by the provider timeout.
func (h *Handlers) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.timeout)
}

func (h *Handlers) handleHelp(_ context.Context, _ intent.Request, _ intent.Slots) (string, error) {
	if h.registry == nil {
		return "", nil
	}
	return h.registry.Help(), nil
}
