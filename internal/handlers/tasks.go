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

// maxTasksListed caps list replies; the remainder is summarized.
const maxTasksListed = 20

func (h *Handlers) handleCreateTask(ctx context.Context, req intent.Request, slots intent.Slots) (string, error) {
	tasks, err := h.taskProvider()
	if err != nil {
		return "", err
	}
	_, loc := h.zone(ctx, req.UserID)
	now := h.now()

	f := provider.TaskFields{
		Title:     slots.StringOr("title", ""),
		ProjectID: slots.StringOr("project_id", ""),
	}
	if p, ok := slots.Int("priority"); ok {
		if p < 1 || p > 4 {
			return "", apperr.Validation("Priority goes from 1 (urgent) to 4 (normal).", "1", "2", "3", "4")
		}
		f.Priority = p
	}
	if tok, ok := slots.String("due"); ok {
		d, err := temporal.ParseDate(tok, loc, now)
		if err != nil {
			return "", err
		}
		f.Due = d
		if tt, ok := slots.String("due_time"); ok {
			tod, err := temporal.ParseTime(tt)
			if err != nil {
				return "", err
			}
			f.DueAt = d.At(tod.Hour, tod.Minute, 0, 0).In(loc)
		}
	} else if _, ok := slots.String("due_time"); ok {
		return "", apperr.Validation("Which day is that time on?", "today", "tomorrow", "friday")
	}

	cctx, cancel := h.call(ctx)
	defer cancel()
	t, err := tasks.CreateTask(cctx, f)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	req.Store(LastTaskKey, t.ID)
	h.logger.Info("task created", "user_id", req.UserID, "task_id", t.ID)

	reply := fmt.Sprintf("Added *%s*", t.Title)
	if t.HasDue() {
		reply += ", due " + dueText(t, loc, now)
	}
	return reply + ".", nil
}

func (h *Handlers) handleCompleteTask(ctx context.Context, req intent.Request, slots intent.Slots) (string, error) {
	tasks, err := h.taskProvider()
	if err != nil {
		return "", err
	}
	res, err := h.resolveTask(ctx, tasks, req, slots)
	if err != nil {
		return "", err
	}
	if res.question != "" {
		return res.question, nil
	}

	done := true
	cctx, cancel := h.call(ctx)
	defer cancel()
	t, err := tasks.UpdateTask(cctx, res.match.ID, provider.TaskFields{Completed: &done})
	if err != nil {
		return "", fmt.Errorf("complete task: %w", err)
	}
	req.Store(LastTaskKey, res.match.ID)
	h.logger.Info("task completed", "user_id", req.UserID, "task_id", res.match.ID)

	title := t.Title
	if title == "" {
		title = res.match.Title
	}
	return fmt.Sprintf("✅ Marked *%s* done.", title), nil
}

func (h *Handlers) handleListTasks(ctx context.Context, req intent.Request, slots intent.Slots) (string, error) {
	tasks, err := h.taskProvider()
	if err != nil {
		return "", err
	}
	zone, loc := h.zone(ctx, req.UserID)
	now := h.now()

	var (
		f     provider.TaskFilter
		title string
	)
	switch strings.ToLower(slots.StringOr("filter", "")) {
	case "overdue":
		f = provider.TaskFilter{Overdue: true, Location: loc, Now: now}
		title = "Overdue"
	case "all":
		f = provider.TaskFilter{Location: loc, Now: now}
		title = "Open tasks"
	default:
		p, err := h.ranges.Resolve(slots.StringOr("period", ""), zone)
		if err != nil {
			return "", err
		}
		f = provider.TaskFilter{From: p.StartDate, To: p.EndDate, Location: loc, Now: now}
		title = "Due " + p.Label()
	}

	cctx, cancel := h.call(ctx)
	defer cancel()
	got, err := tasks.GetTasks(cctx, f)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	got = provider.FilterTasks(got, f)
	if len(got) == 0 {
		return fmt.Sprintf("*%s*: nothing. 🎉", title), nil
	}
	if len(got) == 1 {
		req.Store(LastTaskKey, got[0].ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* (%d)", title, len(got))
	for i, t := range got {
		if i == maxTasksListed {
			fmt.Fprintf(&b, "\n…and %d more", len(got)-maxTasksListed)
			break
		}
		fmt.Fprintf(&b, "\n• %s", t.Title)
		if t.HasDue() {
			fmt.Fprintf(&b, " (due %s)", dueText(t, loc, now))
		}
		if t.ProjectName != "" {
			fmt.Fprintf(&b, " [%s]", t.ProjectName)
		}
	}
	return b.String(), nil
}

// dueText renders a due date relative to today.
func dueText(t provider.Task, loc *time.Location, now time.Time) string {
	d := t.DueDate(loc)
	var s string
	switch temporal.Today(now, loc).DaysUntil(d) {
	case 0:
		s = "today"
	case 1:
		s = "tomorrow"
	case -1:
		s = "yesterday"
	default:
		s = time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format("Mon Jan 2")
	}
	if !t.DueAt.IsZero() {
		s += " at " + t.DueAt.In(loc).Format("3:04 PM")
	}
	return s
}
