package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/cadence/internal/intent"
	"github.com/nugget/cadence/internal/provider"
)

// refLookahead is how far ahead event references are searched.
const refLookahead = 30 * 24 * time.Hour

// resolution is the result of resolving a reference. Exactly one of
// match and question is set.
type resolution[T any] struct {
	match    T
	question string
}

// matchByRef finds the item whose id equals ref or whose title contains
// it, case-insensitively. An exact id match wins over title matches.
func matchByRef[T any](items []T, ref string, id, title func(T) string, noun string) resolution[T] {
	needle := strings.ToLower(strings.TrimSpace(ref))
	var hits []T
	for _, it := range items {
		if id(it) == ref {
			return resolution[T]{match: it}
		}
		if strings.Contains(strings.ToLower(title(it)), needle) {
			hits = append(hits, it)
		}
	}
	switch len(hits) {
	case 0:
		return resolution[T]{question: fmt.Sprintf("I couldn't find any %s matching %q. Which one did you mean?", noun, ref)}
	case 1:
		return resolution[T]{match: hits[0]}
	}
	names := make([]string, 0, len(hits))
	for _, it := range hits {
		names = append(names, "• "+title(it))
	}
	if len(names) > 5 {
		names = append(names[:5], fmt.Sprintf("…and %d more", len(hits)-5))
	}
	return resolution[T]{question: fmt.Sprintf("Which %s did you mean?\n%s", noun, strings.Join(names, "\n"))}
}

// resolveEvent finds the event a request refers to: the "event" slot by
// id or title, otherwise the thread's last event.
func (h *Handlers) resolveEvent(ctx context.Context, cal provider.Calendar, req intent.Request, slots intent.Slots) (resolution[provider.Event], error) {
	ref, ok := slots.String("event")
	if !ok {
		ref = req.Recall(LastEventKey)
		if ref == "" {
			return resolution[provider.Event]{question: "Which event do you mean?"}, nil
		}
	}

	now := h.now()
	cctx, cancel := h.call(ctx)
	defer cancel()
	evs, err := cal.GetEvents(cctx, provider.EventQuery{TimeMin: now.Add(-24 * time.Hour), TimeMax: now.Add(refLookahead)})
	if err != nil {
		return resolution[provider.Event]{}, fmt.Errorf("find event: %w", err)
	}
	provider.SortEvents(evs)

	r := matchByRef(evs, ref, func(e provider.Event) string { return e.ID }, func(e provider.Event) string { return e.Title }, "event")
	if !ok && r.question != "" {
		// The remembered event is gone; ask rather than echo its id.
		return resolution[provider.Event]{question: "Which event do you mean?"}, nil
	}
	return r, nil
}

// resolveTask finds the task a request refers to: the "task" slot by id
// or title, otherwise the thread's last task.
func (h *Handlers) resolveTask(ctx context.Context, tasks provider.Tasks, req intent.Request, slots intent.Slots) (resolution[provider.Task], error) {
	ref, ok := slots.String("task")
	if !ok {
		ref = req.Recall(LastTaskKey)
		if ref == "" {
			return resolution[provider.Task]{question: "Which task do you mean?"}, nil
		}
	}

	cctx, cancel := h.call(ctx)
	defer cancel()
	got, err := tasks.GetTasks(cctx, provider.TaskFilter{Now: h.now()})
	if err != nil {
		return resolution[provider.Task]{}, fmt.Errorf("find task: %w", err)
	}

	r := matchByRef(got, ref, func(t provider.Task) string { return t.ID }, func(t provider.Task) string { return t.Title }, "task")
	if !ok && r.question != "" {
		return resolution[provider.Task]{question: "Which task do you mean?"}, nil
	}
	return r, nil
}
