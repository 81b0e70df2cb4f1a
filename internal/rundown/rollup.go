package rundown

import (
	"fmt"
	"sort"

	"github.com/nugget/cadence/internal/provider"
)

// Insight thresholds.
const (
	HeavyScheduleMeetings = 4
	MajorBacklogOverdue   = 15
	BatchProjects         = 4
)

// Dedup drops tasks whose ID was already seen, keeping the first.
func Dedup(tasks []provider.Task) []provider.Task {
	seen := make(map[string]bool, len(tasks))
	out := make([]provider.Task, 0, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}

// ProjectRollup groups the rundown's tasks by project.
type ProjectRollup struct {
	Name     string
	ID       string
	All      []provider.Task
	Overdue  []provider.Task
	InPeriod []provider.Task
}

// noProject labels tasks without a project reference.
const noProject = "No project"

// Rollup groups tasks by project and orders the groups by overdue count,
// then total count, both descending. Ties keep first-appearance order.
// overdue reports whether a task counts as overdue.
func Rollup(tasks []provider.Task, overdue func(provider.Task) bool) []ProjectRollup {
	index := make(map[string]int)
	var out []ProjectRollup
	for _, t := range tasks {
		key := t.ProjectID
		if key == "" {
			key = "name:" + t.ProjectName
		}
		i, ok := index[key]
		if !ok {
			name := t.ProjectName
			if name == "" {
				name = t.ProjectID
			}
			if name == "" {
				name = noProject
			}
			i = len(out)
			index[key] = i
			out = append(out, ProjectRollup{Name: name, ID: t.ProjectID})
		}
		p := &out[i]
		p.All = append(p.All, t)
		if overdue(t) {
			p.Overdue = append(p.Overdue, t)
		} else {
			p.InPeriod = append(p.InPeriod, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].Overdue) != len(out[j].Overdue) {
			return len(out[i].Overdue) > len(out[j].Overdue)
		}
		return len(out[i].All) > len(out[j].All)
	})
	return out
}

// Insights applies the fixed rules in priority order: schedule load,
// backlog size, then project spread.
func Insights(meetings, overdue, projects int) []string {
	var out []string
	if meetings >= HeavyScheduleMeetings {
		out = append(out, fmt.Sprintf("It's a heavy schedule with %d meetings, so guard whatever focus time is left.", meetings))
	}
	if overdue > MajorBacklogOverdue {
		out = append(out, fmt.Sprintf("%d overdue tasks is a major backlog; consider rescheduling or dropping the stale ones.", overdue))
	}
	if projects > BatchProjects {
		out = append(out, fmt.Sprintf("Work is spread across %d projects, so batch tasks by project to cut down on context switching.", projects))
	}
	return out
}
