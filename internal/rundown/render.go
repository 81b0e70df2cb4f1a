package rundown

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/provider"
)

// Style is the markup dialect a rundown is rendered in.
type Style struct {
	bold   func(string) string
	italic func(string) string
	bullet string
}

// Rendering styles.
var (
	// Slack is Slack mrkdwn.
	Slack = Style{
		bold:   func(s string) string { return "*" + s + "*" },
		italic: func(s string) string { return "_" + s + "_" },
		bullet: "• ",
	}
	// Markdown is CommonMark, used for email.
	Markdown = Style{
		bold:   func(s string) string { return "**" + s + "**" },
		italic: func(s string) string { return "_" + s + "_" },
		bullet: "- ",
	}
)

// maxListed caps each task section; the remainder is summarized.
const maxListed = 15

// Render formats r. Sections appear in a fixed order: calendar, next
// meeting, overdue, due, projects, insights, then notes about fetches
// that failed.
func Render(r *Rundown, st Style) string {
	loc := r.Period.Location()
	multiDay := r.Period.Days() > 1
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", st.bold("Rundown for "+r.Period.Label()))

	if !failed(r, FetchEvents) {
		fmt.Fprintf(&b, "\n%s\n", st.bold(fmt.Sprintf("Calendar (%d)", len(r.Events))))
		if len(r.Events) == 0 {
			b.WriteString("Nothing on the calendar.\n")
		}
		for _, e := range r.Events {
			fmt.Fprintf(&b, "%s%s  %s\n", st.bullet, eventWhen(e, loc, multiDay), e.Title)
		}
	}

	if r.NextMeeting != nil {
		e := r.NextMeeting
		until := e.Start.Sub(r.GeneratedAt).Round(time.Minute)
		fmt.Fprintf(&b, "%s\n", st.italic(fmt.Sprintf("Next up: %s at %s (in %s)", e.Title, e.Start.In(loc).Format("3:04 PM"), humanDuration(until))))
	}

	if len(r.Overdue) > 0 {
		fmt.Fprintf(&b, "\n%s\n", st.bold(fmt.Sprintf("Overdue (%d)", len(r.Overdue))))
		writeTasks(&b, st, r.Overdue, loc, true)
	}

	if !failed(r, FetchPeriodTasks) {
		label := "Due this week"
		if multiDay && !r.Period.Contains(r.GeneratedAt) {
			label = "Due " + r.Period.Label()
		}
		if !multiDay {
			label = "Due today"
			if !r.Period.IsToday(r.GeneratedAt) {
				label = "Due " + r.Period.StartDate.Weekday().String()
			}
		}
		fmt.Fprintf(&b, "\n%s\n", st.bold(fmt.Sprintf("%s (%d)", label, len(r.DueInPeriod))))
		if len(r.DueInPeriod) == 0 {
			b.WriteString("No tasks due.\n")
		}
		writeTasks(&b, st, r.DueInPeriod, loc, multiDay)
	}

	if len(r.Projects) > 1 {
		fmt.Fprintf(&b, "\n%s\n", st.bold("By project"))
		for _, p := range r.Projects {
			line := fmt.Sprintf("%s%s: %d %s", st.bullet, p.Name, len(p.All), plural(len(p.All), "task", "tasks"))
			if n := len(p.Overdue); n > 0 {
				line += fmt.Sprintf(", %d overdue", n)
			}
			b.WriteString(line + "\n")
		}
	}

	if len(r.Insights) > 0 {
		fmt.Fprintf(&b, "\n%s\n", strings.Join(r.Insights, " "))
	}

	if len(r.Failures) > 0 {
		notes := make([]string, 0, len(r.Failures))
		for _, f := range r.Failures {
			notes = append(notes, fmt.Sprintf("%s (%s)", f.Fetch, failureReason(f.Err)))
		}
		fmt.Fprintf(&b, "\n%s\n", st.italic("Couldn't load "+strings.Join(notes, ", ")+"."))
	}

	return strings.TrimRight(b.String(), "\n")
}

func failed(r *Rundown, fetch string) bool {
	for _, f := range r.Failures {
		if f.Fetch == fetch {
			return true
		}
	}
	return false
}

func writeTasks(b *strings.Builder, st Style, tasks []provider.Task, loc *time.Location, withDate bool) {
	for i, t := range tasks {
		if i == maxListed {
			fmt.Fprintf(b, "%s…and %d more\n", st.bullet, len(tasks)-maxListed)
			return
		}
		line := st.bullet + t.Title
		if withDate && t.HasDue() {
			line += " (due " + dueLabel(t, loc) + ")"
		} else if !t.DueAt.IsZero() {
			line += " (" + t.DueAt.In(loc).Format("3:04 PM") + ")"
		}
		if t.ProjectName != "" {
			line += " · " + t.ProjectName
		}
		b.WriteString(line + "\n")
	}
}

func eventWhen(e provider.Event, loc *time.Location, withDay bool) string {
	start := e.Start.In(loc)
	prefix := ""
	if withDay {
		prefix = start.Format("Mon Jan 2") + " "
	}
	if e.AllDay {
		return prefix + "All day"
	}
	return prefix + start.Format("3:04 PM") + "–" + e.End.In(loc).Format("3:04 PM")
}

func dueLabel(t provider.Task, loc *time.Location) string {
	d := t.DueDate(loc)
	label := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format("Jan 2")
	if !t.DueAt.IsZero() {
		label += " " + t.DueAt.In(loc).Format("3:04 PM")
	}
	return label
}

func failureReason(err error) string {
	switch apperr.Classify(err) {
	case apperr.KindConfig:
		return "not configured"
	case apperr.KindTimeout:
		return "timed out"
	case apperr.KindAuth, apperr.KindPermission:
		return "access denied"
	case apperr.KindRateLimit:
		return "rate limited"
	case apperr.KindNetwork:
		return "unreachable"
	}
	return "error"
}

func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return "under a minute"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh%dm", h, m)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
