// Package todoist adapts the Todoist REST API to [provider.Tasks].
package todoist

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/httpkit"
	"github.com/nugget/cadence/internal/provider"
	"github.com/nugget/cadence/internal/temporal"
)

// DefaultBaseURL is the Todoist REST endpoint.
const DefaultBaseURL = "https://api.todoist.com/rest/v2"

// projectTTL is how long project names are cached.
const projectTTL = 15 * time.Minute

// Config configures a Client.
type Config struct {
	Token   string
	BaseURL string
	// RequestsPerSecond limits outbound calls. Zero means 4.
	RequestsPerSecond float64
	// Location resolves floating due times. Nil means UTC.
	Location *time.Location
	HTTP     *http.Client
	Logger   *slog.Logger
}

// Client is a Todoist-backed [provider.Tasks].
type Client struct {
	token    string
	base     string
	http     *http.Client
	limiter  *rate.Limiter
	loc      *time.Location
	logger   *slog.Logger
	projects *expirable.LRU[string, string]
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, apperr.Config("todoist.token")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithLogger(logger), httpkit.WithRetry(2, 500*time.Millisecond))
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		token:    cfg.Token,
		base:     base,
		http:     hc,
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		loc:      loc,
		logger:   logger,
		projects: expirable.NewLRU[string, string](512, nil, projectTTL),
	}, nil
}

type apiDue struct {
	Date     string `json:"date"`
	Datetime string `json:"datetime,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type apiTask struct {
	ID          string  `json:"id"`
	Content     string  `json:"content"`
	Description string  `json:"description"`
	ProjectID   string  `json:"project_id"`
	Priority    int     `json:"priority"`
	IsCompleted bool    `json:"is_completed"`
	URL         string  `json:"url"`
	Due         *apiDue `json:"due"`
}

type apiProject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *Client) do(ctx context.Context, method, path, op string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.New(apperr.KindTimeout, op, err)
	}
	req, err := httpkit.NewJSONRequest(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return httpkit.Do(c.http, req, op, out)
}

// projectName returns a project's name, refreshing the project list on a
// miss. Lookup failures degrade to "".
func (c *Client) projectName(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	if name, ok := c.projects.Get(id); ok {
		return name
	}
	var list []apiProject
	if err := c.do(ctx, http.MethodGet, "/projects", "todoist.projects", nil, &list); err != nil {
		c.logger.Warn("todoist project lookup failed", "error", err)
		return ""
	}
	for _, p := range list {
		c.projects.Add(p.ID, p.Name)
	}
	name, _ := c.projects.Get(id)
	return name
}

// normalize converts an API task. The project name is resolved
// separately.
func (c *Client) normalize(t apiTask) provider.Task {
	out := provider.Task{
		ID:        t.ID,
		Title:     t.Content,
		ProjectID: t.ProjectID,
		// API priority runs 4 (urgent) to 1 (none); flip it so 1 is urgent.
		Priority:  5 - t.Priority,
		Completed: t.IsCompleted,
		URL:       t.URL,
		Raw:       t,
	}
	if t.Priority == 0 {
		out.Priority = 0
	}
	if t.Due == nil {
		return out
	}
	if t.Due.Datetime != "" {
		if at, err := parseDueTime(t.Due, c.loc); err == nil {
			out.DueAt = at
			out.Due = temporal.Today(at, c.loc)
			return out
		}
	}
	if d, err := time.Parse("2006-01-02", t.Due.Date); err == nil {
		out.Due = temporal.NewDate(d.Year(), d.Month(), d.Day())
	}
	return out
}

// parseDueTime reads a due datetime. Values without an offset are
// floating and read in the task's own zone, or loc when it has none.
func parseDueTime(d *apiDue, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, d.Datetime); err == nil {
		return t, nil
	}
	zone := loc
	if d.Timezone != "" {
		if l, err := temporal.LoadZone(d.Timezone); err == nil {
			zone = l
		}
	}
	naive, err := time.Parse("2006-01-02T15:04:05", d.Datetime)
	if err != nil {
		return time.Time{}, err
	}
	date := temporal.NewDate(naive.Year(), naive.Month(), naive.Day())
	return date.At(naive.Hour(), naive.Minute(), naive.Second(), 0).In(zone), nil
}

// GetTasks implements provider.Tasks. Todoist's filter language is
// locale-dependent, so active tasks are fetched and filtered locally.
func (c *Client) GetTasks(ctx context.Context, f provider.TaskFilter) ([]provider.Task, error) {
	path := "/tasks"
	if f.ProjectID != "" {
		path += "?project_id=" + url.QueryEscape(f.ProjectID)
	}
	var raw []apiTask
	if err := c.do(ctx, http.MethodGet, path, "todoist.get_tasks", nil, &raw); err != nil {
		return nil, err
	}
	tasks := make([]provider.Task, 0, len(raw))
	for _, t := range raw {
		tasks = append(tasks, c.normalize(t))
	}
	tasks = provider.FilterTasks(tasks, f)
	for i := range tasks {
		tasks[i].ProjectName = c.projectName(ctx, tasks[i].ProjectID)
	}
	return tasks, nil
}

type writeBody struct {
	Content     string `json:"content,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	DueDatetime string `json:"due_datetime,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

func toWrite(f provider.TaskFields) writeBody {
	b := writeBody{Content: f.Title, ProjectID: f.ProjectID}
	switch {
	case !f.DueAt.IsZero():
		b.DueDatetime = f.DueAt.UTC().Format(time.RFC3339)
	case f.Due.Valid():
		b.DueDate = f.Due.String()
	}
	if f.Priority >= 1 && f.Priority <= 4 {
		b.Priority = 5 - f.Priority
	}
	return b
}

// CreateTask implements provider.Tasks.
func (c *Client) CreateTask(ctx context.Context, f provider.TaskFields) (provider.Task, error) {
	if strings.TrimSpace(f.Title) == "" {
		return provider.Task{}, apperr.Validation("A task needs a title.", "add task Call the bank tomorrow")
	}
	var out apiTask
	if err := c.do(ctx, http.MethodPost, "/tasks", "todoist.create_task", toWrite(f), &out); err != nil {
		return provider.Task{}, err
	}
	t := c.normalize(out)
	t.ProjectName = c.projectName(ctx, t.ProjectID)
	return t, nil
}

// UpdateTask implements provider.Tasks. Completed toggles close/reopen;
// the other fields are patched when non-zero.
func (c *Client) UpdateTask(ctx context.Context, id string, f provider.TaskFields) (provider.Task, error) {
	if id == "" {
		return provider.Task{}, apperr.Validation("Which task?")
	}
	esc := url.PathEscape(id)
	body := toWrite(f)
	if body != (writeBody{}) {
		if err := c.do(ctx, http.MethodPost, "/tasks/"+esc, "todoist.update_task", body, nil); err != nil {
			return provider.Task{}, err
		}
	}
	if f.Completed != nil {
		action := "/reopen"
		if *f.Completed {
			action = "/close"
		}
		if err := c.do(ctx, http.MethodPost, "/tasks/"+esc+action, "todoist.update_task", nil, nil); err != nil {
			return provider.Task{}, err
		}
	}

	var out apiTask
	if err := c.do(ctx, http.MethodGet, "/tasks/"+esc, "todoist.get_task", nil, &out); err != nil {
		// Closed tasks drop out of the active endpoint.
		if f.Completed != nil && *f.Completed && apperr.Classify(err) == apperr.KindNotFound {
			return provider.Task{ID: id, Completed: true}, nil
		}
		return provider.Task{}, fmt.Errorf("reload task %s: %w", id, err)
	}
	t := c.normalize(out)
	if f.Completed != nil {
		t.Completed = *f.Completed
	}
	t.ProjectName = c.projectName(ctx, t.ProjectID)
	return t, nil
}
