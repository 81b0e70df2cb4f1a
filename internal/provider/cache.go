package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nugget/cadence/internal/temporal"
)

// Cache defaults.
const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = time.Minute
)

// CachedCalendar memoizes event listings per query. Any write purges the
// cache so a user never reads back stale state after changing it.
type CachedCalendar struct {
	Calendar
	cache *expirable.LRU[string, []Event]
}

// NewCachedCalendar wraps c. Non-positive size or ttl use the defaults.
func NewCachedCalendar(c Calendar, size int, ttl time.Duration) *CachedCalendar {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedCalendar{Calendar: c, cache: expirable.NewLRU[string, []Event](size, nil, ttl)}
}

// GetEvents implements Calendar.
func (c *CachedCalendar) GetEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	key := q.TimeMin.UTC().Format(time.RFC3339Nano) + "|" + q.TimeMax.UTC().Format(time.RFC3339Nano)
	if evs, ok := c.cache.Get(key); ok {
		return append([]Event(nil), evs...), nil
	}
	evs, err := c.Calendar.GetEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, evs)
	return append([]Event(nil), evs...), nil
}

// CreateEvent implements Calendar.
func (c *CachedCalendar) CreateEvent(ctx context.Context, f EventFields) (Event, error) {
	defer c.cache.Purge()
	return c.Calendar.CreateEvent(ctx, f)
}

// UpdateEvent implements Calendar.
func (c *CachedCalendar) UpdateEvent(ctx context.Context, id string, f EventFields) (Event, error) {
	defer c.cache.Purge()
	return c.Calendar.UpdateEvent(ctx, id, f)
}

// DeleteEvent implements Calendar.
func (c *CachedCalendar) DeleteEvent(ctx context.Context, id string) error {
	defer c.cache.Purge()
	return c.Calendar.DeleteEvent(ctx, id)
}

// CachedTasks memoizes task listings per filter and civil day.
type CachedTasks struct {
	Tasks
	cache *expirable.LRU[string, []Task]
}

// NewCachedTasks wraps t. Non-positive size or ttl use the defaults.
func NewCachedTasks(t Tasks, size int, ttl time.Duration) *CachedTasks {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedTasks{Tasks: t, cache: expirable.NewLRU[string, []Task](size, nil, ttl)}
}

func taskKey(f TaskFilter) string {
	loc := f.loc()
	today := temporal.Today(f.Now, loc)
	return fmt.Sprintf("%s|%s|%t|%t|%s|%s|%s", f.From, f.To, f.Overdue, f.IncludeCompleted, f.ProjectID, loc, today)
}

// GetTasks implements Tasks.
func (c *CachedTasks) GetTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	key := taskKey(f)
	if ts, ok := c.cache.Get(key); ok {
		return append([]Task(nil), ts...), nil
	}
	ts, err := c.Tasks.GetTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, ts)
	return append([]Task(nil), ts...), nil
}

// CreateTask implements Tasks.
func (c *CachedTasks) CreateTask(ctx context.Context, f TaskFields) (Task, error) {
	defer c.cache.Purge()
	return c.Tasks.CreateTask(ctx, f)
}

// UpdateTask implements Tasks.
func (c *CachedTasks) UpdateTask(ctx context.Context, id string, f TaskFields) (Task, error) {
	defer c.cache.Purge()
	return c.Tasks.UpdateTask(ctx, id, f)
}
