package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/cadence/internal/events"
)

// ActivityStats counts dispatches per local day. The counters reset at
// midnight in the configured zone. It is safe for concurrent use.
type ActivityStats struct {
	mu         sync.Mutex
	loc        *time.Location
	now        func() time.Time
	day        int
	dispatches int64
	failures   int64
	lastIntent string
	lastAt     time.Time
}

// NewActivityStats creates stats that roll over at midnight in loc. A
// nil loc means [time.Local].
func NewActivityStats(loc *time.Location) *ActivityStats {
	if loc == nil {
		loc = time.Local
	}
	s := &ActivityStats{loc: loc, now: time.Now}
	s.day = s.now().In(loc).YearDay()
	return s
}

// Observe records a bus event. Only dispatch events are counted.
func (s *ActivityStats) Observe(e events.Event) {
	if e.Kind != events.KindDispatch {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeReset()
	s.dispatches++
	if outcome, _ := e.Data["outcome"].(string); outcome == "failed" {
		s.failures++
	}
	if name, _ := e.Data["intent"].(string); name != "" {
		s.lastIntent = name
	}
	s.lastAt = e.Timestamp
}

// Snapshot returns today's counts and the most recent intent.
func (s *ActivityStats) Snapshot() (dispatches, failures int64, lastIntent string, lastAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeReset()
	return s.dispatches, s.failures, s.lastIntent, s.lastAt
}

// maybeReset zeroes the daily counters when the local day changed. The
// last intent survives the rollover. Must be called with s.mu held.
func (s *ActivityStats) maybeReset() {
	today := s.now().In(s.loc).YearDay()
	if today != s.day {
		s.dispatches = 0
		s.failures = 0
		s.day = today
	}
}
