package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/cadence/internal/events"
)

// sweepTarget is one store with a retention window.
type sweepTarget struct {
	name      string
	retention time.Duration
	sweep     func(retention time.Duration) (int, error)
}

// sweeper evicts stale thread and timezone records on an interval.
type sweeper struct {
	interval time.Duration
	targets  []sweepTarget
	bus      *events.Bus
	logger   *slog.Logger
}

// run sweeps once immediately, then on every tick until ctx ends.
func (s *sweeper) run(ctx context.Context) {
	if s.interval <= 0 {
		s.interval = time.Hour
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *sweeper) sweepOnce() {
	data := make(map[string]any, len(s.targets))
	for _, t := range s.targets {
		n, err := t.sweep(t.retention)
		if err != nil {
			s.logger.Error("retention sweep failed", "store", t.name, "error", err)
			continue
		}
		data[t.name] = n
		if n > 0 {
			s.logger.Info("retention sweep", "store", t.name, "removed", n, "retention", t.retention)
		} else {
			s.logger.Debug("retention sweep", "store", t.name, "removed", 0)
		}
	}
	s.bus.Emit(events.SourceSweeper, events.KindSweep, data)
}
