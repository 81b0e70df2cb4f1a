package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/cadence/internal/events"
)

func TestSweeper_SweepsAndEmits(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	var mu sync.Mutex
	var got []time.Duration
	sw := &sweeper{
		interval: time.Hour,
		targets: []sweepTarget{
			{name: "conversation", retention: 48 * time.Hour, sweep: func(r time.Duration) (int, error) {
				mu.Lock()
				got = append(got, r)
				mu.Unlock()
				return 3, nil
			}},
			{name: "timezone", retention: 7 * 24 * time.Hour, sweep: func(time.Duration) (int, error) {
				return 0, errors.New("database is locked")
			}},
		},
		bus:    bus,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.run(ctx)
	}()

	select {
	case e := <-ch:
		if e.Kind != events.KindSweep || e.Source != events.SourceSweeper {
			t.Errorf("event = %+v", e)
		}
		if e.Data["conversation"] != 3 {
			t.Errorf("conversation removed = %v", e.Data["conversation"])
		}
		if _, ok := e.Data["timezone"]; ok {
			t.Error("failed sweep should not report a count")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sweep event")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 48*time.Hour {
		t.Errorf("sweep calls = %v", got)
	}
}
