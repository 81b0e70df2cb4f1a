// Package events is the in-process activity bus. Components publish what
// they did (a dispatched intent, a built rundown, a sweep) and
// subscribers such as the MQTT forwarder consume it. Publishing on a nil
// *Bus is a no-op, so components hold an optional bus without guards.
package events

import (
	"sync"
	"time"
)

// Sources name the publishing component.
const (
	SourceBridge     = "bridge"
	SourceDispatcher = "dispatcher"
	SourceRundown    = "rundown"
	SourceSweeper    = "sweeper"
)

// Kinds describe what happened.
const (
	// KindMessageReceived: an addressed message was accepted.
	// Data: channel, thread, sender, reason.
	KindMessageReceived = "message_received"
	// KindThreadClosed: an exit phrase closed a thread.
	// Data: channel, thread.
	KindThreadClosed = "thread_closed"
	// KindDispatch: an intent finished dispatching.
	// Data: request_id, intent, outcome, elapsed_ms, error_kind.
	KindDispatch = "dispatch"
	// KindRundownBuilt: a rundown was composed.
	// Data: period, events, tasks, overdue, failed_fetches, elapsed_ms.
	KindRundownBuilt = "rundown_built"
	// KindSweep: expired state was evicted.
	// Data: conversations, timezones.
	KindSweep = "sweep"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is full
// misses events instead of stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
	now  func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event), now: time.Now}
}

// Publish delivers e to every subscriber. A zero Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing source/kind with data.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given buffer size. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
