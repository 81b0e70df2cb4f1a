// Package conversation decides which inbound messages deserve a reply
// and tracks per-thread dialogue state.
//
// Direct messages are always addressed to the assistant. In shared
// channels the assistant only speaks when mentioned, and a mention opens
// (or re-opens) a thread in which it keeps answering without further
// mentions until the thread goes quiet for [ActiveWindow] or someone
// says goodbye.
package conversation

import (
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ActiveWindow is how long a thread stays active after its last
// qualifying message.
const ActiveWindow = 24 * time.Hour

// Key identifies a thread. Thread is the timestamp of the thread's root
// message; direct-message conversations outside a thread use "".
type Key struct {
	Channel string
	Thread  string
}

// String renders the key as channel/thread.
func (k Key) String() string { return k.Channel + "/" + k.Thread }

// State is the stored dialogue state of one thread.
type State struct {
	Channel      string            `json:"channel"`
	Thread       string            `json:"thread"`
	Active       bool              `json:"active"`
	StartedBy    string            `json:"started_by"`
	LastActivity time.Time         `json:"last_activity"`
	Context      map[string]string `json:"context,omitempty"`
}

// Key returns the thread key for s.
func (s State) Key() Key { return Key{Channel: s.Channel, Thread: s.Thread} }

// IsActive is the derived activity predicate: the stored flag alone is
// not enough, the last activity must also fall inside [ActiveWindow].
func (s State) IsActive(now time.Time) bool {
	return s.Active && now.Sub(s.LastActivity) < ActiveWindow
}

// Message is the transport-neutral view of an inbound message.
type Message struct {
	Channel   string
	Sender    string
	Text      string
	TS        string
	ThreadTS  string
	Direct    bool
	Mentioned bool
}

// Decision tells the caller what to do with a message.
type Decision struct {
	// Respond is true when the assistant should reply.
	Respond bool
	// Exit is true when the message closed the thread; the caller
	// should reply with a farewell rather than dispatching.
	Exit bool
	// Key is the thread the message belongs to.
	Key Key
	// ReplyThread is the thread timestamp to reply into, or "" to reply
	// at the top level of a direct message.
	ReplyThread string
	// Reason is a short label for logs.
	Reason string
}

var exitPhrases = map[string]bool{
	"bye":       true,
	"goodbye":   true,
	"thanks":    true,
	"thank you": true,
	"done":      true,
	"exit":      true,
	"leave":     true,
}

// IsExitPhrase reports whether text, as a whole message, is one of the
// phrases that close a thread. Case and trailing punctuation are ignored.
func IsExitPhrase(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimRight(s, "!.")
	s = strings.Join(strings.Fields(s), " ")
	return exitPhrases[s]
}

// TrackerConfig holds the dependencies for a Tracker.
type TrackerConfig struct {
	Store  Store
	Logger *slog.Logger
	// Now returns the current instant. Nil means time.Now.
	Now func() time.Time
}

// lockStripes is the number of mutexes that serialize read-modify-write
// cycles on thread state.
const lockStripes = 32

// Tracker owns thread state. It is safe for concurrent use; updates to
// the same thread are serialized.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	locks [lockStripes]sync.Mutex
}

// NewTracker creates a Tracker. A nil Store means an in-memory store.
func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, logger: logger, now: now}
}

func (t *Tracker) lock(k Key) func() {
	h := fnv.New32a()
	h.Write([]byte(k.String()))
	mu := &t.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Observe applies an inbound message to the thread state machine and
// decides whether the assistant should reply.
func (t *Tracker) Observe(msg Message) (Decision, error) {
	now := t.now()

	if msg.Direct {
		key := Key{Channel: msg.Channel, Thread: msg.ThreadTS}
		err := t.update(key, func(s *State, _ bool) bool {
			s.Active = true
			if s.StartedBy == "" {
				s.StartedBy = msg.Sender
			}
			s.LastActivity = now
			return true
		})
		return Decision{Respond: true, Key: key, ReplyThread: msg.ThreadTS, Reason: "direct"}, err
	}

	if msg.ThreadTS == "" {
		if !msg.Mentioned {
			return Decision{Reason: "channel_unaddressed"}, nil
		}
		// A mention at the top level opens a thread under the message.
		key := Key{Channel: msg.Channel, Thread: msg.TS}
		err := t.update(key, func(s *State, _ bool) bool {
			s.Active = true
			s.StartedBy = msg.Sender
			s.LastActivity = now
			return true
		})
		if err == nil {
			t.logger.Debug("conversation thread opened", "channel", msg.Channel, "thread", msg.TS, "started_by", msg.Sender)
		}
		return Decision{Respond: true, Key: key, ReplyThread: msg.TS, Reason: "thread_opened"}, err
	}

	key := Key{Channel: msg.Channel, Thread: msg.ThreadTS}
	var d Decision
	err := t.update(key, func(s *State, existed bool) bool {
		active := existed && s.IsActive(now)

		switch {
		case IsExitPhrase(msg.Text) && (active || msg.Mentioned):
			s.Active = false
			s.LastActivity = now
			d = Decision{Respond: true, Exit: true, Key: key, ReplyThread: key.Thread, Reason: "exit_phrase"}
			return true
		case msg.Mentioned:
			s.Active = true
			if s.StartedBy == "" {
				s.StartedBy = msg.Sender
			}
			s.LastActivity = now
			d = Decision{Respond: true, Key: key, ReplyThread: key.Thread, Reason: "mentioned"}
			return true
		case active:
			s.LastActivity = now
			d = Decision{Respond: true, Key: key, ReplyThread: key.Thread, Reason: "thread_active"}
			return true
		default:
			d = Decision{Key: key, Reason: "thread_dormant"}
			return false
		}
	})
	if err != nil {
		return Decision{}, err
	}
	if d.Exit {
		t.logger.Debug("conversation thread closed", "channel", key.Channel, "thread", key.Thread)
	}
	return d, nil
}

// update runs fn on the current state of key under the key's lock and
// stores the result when fn returns true.
func (t *Tracker) update(key Key, fn func(s *State, existed bool) bool) error {
	unlock := t.lock(key)
	defer unlock()

	s, existed, err := t.store.Get(key)
	if err != nil {
		return err
	}
	if !existed {
		s = State{Channel: key.Channel, Thread: key.Thread}
	}
	if !fn(&s, existed) {
		return nil
	}
	return t.store.Put(s)
}

// IsActive reports whether the assistant is currently active in the
// thread.
func (t *Tracker) IsActive(key Key) bool {
	s, ok, err := t.store.Get(key)
	if err != nil {
		t.logger.Warn("conversation state read failed", "thread", key.String(), "error", err)
		return false
	}
	return ok && s.IsActive(t.now())
}

// Touch refreshes the activity timestamp of an active thread, typically
// after the assistant has replied into it.
func (t *Tracker) Touch(key Key) error {
	now := t.now()
	return t.update(key, func(s *State, existed bool) bool {
		if !existed || !s.Active {
			return false
		}
		s.LastActivity = now
		return true
	})
}

// Remember stores a named value in the thread's context bag, for
// example the id of the event the user last referred to.
func (t *Tracker) Remember(key Key, name, value string) error {
	now := t.now()
	return t.update(key, func(s *State, _ bool) bool {
		if s.LastActivity.IsZero() {
			s.LastActivity = now
		}
		if s.Context == nil {
			s.Context = make(map[string]string)
		}
		s.Context[name] = value
		return true
	})
}

// ContextBag returns a copy of the thread's context values.
func (t *Tracker) ContextBag(key Key) map[string]string {
	bag := make(map[string]string)
	s, ok, err := t.store.Get(key)
	if err != nil || !ok {
		return bag
	}
	for k, v := range s.Context {
		bag[k] = v
	}
	return bag
}

// Sweep evicts thread state untouched for longer than retention.
func (t *Tracker) Sweep(retention time.Duration) (int, error) {
	return t.store.Sweep(t.now().Add(-retention))
}
