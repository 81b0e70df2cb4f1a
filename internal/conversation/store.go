package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/cadence/internal/opstate"
)

// Store persists thread state. Implementations must be safe for
// concurrent use; the Tracker serializes writes to the same key.
type Store interface {
	Get(key Key) (State, bool, error)
	Put(s State) error
	Delete(key Key) error
	// Sweep removes states whose last activity is before cutoff.
	Sweep(cutoff time.Time) (int, error)
}

// MemoryStore is a process-lifetime Store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[Key]State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[Key]State)}
}

// Get implements Store. The returned state's Context is a copy.
func (m *MemoryStore) Get(key Key) (State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[key]
	if ok && s.Context != nil {
		ctx := make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			ctx[k] = v
		}
		s.Context = ctx
	}
	return s, ok, nil
}

// Put implements Store.
func (m *MemoryStore) Put(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.Key()] = s
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

// Sweep implements Store.
func (m *MemoryStore) Sweep(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, s := range m.states {
		if s.LastActivity.Before(cutoff) {
			delete(m.states, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked threads.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

const namespace = "conversation"

// SQLStore keeps thread state in an [opstate.Store].
type SQLStore struct {
	kv *opstate.Store
}

// NewSQLStore wraps an opstate store.
func NewSQLStore(kv *opstate.Store) *SQLStore {
	return &SQLStore{kv: kv}
}

// Get implements Store.
func (s *SQLStore) Get(key Key) (State, bool, error) {
	e, ok, err := s.kv.Get(namespace, key.String())
	if err != nil || !ok {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal([]byte(e.Value), &st); err != nil {
		return State{}, false, fmt.Errorf("decode conversation state %s: %w", key, err)
	}
	return st, true, nil
}

// Put implements Store.
func (s *SQLStore) Put(st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode conversation state: %w", err)
	}
	return s.kv.SetAt(namespace, st.Key().String(), string(data), st.LastActivity)
}

// Delete implements Store.
func (s *SQLStore) Delete(key Key) error {
	return s.kv.Delete(namespace, key.String())
}

// Sweep implements Store.
func (s *SQLStore) Sweep(cutoff time.Time) (int, error) {
	return s.kv.Sweep(namespace, cutoff)
}
