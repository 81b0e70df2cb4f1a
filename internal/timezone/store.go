package timezone

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/cadence/internal/opstate"
)

// Store persists resolved timezone records. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(userID string) (Record, bool, error)
	Put(rec Record) error
	Delete(userID string) error
	// Sweep removes records resolved before cutoff.
	Sweep(cutoff time.Time) (int, error)
}

// MemoryStore is a process-lifetime Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get implements Store.
func (m *MemoryStore) Get(userID string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[userID]
	return rec, ok, nil
}

// Put implements Store.
func (m *MemoryStore) Put(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = rec
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
	return nil
}

// Sweep implements Store.
func (m *MemoryStore) Sweep(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		if rec.ResolvedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// namespace is the opstate namespace holding timezone records.
const namespace = "timezone"

// SQLStore keeps records in an [opstate.Store] so they survive restarts.
type SQLStore struct {
	kv *opstate.Store
}

// NewSQLStore wraps an opstate store.
func NewSQLStore(kv *opstate.Store) *SQLStore {
	return &SQLStore{kv: kv}
}

// Get implements Store.
func (s *SQLStore) Get(userID string) (Record, bool, error) {
	e, ok, err := s.kv.Get(namespace, userID)
	if err != nil || !ok {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(e.Value), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode timezone record %s: %w", userID, err)
	}
	return rec, true, nil
}

// Put implements Store.
func (s *SQLStore) Put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode timezone record: %w", err)
	}
	return s.kv.SetAt(namespace, rec.UserID, string(data), rec.ResolvedAt)
}

// Delete implements Store.
func (s *SQLStore) Delete(userID string) error {
	return s.kv.Delete(namespace, userID)
}

// Sweep implements Store.
func (s *SQLStore) Sweep(cutoff time.Time) (int, error) {
	return s.kv.Sweep(namespace, cutoff)
}
