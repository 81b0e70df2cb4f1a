package timezone

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/cadence/internal/opstate"
)

type fakeIdentity struct {
	mu    sync.Mutex
	zones map[string]string
	err   error
	calls int
	delay time.Duration
}

func (f *fakeIdentity) UserTimezone(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	f.calls++
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.zones[userID], nil
}

func (f *fakeIdentity) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestResolver(id Identity, store Store, now *time.Time) *Resolver {
	return NewResolver(ResolverConfig{
		Identity:    id,
		Store:       store,
		DefaultZone: "America/New_York",
		Logger:      quietLogger(),
		Now:         func() time.Time { return *now },
	})
}

func TestResolve_CachesWithinTTL(t *testing.T) {
	id := &fakeIdentity{zones: map[string]string{"U1": "Europe/Paris"}}
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	r := newTestResolver(id, nil, &now)

	for i := 0; i < 3; i++ {
		if got := r.Resolve(context.Background(), "U1"); got != "Europe/Paris" {
			t.Fatalf("Resolve() = %q, want Europe/Paris", got)
		}
	}
	if c := id.callCount(); c != 1 {
		t.Errorf("identity called %d times, want 1", c)
	}

	// Past the TTL the identity service is asked again.
	now = now.Add(25 * time.Hour)
	id.zones["U1"] = "Asia/Tokyo"
	if got := r.Resolve(context.Background(), "U1"); got != "Asia/Tokyo" {
		t.Errorf("Resolve() after TTL = %q, want Asia/Tokyo", got)
	}
	if c := id.callCount(); c != 2 {
		t.Errorf("identity called %d times, want 2", c)
	}
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		id   Identity
	}{
		{"lookup error", &fakeIdentity{err: errors.New("users.info: ratelimited")}},
		{"invalid zone", &fakeIdentity{zones: map[string]string{"U1": "Mars/Olympus_Mons"}}},
		{"empty zone", &fakeIdentity{zones: map[string]string{}}},
		{"no identity", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			r := newTestResolver(tt.id, store, &now)
			if got := r.Resolve(context.Background(), "U1"); got != "America/New_York" {
				t.Errorf("Resolve() = %q, want default", got)
			}
			if _, ok, _ := store.Get("U1"); ok {
				t.Error("failed resolution was cached")
			}
		})
	}
}

func TestResolve_DiscardsInvalidCachedRecord(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.Put(Record{UserID: "U1", Zone: "Not/AZone", ResolvedAt: now})
	id := &fakeIdentity{zones: map[string]string{"U1": "America/Denver"}}
	r := newTestResolver(id, store, &now)

	if got := r.Resolve(context.Background(), "U1"); got != "America/Denver" {
		t.Errorf("Resolve() = %q, want America/Denver", got)
	}
}

func TestResolve_TimeoutUsesDefault(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	id := &fakeIdentity{zones: map[string]string{"U1": "Europe/Paris"}, delay: time.Second}
	r := NewResolver(ResolverConfig{
		Identity:      id,
		DefaultZone:   "UTC",
		LookupTimeout: 10 * time.Millisecond,
		Logger:        quietLogger(),
		Now:           func() time.Time { return now },
	})
	if got := r.Resolve(context.Background(), "U1"); got != "UTC" {
		t.Errorf("Resolve() = %q, want UTC", got)
	}
}

func TestResolve_SharedLookupIgnoresCallerCancel(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	id := &fakeIdentity{zones: map[string]string{"U1": "Europe/Paris"}, delay: 20 * time.Millisecond}
	r := NewResolver(ResolverConfig{
		Identity:    id,
		DefaultZone: "UTC",
		Logger:      quietLogger(),
		Now:         func() time.Time { return now },
	})

	// The first caller gives up while the lookup is in flight; a second
	// caller joining the same lookup still gets the real answer.
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Resolve(ctx, "U1")
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	if got := r.Resolve(context.Background(), "U1"); got != "Europe/Paris" {
		t.Errorf("Resolve() = %q, want Europe/Paris", got)
	}
	wg.Wait()
}

func TestNewResolver_InvalidDefault(t *testing.T) {
	r := NewResolver(ResolverConfig{DefaultZone: "Nowhere/Special", Logger: quietLogger()})
	if r.DefaultZone() != "UTC" {
		t.Errorf("DefaultZone() = %q, want UTC", r.DefaultZone())
	}
}

func TestSQLStore_Sweep(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	kv, err := opstate.NewStore(db)
	if err != nil {
		t.Fatalf("opstate.NewStore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	id := &fakeIdentity{zones: map[string]string{"U1": "Europe/Oslo", "U2": "Europe/Rome"}}
	store := NewSQLStore(kv)
	r := newTestResolver(id, store, &now)

	r.Resolve(context.Background(), "U1")
	now = now.Add(8 * 24 * time.Hour)
	r.Resolve(context.Background(), "U2")

	n, err := r.Sweep(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if _, ok, _ := store.Get("U1"); ok {
		t.Error("U1 survived sweep")
	}
	rec, ok, _ := store.Get("U2")
	if !ok || rec.Zone != "Europe/Rome" {
		t.Errorf("U2 = %+v, %v", rec, ok)
	}
}
