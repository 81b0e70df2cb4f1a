// Package timezone resolves a user's IANA timezone from an identity
// service, caching the answer and falling back to a default zone when
// the lookup fails. Resolution never returns an error to its caller.
package timezone

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/cadence/internal/temporal"
)

// DefaultTTL is how long a resolved zone is trusted before the identity
// service is asked again.
const DefaultTTL = 24 * time.Hour

// DefaultLookupTimeout bounds a single identity lookup.
const DefaultLookupTimeout = 5 * time.Second

// Identity is the collaborator that knows each user's timezone.
type Identity interface {
	UserTimezone(ctx context.Context, userID string) (string, error)
}

// Record is a cached resolution.
type Record struct {
	UserID     string    `json:"user_id"`
	Zone       string    `json:"zone"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// ResolverConfig holds the dependencies for a Resolver.
type ResolverConfig struct {
	Identity      Identity
	Store         Store
	DefaultZone   string
	TTL           time.Duration
	LookupTimeout time.Duration
	Logger        *slog.Logger
	// Now returns the current instant. Nil means time.Now.
	Now func() time.Time
}

// Resolver maps user ids to IANA zone names.
type Resolver struct {
	identity      Identity
	store         Store
	defaultZone   string
	ttl           time.Duration
	lookupTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time

	group singleflight.Group
}

// NewResolver creates a Resolver. An invalid or empty DefaultZone falls
// back to UTC.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	def := cfg.DefaultZone
	if _, err := temporal.LoadZone(def); err != nil {
		logger.Warn("invalid default timezone, using UTC", "timezone", def, "error", err)
		def = "UTC"
	}

	return &Resolver{
		identity:      cfg.Identity,
		store:         store,
		defaultZone:   def,
		ttl:           ttl,
		lookupTimeout: timeout,
		logger:        logger,
		now:           now,
	}
}

// DefaultZone returns the zone used when resolution fails.
func (r *Resolver) DefaultZone() string { return r.defaultZone }

// Resolve returns the user's IANA zone. A fresh cached record is
// returned as-is; otherwise the identity service is asked once
// (concurrent callers for the same user share the lookup) and a valid
// answer is cached. Any failure yields the default zone.
func (r *Resolver) Resolve(ctx context.Context, userID string) string {
	if userID == "" {
		return r.defaultZone
	}

	rec, ok, err := r.store.Get(userID)
	if err != nil {
		r.logger.Warn("timezone cache read failed", "user_id", userID, "error", err)
	}
	if ok && r.now().Sub(rec.ResolvedAt) < r.ttl {
		if _, err := temporal.LoadZone(rec.Zone); err == nil {
			return rec.Zone
		}
		// The catalog no longer knows this zone; drop the record.
		r.discard(userID)
	}

	// The lookup is shared, so one caller giving up must not cut it
	// short for the rest; lookupTimeout still bounds it.
	shared := context.WithoutCancel(ctx)
	zone, _, _ := r.group.Do(userID, func() (any, error) {
		return r.lookup(shared, userID), nil
	})
	return zone.(string)
}

func (r *Resolver) lookup(ctx context.Context, userID string) string {
	if r.identity == nil {
		return r.defaultZone
	}

	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	zone, err := r.identity.UserTimezone(ctx, userID)
	if err != nil {
		r.logger.Warn("timezone lookup failed, using default",
			"user_id", userID,
			"default", r.defaultZone,
			"error", err,
		)
		return r.defaultZone
	}

	if _, err := temporal.LoadZone(zone); err != nil {
		r.logger.Warn("identity returned invalid timezone, using default",
			"user_id", userID,
			"timezone", zone,
			"default", r.defaultZone,
		)
		r.discard(userID)
		return r.defaultZone
	}

	rec := Record{UserID: userID, Zone: zone, ResolvedAt: r.now()}
	if err := r.store.Put(rec); err != nil {
		r.logger.Warn("timezone cache write failed", "user_id", userID, "error", err)
	}
	r.logger.Debug("timezone resolved", "user_id", userID, "timezone", zone)
	return zone
}

func (r *Resolver) discard(userID string) {
	if err := r.store.Delete(userID); err != nil {
		r.logger.Debug("timezone cache delete failed", "user_id", userID, "error", err)
	}
}

// Location resolves the user's zone and loads it. It cannot fail: the
// resolved zone has already been validated.
func (r *Resolver) Location(ctx context.Context, userID string) *time.Location {
	zone := r.Resolve(ctx, userID)
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Sweep evicts records resolved more than retention ago.
func (r *Resolver) Sweep(retention time.Duration) (int, error) {
	return r.store.Sweep(r.now().Add(-retention))
}
