package discovery

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/projectmatch/internal/metrics"
)

// DiscoverFunc produces a fresh entry for a published record.
type DiscoverFunc func(ctx context.Context, publishedID string) (*Entry, error)

// DefaultTTL is how long an entry is served before it is refreshed.
const DefaultTTL = 6 * time.Hour

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithServeStale controls whether an expired entry is returned, flagged
// stale, when its refresh fails.
func WithServeStale(on bool) CacheOption {
	return func(c *Cache) { c.serveStale = on }
}

// WithCacheClock overrides the clock.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// Cache serves discovery results per published record. At most one
// discovery per record runs at a time in this process; concurrent callers
// for the same record share its result.
type Cache struct {
	backend    Backend
	group      singleflight.Group
	ttl        time.Duration
	serveStale bool
	now        func() time.Time
	log        *zap.Logger
}

// NewCache creates a Cache over backend.
func NewCache(backend Backend, opts ...CacheOption) *Cache {
	c := &Cache{
		backend:    backend,
		ttl:        DefaultTTL,
		serveStale: true,
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "discovery_cache")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// GetOrDiscover returns the cached entry for publishedID, running discover
// when there is none or it has expired. If the refresh fails and an expired
// entry exists, that entry is returned flagged stale together with the
// error (when serving stale is enabled).
func (c *Cache) GetOrDiscover(ctx context.Context, publishedID string, discover DiscoverFunc) (*Entry, error) {
	existing := c.lookup(ctx, publishedID)
	if existing != nil && !existing.Expired(c.now()) {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		c.log.Debug("cache hit", zap.String("published_record_id", publishedID))
		return existing, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	ch := c.group.DoChan(publishedID, func() (any, error) {
		// Callers may give up; the shared discovery keeps going for the rest.
		return c.refresh(context.WithoutCancel(ctx), publishedID, discover)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}

	if res.Err == nil {
		return res.Val.(*Entry).Clone(), nil
	}
	if existing != nil && c.serveStale {
		metrics.CacheLookups.WithLabelValues("stale").Inc()
		c.log.Warn("serving stale discovery entry",
			zap.String("published_record_id", publishedID),
			zap.Time("generated_at", existing.GeneratedAt),
			zap.Error(res.Err),
		)
		stale := existing.Clone()
		stale.Stale = true
		return stale, res.Err
	}
	return nil, res.Err
}

func (c *Cache) refresh(ctx context.Context, publishedID string, discover DiscoverFunc) (*Entry, error) {
	// A flight that finished just before this one started may have
	// refreshed the entry already.
	if e := c.lookup(ctx, publishedID); e != nil && !e.Expired(c.now()) {
		return e, nil
	}

	e, err := discover(ctx, publishedID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, eris.Errorf("discovery: discover returned no entry for %s", publishedID)
	}

	now := c.now()
	e = e.Clone()
	e.PublishedRecordID = publishedID
	if e.GeneratedAt.IsZero() {
		e.GeneratedAt = now
	}
	e.ExpiresAt = now.Add(c.ttl)
	e.Stale = false

	if err := c.backend.Put(ctx, e); err != nil {
		c.log.Error("cache write failed", zap.String("published_record_id", publishedID), zap.Error(err))
	}
	return e, nil
}

// lookup reads the backend. Backend failures are logged and treated as a
// miss so discovery still runs.
func (c *Cache) lookup(ctx context.Context, publishedID string) *Entry {
	e, err := c.backend.Get(ctx, publishedID)
	if err != nil {
		c.log.Warn("cache read failed", zap.String("published_record_id", publishedID), zap.Error(err))
		return nil
	}
	return e
}

// Peek returns the stored entry without triggering discovery. The entry is
// flagged stale when its TTL has passed.
func (c *Cache) Peek(ctx context.Context, publishedID string) (*Entry, bool, error) {
	e, err := c.backend.Get(ctx, publishedID)
	if err != nil {
		return nil, false, eris.Wrapf(err, "discovery: peek %s", publishedID)
	}
	if e == nil {
		return nil, false, nil
	}
	e.Stale = e.Expired(c.now())
	return e, true, nil
}

// Invalidate drops the entry for publishedID. A discovery already in flight
// still completes, but later callers start a new one.
func (c *Cache) Invalidate(ctx context.Context, publishedID string) error {
	c.group.Forget(publishedID)
	if err := c.backend.Delete(ctx, publishedID); err != nil {
		return eris.Wrapf(err, "discovery: invalidate %s", publishedID)
	}
	c.log.Info("cache entry invalidated", zap.String("published_record_id", publishedID))
	return nil
}
