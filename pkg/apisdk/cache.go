package apisdk

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults for RecommendationCache.
const (
	DefaultCacheTTL        = 60 * time.Second
	DefaultCacheFailureTTL = 5 * time.Second
)

// Fetcher loads recommendations for one service request.
type Fetcher interface {
	Fetch(ctx context.Context, requestID int64) ([]Recommendation, error)
}

type cacheEntry struct {
	value     []Recommendation
	err       error
	fetchedAt time.Time
	expiresAt time.Time
}

// RecommendationCache memoizes Fetcher results per service request id.
//
// Concurrent lookups for a key that is not cached share one fetch. Settled
// results are kept for TTL (successes) or FailureTTL (failures) and are never
// served past that. Invalidate detaches any fetch still in flight so the next
// Get starts over and the detached fetch can't repopulate the entry.
type RecommendationCache struct {
	fetcher    Fetcher
	ttl        time.Duration
	failureTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	hooks      Hooks

	group singleflight.Group

	mu      sync.Mutex
	entries map[int64]*cacheEntry
	// flights holds the token of the fetch currently allowed to store a
	// result for each id. Invalidate removes it, which detaches that fetch.
	flights map[int64]*flight
}

// flight identifies one fetch. Only pointer identity matters.
type flight struct{ _ byte }

// CacheOption configures NewRecommendationCache.
type CacheOption func(*RecommendationCache)

// WithTTL sets how long a successful result is served.
func WithTTL(d time.Duration) CacheOption {
	return func(c *RecommendationCache) { c.ttl = d }
}

// WithFailureTTL sets how long a failed result is served. Zero disables
// caching failures.
func WithFailureTTL(d time.Duration) CacheOption {
	return func(c *RecommendationCache) { c.failureTTL = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *RecommendationCache) { c.now = now }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *RecommendationCache) { c.logger = l }
}

// WithCacheHooks installs observer hooks.
func WithCacheHooks(h Hooks) CacheOption {
	return func(c *RecommendationCache) { c.hooks = h }
}

// NewRecommendationCache wraps f.
func NewRecommendationCache(f Fetcher, opts ...CacheOption) *RecommendationCache {
	c := &RecommendationCache{
		fetcher:    f,
		ttl:        DefaultCacheTTL,
		failureTTL: DefaultCacheFailureTTL,
		now:        time.Now,
		logger:     slog.Default(),
		entries:    make(map[int64]*cacheEntry),
		flights:    make(map[int64]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the recommendations for requestID, from cache when fresh.
// The caller's ctx only bounds how long it waits: a fetch shared with other
// callers keeps running if this caller gives up.
func (c *RecommendationCache) Get(ctx context.Context, requestID int64) ([]Recommendation, error) {
	c.mu.Lock()
	if e, ok := c.entries[requestID]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		c.hooks.cacheLookup(CacheHit)
		return slices.Clone(e.value), e.err
	}
	f := c.flights[requestID]
	if f == nil {
		f = &flight{}
		c.flights[requestID] = f
	}

	// DoChan runs fn on its own goroutine, so calling it under mu is safe and
	// keeps the flights entry and the group's call for the key in step.
	var started bool
	ch := c.group.DoChan(flightKey(requestID), func() (any, error) {
		started = true
		return c.load(ctx, requestID, f)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if started {
			c.hooks.cacheLookup(CacheMiss)
		} else {
			c.hooks.cacheLookup(CacheShared)
		}
		recs, _ := res.Val.([]Recommendation)
		return slices.Clone(recs), res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load runs the fetch identified by f and records its outcome unless f was
// detached by Invalidate in the meantime.
func (c *RecommendationCache) load(ctx context.Context, requestID int64, f *flight) ([]Recommendation, error) {
	recs, err := c.fetcher.Fetch(context.WithoutCancel(ctx), requestID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flights[requestID] != f {
		c.logger.Debug("discarding result of invalidated fetch", "request_id", requestID)
		return recs, err
	}
	delete(c.flights, requestID)

	ttl := c.ttl
	if err != nil {
		ttl = c.failureTTL
	}
	if ttl <= 0 {
		delete(c.entries, requestID)
		return recs, err
	}

	now := c.now()
	c.entries[requestID] = &cacheEntry{
		value:     slices.Clone(recs),
		err:       err,
		fetchedAt: now,
		expiresAt: now.Add(ttl),
	}
	return recs, err
}

// Invalidate drops the cached value for requestID and detaches any fetch in
// flight, so the next Get goes to the network.
func (c *RecommendationCache) Invalidate(requestID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, requestID)
	delete(c.flights, requestID)
	c.group.Forget(flightKey(requestID))
}

// Purge removes expired entries and reports how many were dropped.
func (c *RecommendationCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, fresh or not yet purged.
func (c *RecommendationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FetchedAt reports when the stored entry for requestID settled.
func (c *RecommendationCache) FetchedAt(requestID int64) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[requestID]
	if !ok {
		return time.Time{}, false
	}
	return e.fetchedAt, true
}

func flightKey(requestID int64) string {
	return strconv.FormatInt(requestID, 10)
}
