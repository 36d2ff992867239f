package apisdk

import (
	"time"

	"github.com/aussiebroadwan/techmatch/pkg/retryx"
)

// CacheResult classifies a RecommendationCache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"    // served from a fresh entry
	CacheShared CacheResult = "shared" // joined a fetch already in flight
	CacheMiss   CacheResult = "miss"   // started a new fetch
)

// Hooks lets the embedding application observe the client. Every field is
// optional. Hooks run synchronously and must not block. OnRefresh and
// OnSessionExpired run on the refresh goroutine before the waiting requests
// are released.
type Hooks struct {
	// OnRefresh fires when a refresh cycle settles. waiters counts the
	// requests that were queued behind the one that ran the refresh.
	OnRefresh func(ok bool, waiters int, elapsed time.Duration)

	// OnSessionExpired fires once per failed refresh cycle, after the session
	// has been cleared. This is the cue to send the user back to login.
	OnSessionExpired func(err error)

	// OnRetry fires before each backoff wait of a recommendation fetch.
	OnRetry func(attempt retryx.Attempt, err error)

	// OnFetch fires when a recommendation fetch settles, err is nil on success.
	OnFetch func(attempts int, err error)

	// OnCacheLookup fires for every RecommendationCache.Get.
	OnCacheLookup func(result CacheResult)

	// OnHealth fires with the outcome of every health probe.
	OnHealth func(status HealthStatus)
}

func (h Hooks) refresh(ok bool, waiters int, elapsed time.Duration) {
	if h.OnRefresh != nil {
		h.OnRefresh(ok, waiters, elapsed)
	}
}

func (h Hooks) sessionExpired(err error) {
	if h.OnSessionExpired != nil {
		h.OnSessionExpired(err)
	}
}

func (h Hooks) retry(a retryx.Attempt, err error) {
	if h.OnRetry != nil {
		h.OnRetry(a, err)
	}
}

func (h Hooks) fetch(attempts int, err error) {
	if h.OnFetch != nil {
		h.OnFetch(attempts, err)
	}
}

func (h Hooks) cacheLookup(r CacheResult) {
	if h.OnCacheLookup != nil {
		h.OnCacheLookup(r)
	}
}

func (h Hooks) health(s HealthStatus) {
	if h.OnHealth != nil {
		h.OnHealth(s)
	}
}

// Merge returns hooks that call h first and then other for every event.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnRefresh: func(ok bool, waiters int, elapsed time.Duration) {
			h.refresh(ok, waiters, elapsed)
			other.refresh(ok, waiters, elapsed)
		},
		OnSessionExpired: func(err error) {
			h.sessionExpired(err)
			other.sessionExpired(err)
		},
		OnRetry: func(a retryx.Attempt, err error) {
			h.retry(a, err)
			other.retry(a, err)
		},
		OnFetch: func(attempts int, err error) {
			h.fetch(attempts, err)
			other.fetch(attempts, err)
		},
		OnCacheLookup: func(r CacheResult) {
			h.cacheLookup(r)
			other.cacheLookup(r)
		},
		OnHealth: func(s HealthStatus) {
			h.health(s)
			other.health(s)
		},
	}
}
