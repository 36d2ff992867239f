/*
Package apisdk is the client side of the technician matching backend: it keeps
the user's session alive and fetches technician recommendations for service
requests.

# Overview

The package is organized around three types:

  - Client: authenticated access to the backend with transparent token refresh
  - RecommendationClient: retrying access to the ML recommendation service
  - RecommendationCache: short-lived memoization of recommendation lists

All of them read the current credentials through a SessionStore. MemoryStore
is the in-process implementation; internal/sessionstore/sqlite persists the
session encrypted on disk.

	store := apisdk.NewMemoryStore(apisdk.Session{})
	client := apisdk.NewClient("https://api.example.com", store)

	sess, err := client.Login(ctx, "ana@example.com", "secret")

# Token Refresh

Client.HTTPClient routes every request through a RefreshCoordinator. When a
request comes back 401:

 1. If no refresh is running, the request starts one on its own goroutine.
    Either way it queues, and stops waiting when its context is done.
 2. The refresh endpoint is called exactly once for the whole cycle.
 3. On success the store is updated and every queued request is replayed
    once, in the order it queued, with the new access token.
 4. On failure the session is cleared and every queued request fails with
    ErrRefreshFailed. Hooks.OnSessionExpired fires once.

Login and refresh use an isolated client that bypasses the coordinator, so a
401 from the refresh endpoint fails the cycle instead of recursing.

# Recommendations

	recs := apisdk.NewRecommendationClient(client)
	list, err := recs.Fetch(ctx, 42)
	if errors.Is(err, apisdk.ErrServiceUnavailable) {
		// show the request without suggestions
	}

Fetch retries timeouts, network errors and 5xx answers with exponential
backoff (500ms, then 1s, three attempts by default). An empty list is a
successful answer. HealthCheck never returns an error: a failed probe is
reported as Degraded.

# Caching

	cache := apisdk.NewRecommendationCache(recs)
	list, err := cache.Get(ctx, 42)
	cache.Invalidate(42) // e.g. after the request was reassigned

Concurrent Gets for the same request id share a single Fetch. Invalidate
detaches a fetch still in flight so its result is discarded.

# Error Handling

  - ErrAuthenticationExpired: matched by an *APIError with status 401
  - ErrRefreshFailed: *RefreshFailedError, the session is gone
  - ErrServiceUnavailable: *ServiceUnavailableError, retries exhausted
  - ErrSessionUnavailable: the SessionStore could not be read, never retried
  - *APIError: any other non-2xx answer
  - *DecodeError: a 2xx answer that was not the expected JSON

# Thread Safety

Every type in this package is safe for concurrent use.
*/
package apisdk
