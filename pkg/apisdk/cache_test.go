package apisdk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeFetcher counts calls and delegates to fn.
type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) ([]Recommendation, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ int64) ([]Recommendation, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(ctx, call)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func staticFetcher(recs ...Recommendation) *fakeFetcher {
	return &fakeFetcher{fn: func(context.Context, int) ([]Recommendation, error) {
		return recs, nil
	}}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCacheServesFreshEntry(t *testing.T) {
	t.Parallel()

	f := staticFetcher(Recommendation{TechnicianID: 1, Score: 0.5})
	var lookups []CacheResult
	c := NewRecommendationCache(f, WithCacheHooks(Hooks{
		OnCacheLookup: func(r CacheResult) { lookups = append(lookups, r) },
	}))

	first, err := c.Get(t.Context(), 7)
	require.NoError(t, err)
	second, err := c.Get(t.Context(), 7)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, f.Calls())
	require.Equal(t, []CacheResult{CacheMiss, CacheHit}, lookups)
}

func TestCacheConcurrentGetsShareOneFetch(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(context.Context, int) ([]Recommendation, error) {
		close(started)
		<-release
		return []Recommendation{{TechnicianID: 3}}, nil
	}}
	c := NewRecommendationCache(f)

	const n = 5
	results := make([][]Recommendation, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Get(t.Context(), 11)
		}()
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, 1, f.Calls())
	for i, recs := range results {
		require.NoError(t, errs[i])
		require.Equal(t, []Recommendation{{TechnicianID: 3}}, recs)
	}
}

func TestCacheInvalidateForcesFetch(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: func(_ context.Context, call int) ([]Recommendation, error) {
		return []Recommendation{{TechnicianID: int64(call)}}, nil
	}}
	c := NewRecommendationCache(f)

	recs, err := c.Get(t.Context(), 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), recs[0].TechnicianID)

	c.Invalidate(5)
	require.Zero(t, c.Len())

	recs, err = c.Get(t.Context(), 5)
	require.NoError(t, err)
	require.Equal(t, int64(2), recs[0].TechnicianID)
	require.Equal(t, 2, f.Calls())
}

func TestCacheInvalidateDetachesInflightFetch(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(_ context.Context, call int) ([]Recommendation, error) {
		if call == 1 {
			started <- struct{}{}
			<-release
		}
		return []Recommendation{{TechnicianID: int64(call)}}, nil
	}}
	c := NewRecommendationCache(f)

	done := make(chan []Recommendation, 1)
	go func() {
		recs, _ := c.Get(context.Background(), 9)
		done <- recs
	}()

	<-started
	c.Invalidate(9)

	// A new lookup does not join the detached fetch.
	recs, err := c.Get(t.Context(), 9)
	require.NoError(t, err)
	require.Equal(t, int64(2), recs[0].TechnicianID)

	close(release)
	require.Equal(t, int64(1), (<-done)[0].TechnicianID)

	// The detached result did not overwrite the newer entry.
	recs, err = c.Get(t.Context(), 9)
	require.NoError(t, err)
	require.Equal(t, int64(2), recs[0].TechnicianID)
	require.Equal(t, 2, f.Calls())
}

func TestCacheDetachedFetchDoesNotRepopulate(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(_ context.Context, call int) ([]Recommendation, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return []Recommendation{{TechnicianID: int64(call)}}, nil
	}}
	c := NewRecommendationCache(f)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), 9)
	}()

	<-started
	c.Invalidate(9)
	close(release)
	<-done

	require.Zero(t, c.Len())
	_, ok := c.FetchedAt(9)
	require.False(t, ok)
}

func TestCacheInvalidateLeavesNoBookkeeping(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(_ context.Context, call int) ([]Recommendation, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return []Recommendation{{TechnicianID: int64(call)}}, nil
	}}
	c := NewRecommendationCache(f)

	// One fetch detached while in flight.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), 1000)
	}()
	<-started
	c.Invalidate(1000)
	close(release)
	<-done

	// Many ids looked up and invalidated after settling.
	for id := range int64(50) {
		_, err := c.Get(t.Context(), id)
		require.NoError(t, err)
		c.Invalidate(id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.flights)
	require.Empty(t, c.entries)
}

func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := staticFetcher(Recommendation{TechnicianID: 1})
	c := NewRecommendationCache(f, WithClock(clock.Now), WithTTL(time.Minute))

	_, err := c.Get(t.Context(), 1)
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, err = c.Get(t.Context(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, f.Calls())

	clock.Advance(time.Second)
	_, err = c.Get(t.Context(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, f.Calls())
}

func TestCacheFailureTTL(t *testing.T) {
	t.Parallel()

	boom := errors.New("service down")
	clock := newFakeClock()
	f := &fakeFetcher{fn: func(context.Context, int) ([]Recommendation, error) {
		return nil, boom
	}}
	c := NewRecommendationCache(f, WithClock(clock.Now), WithFailureTTL(5*time.Second))

	_, err := c.Get(t.Context(), 2)
	require.ErrorIs(t, err, boom)
	_, err = c.Get(t.Context(), 2)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, f.Calls())

	clock.Advance(5 * time.Second)
	_, err = c.Get(t.Context(), 2)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, f.Calls())
}

func TestCacheZeroFailureTTLDoesNotStoreErrors(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: func(context.Context, int) ([]Recommendation, error) {
		return nil, ErrServiceUnavailable
	}}
	c := NewRecommendationCache(f, WithFailureTTL(0))

	_, err := c.Get(t.Context(), 2)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	_, err = c.Get(t.Context(), 2)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Equal(t, 2, f.Calls())
	require.Zero(t, c.Len())
}

func TestCacheCallerCancellationDoesNotCancelFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fetchErr := make(chan error, 1)
	f := &fakeFetcher{fn: func(ctx context.Context, _ int) ([]Recommendation, error) {
		<-release
		fetchErr <- ctx.Err()
		return []Recommendation{{TechnicianID: 4}}, nil
	}}
	c := NewRecommendationCache(f)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Get(ctx, 3)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-fetchErr)

	recs, err := c.Get(t.Context(), 3)
	require.NoError(t, err)
	require.Equal(t, []Recommendation{{TechnicianID: 4}}, recs)
	require.Equal(t, 1, f.Calls())
}

func TestCacheReturnsCopies(t *testing.T) {
	t.Parallel()

	c := NewRecommendationCache(staticFetcher(Recommendation{TechnicianID: 1, Score: 0.9}))

	recs, err := c.Get(t.Context(), 1)
	require.NoError(t, err)
	recs[0].Score = 0

	again, err := c.Get(t.Context(), 1)
	require.NoError(t, err)
	require.InDelta(t, 0.9, again[0].Score, 1e-9)
}

func TestCachePurge(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := NewRecommendationCache(staticFetcher(), WithClock(clock.Now), WithTTL(time.Minute))

	for id := range int64(3) {
		_, err := c.Get(t.Context(), id)
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.Len())
	require.Zero(t, c.Purge())

	clock.Advance(time.Minute)
	require.Equal(t, 3, c.Purge())
	require.Zero(t, c.Len())
}
