package apisdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/aussiebroadwan/techmatch/pkg/retryx"
	"github.com/stretchr/testify/require"
)

// mlServer serves /ml/recomendar from a script of status codes; the last
// entry repeats once the script runs out.
func mlServer(t *testing.T, script []int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != RecommendPath {
			http.NotFound(w, r)
			return
		}
		n := int(calls.Add(1)) - 1
		status := script[min(n, len(script)-1)]
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(body))
			return
		}
		_, _ = w.Write([]byte(`{"detail":"model busy"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newRecommendationClient(t *testing.T, baseURL string, delays *[]time.Duration, opts ...RecommendationOption) *RecommendationClient {
	t.Helper()

	var mu sync.Mutex
	api := NewClient(baseURL, NewMemoryStore(Session{AccessToken: "token", RefreshToken: "r1"}))
	opts = append([]RecommendationOption{
		WithRetryPolicy(retryx.Policy{MaxRetries: 2, BaseDelay: 10 * time.Millisecond}),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			*delays = append(*delays, d)
			mu.Unlock()
			return ctx.Err()
		}),
	}, opts...)
	return NewRecommendationClient(api, opts...)
}

const twoTechnicians = `{
	"id_solicitud": 42,
	"tecnicos_recomendados": [
		{"id_tecnico": 9, "nombre": "Lucia", "score": 0.92, "ranking": 1},
		{"id_tecnico": 4, "nombre": "Mateo", "score": 0.81, "ranking": 2}
	],
	"total": 2
}`

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv, calls := mlServer(t, []int{http.StatusOK}, twoTechnicians)
	var delays []time.Duration
	rc := newRecommendationClient(t, srv.URL, &delays)

	recs, err := rc.Fetch(t.Context(), 42)
	require.NoError(t, err)
	require.Equal(t, []Recommendation{
		{TechnicianID: 9, Name: "Lucia", Score: 0.92, Rank: 1},
		{TechnicianID: 4, Name: "Mateo", Score: 0.81, Rank: 2},
	}, recs)
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, delays)
}

func TestFetchEmptyListIsSuccess(t *testing.T) {
	t.Parallel()

	srv, calls := mlServer(t, []int{http.StatusOK}, `{"id_solicitud":42,"tecnicos_recomendados":[],"total":0}`)
	var delays []time.Duration
	rc := newRecommendationClient(t, srv.URL, &delays)

	recs, err := rc.Fetch(t.Context(), 42)
	require.NoError(t, err)
	require.NotNil(t, recs)
	require.Empty(t, recs)
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	srv, calls := mlServer(t, []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK}, twoTechnicians)
	var delays []time.Duration
	var retries atomic.Int32
	rc := newRecommendationClient(t, srv.URL, &delays,
		WithRecommendationHooks(Hooks{OnRetry: func(retryx.Attempt, error) { retries.Add(1) }}))

	recs, err := rc.Fetch(t.Context(), 42)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
	require.Equal(t, int32(2), retries.Load())
}

func TestFetchExhaustedIsServiceUnavailable(t *testing.T) {
	t.Parallel()

	srv, calls := mlServer(t, []int{http.StatusInternalServerError}, "")
	var delays []time.Duration

	var fetchAttempts int
	var fetchErr error
	rc := newRecommendationClient(t, srv.URL, &delays,
		WithRecommendationHooks(Hooks{OnFetch: func(attempts int, err error) {
			fetchAttempts, fetchErr = attempts, err
		}}))

	_, err := rc.Fetch(t.Context(), 42)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Equal(t, int32(3), calls.Load())
	require.Len(t, delays, 2)

	var unavailable *ServiceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, 3, unavailable.Attempts)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.Equal(t, "model busy", apiErr.Message)

	require.Equal(t, 3, fetchAttempts)
	require.ErrorIs(t, fetchErr, ErrServiceUnavailable)
}

func TestFetchClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	srv, calls := mlServer(t, []int{http.StatusBadRequest}, "")
	var delays []time.Duration
	rc := newRecommendationClient(t, srv.URL, &delays)

	_, err := rc.Fetch(t.Context(), 42)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrServiceUnavailable)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, delays)
}

func TestFetchRefreshFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	api := NewClient(srv.URL, NewMemoryStore(Session{AccessToken: "expired"}))
	rc := NewRecommendationClient(api, WithSleep(func(context.Context, time.Duration) error {
		t.Error("refresh failure must not be retried")
		return nil
	}))

	_, err := rc.Fetch(t.Context(), 42)
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.NotErrorIs(t, err, ErrServiceUnavailable)
	require.Equal(t, int32(1), calls.Load())
}

// brokenStore fails every read, as a locked or missing database would.
type brokenStore struct{}

var errDiskGone = errors.New("disk gone")

func (brokenStore) Get(context.Context) (Session, error) { return Session{}, errDiskGone }
func (brokenStore) Set(context.Context, Session) error { return errDiskGone }
func (brokenStore) Clear(context.Context) error { return errDiskGone }

func TestFetchSessionStoreFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	srv, calls := mlServer(t, []int{http.StatusOK}, twoTechnicians)

	var delays []time.Duration
	rc := NewRecommendationClient(NewClient(srv.URL, brokenStore{}),
		WithSleep(func(context.Context, time.Duration) error {
			delays = append(delays, 0)
			return nil
		}))

	_, err := rc.Fetch(t.Context(), 42)
	require.ErrorIs(t, err, ErrSessionUnavailable)
	require.ErrorIs(t, err, errDiskGone)
	require.NotErrorIs(t, err, ErrServiceUnavailable)
	require.Zero(t, calls.Load())
	require.Empty(t, delays)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	wrap := func(err error) error {
		return &url.Error{Op: "Post", URL: "http://ml.local/ml/recomendar", Err: err}
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection refused", wrap(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}), true},
		{"connection reset", wrap(syscall.ECONNRESET), true},
		{"closed mid-response", wrap(io.ErrUnexpectedEOF), true},
		{"attempt timeout", wrap(context.DeadlineExceeded), true},
		{"server error", &APIError{StatusCode: http.StatusBadGateway}, true},
		{"throttled", &APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"session store", wrap(fmt.Errorf("%w: %w", ErrSessionUnavailable, errDiskGone)), false},
		{"local transport error", wrap(errors.New("rate limit wait: burst exceeded")), false},
		{"refresh failed", wrap(&RefreshFailedError{Cause: wrap(syscall.ECONNREFUSED)}), false},
		{"caller cancelled", wrap(context.Canceled), false},
		{"bad request", &APIError{StatusCode: http.StatusBadRequest}, false},
		{"malformed body", &DecodeError{Err: errors.New("unexpected end of JSON input")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestFetchNetworkErrorIsRetried(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	var delays []time.Duration
	rc := newRecommendationClient(t, addr, &delays)

	_, err := rc.Fetch(t.Context(), 42)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Len(t, delays, 2)
}

func TestFetchAttemptTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	var delays []time.Duration
	rc := newRecommendationClient(t, srv.URL, &delays, WithAttemptTimeout(20*time.Millisecond))

	_, err := rc.Fetch(t.Context(), 42)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, delays, 2)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   HealthStatus
	}{
		{
			name:   "healthy with model",
			status: http.StatusOK,
			body:   `{"status":"ok","modelo_cargado":true,"scaler_cargado":true,"modelo_disponible":true}`,
			want:   HealthStatus{Available: true, ModelReady: true},
		},
		{
			name:   "healthy without scaler",
			status: http.StatusOK,
			body:   `{"status":"ok","modelo_cargado":true,"scaler_cargado":false,"modelo_disponible":true}`,
			want:   HealthStatus{Available: true, ModelReady: false},
		},
		{
			name:   "reports unhealthy",
			status: http.StatusOK,
			body:   `{"status":"error","modelo_cargado":true,"scaler_cargado":true,"modelo_disponible":true}`,
			want:   Degraded,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"detail":"boom"}`,
			want:   Degraded,
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   `not json`,
			want:   Degraded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != HealthPath {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			var got HealthStatus
			api := NewClient(srv.URL, NewMemoryStore(Session{}))
			rc := NewRecommendationClient(api, WithRecommendationHooks(Hooks{
				OnHealth: func(s HealthStatus) { got = s },
			}))

			require.Equal(t, tc.want, rc.HealthCheck(t.Context()))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHealthCheckUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	api := NewClient("http://unused.invalid", NewMemoryStore(Session{}))
	rc := NewRecommendationClient(api, WithServiceURL(addr), WithHealthTimeout(time.Second))

	require.Equal(t, HealthStatus{Available: false, ModelReady: false}, rc.HealthCheck(t.Context()))
}

func TestRecommendRequestEncoding(t *testing.T) {
	t.Parallel()

	got := make(chan RecommendRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RecommendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		got <- req
		_, _ = w.Write([]byte(`{"tecnicos_recomendados":[]}`))
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	rc := newRecommendationClient(t, srv.URL, &delays)
	_, err := rc.Fetch(t.Context(), 1234)
	require.NoError(t, err)
	require.Equal(t, RecommendRequest{RequestID: 1234}, <-got)
}
