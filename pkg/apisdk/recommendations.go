package apisdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/aussiebroadwan/techmatch/pkg/httpx"
	"github.com/aussiebroadwan/techmatch/pkg/retryx"
)

// Defaults for RecommendationClient.
const (
	DefaultAttemptTimeout = 8 * time.Second
	DefaultHealthTimeout  = 3 * time.Second
)

// RecommendationClient fetches ranked technicians for a service request from
// the ML service. The service is best-effort: transient failures are retried
// with exponential backoff, and callers are expected to degrade gracefully
// when Fetch finally returns ErrServiceUnavailable.
type RecommendationClient struct {
	api            *Client
	baseURL        string
	policy         retryx.Policy
	attemptTimeout time.Duration
	healthTimeout  time.Duration
	sleep          retryx.SleepFunc
	logger         *slog.Logger
	hooks          Hooks
}

// RecommendationOption configures NewRecommendationClient.
type RecommendationOption func(*RecommendationClient)

// WithServiceURL points the client at a different host than the API base URL.
func WithServiceURL(baseURL string) RecommendationOption {
	return func(rc *RecommendationClient) {
		if baseURL != "" {
			rc.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithRetryPolicy overrides the default 3 attempt policy.
func WithRetryPolicy(p retryx.Policy) RecommendationOption {
	return func(rc *RecommendationClient) { rc.policy = p }
}

// WithAttemptTimeout bounds each individual fetch attempt.
func WithAttemptTimeout(d time.Duration) RecommendationOption {
	return func(rc *RecommendationClient) {
		if d > 0 {
			rc.attemptTimeout = d
		}
	}
}

// WithHealthTimeout bounds the health probe.
func WithHealthTimeout(d time.Duration) RecommendationOption {
	return func(rc *RecommendationClient) {
		if d > 0 {
			rc.healthTimeout = d
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn retryx.SleepFunc) RecommendationOption {
	return func(rc *RecommendationClient) { rc.sleep = fn }
}

// WithRecommendationHooks installs observer hooks. Defaults to the API client's hooks.
func WithRecommendationHooks(h Hooks) RecommendationOption {
	return func(rc *RecommendationClient) { rc.hooks = h }
}

// NewRecommendationClient creates a client that reaches the ML service
// through api, sharing its session and refresh handling.
func NewRecommendationClient(api *Client, opts ...RecommendationOption) *RecommendationClient {
	rc := &RecommendationClient{
		api:            api,
		baseURL:        api.BaseURL,
		policy:         retryx.DefaultPolicy(),
		attemptTimeout: DefaultAttemptTimeout,
		healthTimeout:  DefaultHealthTimeout,
		sleep:          retryx.Sleep,
		logger:         api.logger,
		hooks:          api.hooks,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Fetch returns the ranked recommendations for requestID. An empty list is a
// valid answer. Retryable failures (timeouts, network errors, 5xx) are
// retried per the policy; once it is exhausted Fetch returns a
// *ServiceUnavailableError wrapping the last cause. Other failures, such as
// ErrRefreshFailed, are returned straight away.
func (rc *RecommendationClient) Fetch(ctx context.Context, requestID int64) ([]Recommendation, error) {
	logger := rc.logger.With("request_id", requestID)
	attempts := 0

	recs, err := retryx.Do(ctx, rc.policy,
		func(ctx context.Context, attempt int) ([]Recommendation, error) {
			attempts = attempt + 1
			return rc.fetchOnce(ctx, requestID)
		},
		retryx.WithSleep(rc.sleep),
		retryx.WithRetryIf(isRetryable),
		retryx.WithOnRetry(func(a retryx.Attempt, err error) {
			logger.Warn("recommendation attempt failed, retrying",
				"attempt", a.Index+1,
				"max_attempts", a.MaxAttempts,
				"delay", a.Delay,
				"error", err,
			)
			rc.hooks.retry(a, err)
		}),
	)

	var rerr *retryx.Error
	if errors.As(err, &rerr) {
		err = &ServiceUnavailableError{Attempts: rerr.Attempts, Cause: rerr.LastError}
	}
	rc.hooks.fetch(attempts, err)

	if err != nil {
		logger.Warn("recommendations unavailable", "attempts", attempts, "error", err)
		return nil, err
	}

	logger.Debug("recommendations fetched", "attempts", attempts, "count", len(recs))
	return recs, nil
}

func (rc *RecommendationClient) fetchOnce(ctx context.Context, requestID int64) ([]Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, rc.attemptTimeout)
	defer cancel()

	var resp RecommendResponse
	err := rc.api.doJSON(ctx, rc.api.HTTPClient, http.MethodPost, rc.baseURL+RecommendPath,
		RecommendRequest{RequestID: requestID}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Technicians == nil {
		return []Recommendation{}, nil
	}
	return resp.Technicians, nil
}

// HealthCheck probes the ML service once. It never fails: any problem is
// logged and reported as the Degraded status.
func (rc *RecommendationClient) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, rc.healthTimeout)
	defer cancel()

	var resp HealthResponse
	err := rc.api.doJSON(ctx, rc.api.HTTPClient, http.MethodGet, rc.baseURL+HealthPath, nil, &resp)
	if err != nil {
		rc.logger.Warn("recommendation service health probe failed",
			"error", fmt.Errorf("%w: %w", ErrHealthCheckFailed, err))
		rc.hooks.health(Degraded)
		return Degraded
	}

	status := resp.status()
	rc.hooks.health(status)
	return status
}

// isRetryable decides whether a failed attempt is worth another try.
func isRetryable(err error) bool {
	var apiErr *APIError
	var urlErr *url.Error

	switch {
	case errors.Is(err, ErrRefreshFailed), errors.Is(err, ErrSessionUnavailable):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &apiErr):
		return httpx.IsRetryableStatus(apiErr.StatusCode)
	case errors.As(err, &urlErr):
		// http.Client wraps every RoundTripper error, local ones included.
		return isNetworkFailure(urlErr.Err)
	default:
		return false
	}
}

// isNetworkFailure reports connection level failures: refused or reset
// connections, DNS errors, timeouts and connections closed mid-response.
func isNetworkFailure(err error) bool {
	var netErr net.Error
	var errno syscall.Errno

	return errors.As(err, &netErr) ||
		errors.As(err, &errno) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
