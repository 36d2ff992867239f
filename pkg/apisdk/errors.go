package apisdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthenticationExpired matches a 401 from a non-auth endpoint. The
	// client absorbs it whenever the session can be refreshed.
	ErrAuthenticationExpired = errors.New("apisdk: authentication expired")

	// ErrRefreshFailed means the session could not be refreshed and has been
	// cleared. Callers should send the user back to login.
	ErrRefreshFailed = errors.New("apisdk: session refresh failed")

	// ErrNoRefreshToken is the cause of a RefreshFailedError when the session
	// had nothing to refresh with.
	ErrNoRefreshToken = errors.New("apisdk: session has no refresh token")

	// ErrSessionUnavailable means the SessionStore could not be read. It is a
	// local failure and is never retried.
	ErrSessionUnavailable = errors.New("apisdk: session store unavailable")

	// ErrServiceUnavailable means the recommendation service failed on every attempt.
	ErrServiceUnavailable = errors.New("apisdk: recommendation service unavailable")

	// ErrHealthCheckFailed is only ever logged; HealthCheck reports a degraded
	// HealthStatus instead of returning it.
	ErrHealthCheckFailed = errors.New("apisdk: health check failed")
)

// APIError is a non-2xx response the client did not absorb.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrAuthenticationExpired) match a 401.
func (e *APIError) Is(target error) bool {
	return target == ErrAuthenticationExpired && e.StatusCode == http.StatusUnauthorized
}

// RefreshFailedError carries the reason a refresh cycle failed. Every request
// waiting on that cycle receives the same value.
type RefreshFailedError struct {
	Cause error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRefreshFailed, e.Cause)
}

func (e *RefreshFailedError) Unwrap() []error {
	return []error{ErrRefreshFailed, e.Cause}
}

// ServiceUnavailableError is returned by RecommendationClient.Fetch once the
// retry budget is spent.
type ServiceUnavailableError struct {
	Attempts int
	Cause    error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrServiceUnavailable, e.Attempts, e.Cause)
}

func (e *ServiceUnavailableError) Unwrap() []error {
	return []error{ErrServiceUnavailable, e.Cause}
}

// parseErrorResponse converts a non-2xx response into an *APIError, pulling
// the message out of the body when it is JSON.
func parseErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		apiErr.Message = errResp.text()
	}

	return apiErr
}
