package retryx

import (
	"context"
	"fmt"
	"time"
)

// Default policy values used when a Policy field is left at zero.
const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 500 * time.Millisecond
)

// Policy describes a bounded exponential backoff. An operation is tried at
// most MaxRetries+1 times and the wait before retry n is BaseDelay * 2^n.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultPolicy returns the policy used by the recommendation client.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
	}
}

// MaxAttempts is the total number of tries the policy allows.
func (p Policy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the backoff to wait after the given zero-based attempt failed.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay * time.Duration(1<<attempt)
}

// Attempt describes one scheduled retry. It is handed to OnRetry observers.
type Attempt struct {
	// Index is the zero-based attempt that just failed.
	Index int
	// Delay is how long Do waits before the next attempt.
	Delay time.Duration
	// MaxAttempts is the total number of tries the policy allows.
	MaxAttempts int
}

// Error is returned when every attempt failed with a retryable error.
type Error struct {
	Attempts  int
	LastError error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retryx: all %d attempts failed: %v", e.Attempts, e.LastError)
}

func (e *Error) Unwrap() error {
	return e.LastError
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type options struct {
	sleep   SleepFunc
	retryIf func(error) bool
	onRetry func(Attempt, error)
}

// Option customises a single Do call.
type Option func(*options)

// WithSleep replaces the timer based wait, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// WithRetryIf limits retries to errors for which fn returns true. Any other
// error is returned to the caller immediately, unwrapped.
func WithRetryIf(fn func(error) bool) Option {
	return func(o *options) { o.retryIf = fn }
}

// WithOnRetry registers an observer called before each backoff wait.
func WithOnRetry(fn func(Attempt, error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs op until it succeeds, returns a non-retryable error, ctx is done or
// the policy is exhausted. op receives the zero-based attempt index.
func Do[T any](
	ctx context.Context,
	p Policy,
	op func(ctx context.Context, attempt int) (T, error),
	opts ...Option,
) (T, error) {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	var lastErr error
	maxAttempts := p.MaxAttempts()

	for attempt := range maxAttempts {
		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if o.retryIf != nil && !o.retryIf(err) {
			return zero, err
		}
		lastErr = err

		if attempt+1 >= maxAttempts {
			break
		}

		next := Attempt{Index: attempt, Delay: p.Delay(attempt), MaxAttempts: maxAttempts}
		if o.onRetry != nil {
			o.onRetry(next, err)
		}
		if err := o.sleep(ctx, next.Delay); err != nil {
			return zero, fmt.Errorf("retryx: wait interrupted after attempt %d: %w", attempt, err)
		}
	}

	return zero, &Error{Attempts: maxAttempts, LastError: lastErr}
}
