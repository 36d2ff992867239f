package apisdk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/techmatch/pkg/httpx"
	"github.com/aussiebroadwan/techmatch/pkg/jwtx"
)

// RefreshFunc exchanges a refresh token for a new token pair. It must not be
// routed through a RefreshCoordinator.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

type retriedKey struct{}

// markRetried flags a request as already replayed once.
func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func alreadyRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// refreshOutcome is what every request waiting on one refresh cycle receives.
type refreshOutcome struct {
	session Session
	err     error
}

// refreshState exists only while a cycle runs. waiters are released in the
// order they queued.
type refreshState struct {
	inProgress bool
	waiters    []chan<- refreshOutcome
}

// RefreshCoordinator is an http.RoundTripper that recovers from access token
// expiry. When a request comes back 401 it runs one refresh for all requests
// failing at the same time, then replays each of them with the new token. If
// the refresh fails the session is cleared and every waiting request fails
// with ErrRefreshFailed.
//
// Requests to the refresh and login endpoints, and requests that were already
// replayed once, are never intercepted.
type RefreshCoordinator struct {
	next    *Transport
	store   SessionStore
	refresh RefreshFunc
	exempt  []string
	timeout time.Duration
	logger  *slog.Logger
	hooks   Hooks

	mu    sync.Mutex
	state refreshState
}

// NewRefreshCoordinator builds a coordinator in front of next. exemptPaths
// are URL path suffixes (the auth endpoints) that are passed through as is.
func NewRefreshCoordinator(
	next *Transport,
	refresh RefreshFunc,
	timeout time.Duration,
	logger *slog.Logger,
	hooks Hooks,
	exemptPaths ...string,
) *RefreshCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}

	return &RefreshCoordinator{
		next:    next,
		store:   next.Store,
		refresh: refresh,
		exempt:  exemptPaths,
		timeout: timeout,
		logger:  logger,
		hooks:   hooks,
	}
}

func (c *RefreshCoordinator) isExempt(r *http.Request) bool {
	for _, p := range c.exempt {
		if strings.HasSuffix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

func (c *RefreshCoordinator) RoundTrip(r *http.Request) (*http.Response, error) {
	if alreadyRetried(r.Context()) || c.isExempt(r) {
		return c.next.RoundTrip(r)
	}

	r, err := replayable(r)
	if err != nil {
		return nil, err
	}

	resp, usedToken, err := c.next.send(r)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	httpx.DrainAndClose(resp)

	if _, err := c.handle(r.Context(), usedToken); err != nil {
		return nil, err
	}

	return c.replay(r)
}

// handle joins the refresh cycle that answers a 401 received for a request
// sent with usedToken, starting one when none is running. The cycle runs on
// its own goroutine; every request, the one that started it included, waits
// in the queue and gives up when its own ctx is done.
func (c *RefreshCoordinator) handle(ctx context.Context, usedToken string) (Session, error) {
	c.mu.Lock()

	if !c.state.inProgress {
		sess, err := c.store.Get(ctx)
		if err != nil {
			c.mu.Unlock()
			return Session{}, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
		}

		// A cycle finished after this request was sent: its token is already
		// stale, the current one is newer, so replay without refreshing again.
		if sess.AccessToken != "" && sess.AccessToken != usedToken {
			c.mu.Unlock()
			return sess, nil
		}

		c.state.inProgress = true
		go c.cycle(context.WithoutCancel(ctx), sess)
	}

	ch := make(chan refreshOutcome, 1)
	c.state.waiters = append(c.state.waiters, ch)
	c.mu.Unlock()

	select {
	case out := <-ch:
		return out.session, out.err
	case <-ctx.Done():
		// The cycle still settles; the buffered channel absorbs the outcome.
		return Session{}, ctx.Err()
	}
}

// cycle runs one refresh and releases the queued requests in the order they
// joined. The state is reset before anyone is released, so a 401 arriving
// afterwards starts a new cycle (or takes the stale-token shortcut).
func (c *RefreshCoordinator) cycle(ctx context.Context, sess Session) {
	start := time.Now()
	out := c.runRefresh(ctx, sess)

	c.mu.Lock()
	waiters := c.state.waiters
	c.state = refreshState{}
	c.mu.Unlock()

	c.hooks.refresh(out.err == nil, max(len(waiters)-1, 0), time.Since(start))
	if out.err != nil {
		c.hooks.sessionExpired(out.err)
	}

	for _, w := range waiters {
		w <- out
	}
}

// runRefresh performs the single network refresh of a cycle and updates the
// store. ctx is already detached from the caller's cancellation because the
// outcome is shared with every waiter.
func (c *RefreshCoordinator) runRefresh(ctx context.Context, sess Session) refreshOutcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if sess.RefreshToken == "" {
		return c.fail(ctx, ErrNoRefreshToken)
	}

	c.logger.Info("access token expired, refreshing session", "user_id", sess.UserID)

	pair, err := c.refresh(ctx, sess.RefreshToken)
	if err != nil {
		return c.fail(ctx, err)
	}
	if pair.Token == "" {
		return c.fail(ctx, fmt.Errorf("refresh response carried no access token"))
	}

	next := Session{
		AccessToken:  pair.Token,
		RefreshToken: pair.RefreshToken,
		UserID:       sess.UserID,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = sess.RefreshToken
	}
	claims, _ := jwtx.Peek(next.AccessToken)
	if next.UserID == "" {
		next.UserID = claims.Subject
	}
	if claims.Expired(time.Now()) {
		c.logger.Warn("refreshed access token is already expired by the local clock",
			"expires_at", claims.ExpiresAt)
	}

	if err := c.store.Set(ctx, next); err != nil {
		return c.fail(ctx, fmt.Errorf("failed to store refreshed session: %w", err))
	}

	c.logger.Info("session refreshed", tokenAttrs(next.UserID, claims)...)
	return refreshOutcome{session: next}
}

func (c *RefreshCoordinator) fail(ctx context.Context, cause error) refreshOutcome {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("failed to clear session after refresh failure", "error", err)
	}
	c.logger.Warn("session refresh failed, session cleared", "error", cause)
	return refreshOutcome{err: &RefreshFailedError{Cause: cause}}
}

// replay sends r once more; the Transport picks up the refreshed token.
func (c *RefreshCoordinator) replay(r *http.Request) (*http.Response, error) {
	out := r.Clone(markRetried(r.Context()))
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		out.Body = body
	}
	return c.next.RoundTrip(out)
}

// replayable returns a request whose body can be read twice. Requests built
// from bytes or strings already have GetBody; anything else is buffered.
func replayable(r *http.Request) (*http.Request, error) {
	if r.Body == nil || r.Body == http.NoBody || r.GetBody != nil {
		return r, nil
	}

	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}

	out := r.Clone(r.Context())
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return out, nil
}
