package apisdk

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/techmatch/pkg/jwtx"
)

// Backend routes used by the client.
const (
	LoginPath     = "/auth/login"
	RefreshPath   = "/auth/refresh-token"
	RecommendPath = "/ml/recomendar"
	HealthPath    = "/ml/health"
)

// Defaults applied by NewClient.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
)

// Client talks to the backend on behalf of the current Session.
//
// HTTPClient sends requests through the RefreshCoordinator, so a 401 caused
// by an expired access token is recovered transparently. authHTTP shares the
// same network transport but skips both token injection and 401 handling; it
// is used for login and refresh so a failing refresh can never recurse.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      SessionStore

	authHTTP    *http.Client
	coordinator *RefreshCoordinator
	logger      *slog.Logger
	hooks       Hooks
}

type clientOptions struct {
	base           http.RoundTripper
	timeout        time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	hooks          Hooks
}

// Option configures NewClient.
type Option func(*clientOptions)

// WithBaseTransport sets the network RoundTripper under the auth layers,
// typically a logging and rate limiting chain.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.base = rt }
}

// WithTimeout bounds a whole call, including any refresh and replay.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithRefreshTimeout bounds the refresh request.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.refreshTimeout = d }
}

// WithLogger sets the logger used by the client and its coordinator.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithHooks installs observer hooks.
func WithHooks(h Hooks) Option {
	return func(o *clientOptions) { o.hooks = h }
}

// NewClient creates a client for baseURL that keeps store's session fresh.
func NewClient(baseURL string, store SessionStore, opts ...Option) *Client {
	o := clientOptions{
		base:           http.DefaultTransport,
		timeout:        DefaultTimeout,
		refreshTimeout: DefaultRefreshTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Store:   store,
		authHTTP: &http.Client{
			Transport: o.base,
			Timeout:   o.refreshTimeout,
		},
		logger: o.logger,
		hooks:  o.hooks,
	}

	c.coordinator = NewRefreshCoordinator(
		NewTransport(store, o.base),
		c.refreshTokens,
		o.refreshTimeout,
		o.logger,
		o.hooks,
		RefreshPath, LoginPath,
	)
	c.HTTPClient = &http.Client{
		Transport: c.coordinator,
		Timeout:   o.timeout,
	}

	return c
}

// Login authenticates with email and password and stores the new Session.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp LoginResponse
	err := c.doJSON(ctx, c.authHTTP, http.MethodPost, c.url(LoginPath), LoginRequest{
		Email:    email,
		Password: password,
	}, &resp)
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return Session{}, fmt.Errorf("login: response carried no access token")
	}

	sess := Session{
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
	}
	if resp.User != nil {
		sess.UserID = string(resp.User.ID)
	}
	claims, _ := jwtx.Peek(resp.Token)
	if sess.UserID == "" {
		sess.UserID = claims.Subject
	}

	if err := c.Store.Set(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("login: failed to store session: %w", err)
	}

	c.logger.Info("logged in", tokenAttrs(sess.UserID, claims)...)
	return sess, nil
}

// Logout forgets the current Session.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.Store.Clear(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	c.logger.Info("logged out")
	return nil
}

// Session returns the current Session.
func (c *Client) Session(ctx context.Context) (Session, error) {
	return c.Store.Get(ctx)
}

// refreshTokens calls the refresh endpoint on the isolated client.
func (c *Client) refreshTokens(ctx context.Context, refreshToken string) (TokenPair, error) {
	var pair TokenPair
	err := c.doJSON(ctx, c.authHTTP, http.MethodPost, c.url(RefreshPath), RefreshTokenRequest{
		RefreshToken: refreshToken,
	}, &pair)
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// tokenAttrs describes a session for logging: the user and, when the access
// token carries them, its role and expiry.
func tokenAttrs(userID string, claims jwtx.Claims) []any {
	attrs := []any{"user_id", userID}
	if claims.Role != "" {
		attrs = append(attrs, "role", claims.Role)
	}
	if !claims.ExpiresAt.IsZero() {
		attrs = append(attrs, "expires_at", claims.ExpiresAt, "expires_in", time.Until(claims.ExpiresAt).Round(time.Second))
	}
	return attrs
}
