package httpx

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in the time window
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// OutboundLimit caps how fast a single client hits one backend host.
// Override with: RATELIMIT_OUTBOUND_REQUESTS, RATELIMIT_OUTBOUND_WINDOW_SEC, RATELIMIT_OUTBOUND_BURST
var OutboundLimit = RateLimitConfig{
	RequestsPerWindow: 600,
	Window:            time.Minute,
	Burst:             50,
}

// ParseRateLimitFromEnv reads rate limit configuration from environment variables.
// Environment variables follow the pattern: RATELIMIT_{prefix}_{field}
// For example: RATELIMIT_OUTBOUND_REQUESTS, RATELIMIT_OUTBOUND_WINDOW_SEC, RATELIMIT_OUTBOUND_BURST
func ParseRateLimitFromEnv(prefix string, defaultConfig RateLimitConfig) RateLimitConfig {
	config := defaultConfig

	if val := os.Getenv("RATELIMIT_" + prefix + "_REQUESTS"); val != "" {
		if requests, err := strconv.Atoi(val); err == nil && requests > 0 {
			config.RequestsPerWindow = requests
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_WINDOW_SEC"); val != "" {
		if windowSec, err := strconv.Atoi(val); err == nil && windowSec > 0 {
			config.Window = time.Duration(windowSec) * time.Second
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil && burst > 0 {
			config.Burst = burst
		}
	}

	return config
}

// KeyExtractor groups outbound requests that share a limiter.
type KeyExtractor func(*http.Request) string

// HostKeyExtractor limits per target host.
func HostKeyExtractor(r *http.Request) string {
	return r.URL.Host
}

// RateLimitedTransport is an http.RoundTripper that waits for a token from a
// per-key limiter before sending. Waiting honours the request context, so a
// caller's deadline still bounds the total time spent.
type RateLimitedTransport struct {
	Base http.RoundTripper

	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	key      KeyExtractor
}

// NewRateLimitedTransport wraps next with a limiter per key.
func NewRateLimitedTransport(config RateLimitConfig, key KeyExtractor, next http.RoundTripper) *RateLimitedTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	if key == nil {
		key = HostKeyExtractor
	}

	limit := rate.Inf
	if config.RequestsPerWindow > 0 && config.Window > 0 {
		limit = rate.Limit(float64(config.RequestsPerWindow) / config.Window.Seconds())
	}

	return &RateLimitedTransport{
		Base:  next,
		rate:  limit,
		burst: max(config.Burst, 1),
		key:   key,
	}
}

func (t *RateLimitedTransport) limiter(key string) *rate.Limiter {
	if limiter, ok := t.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	actual, _ := t.limiters.LoadOrStore(key, rate.NewLimiter(t.rate, t.burst))
	return actual.(*rate.Limiter)
}

func (t *RateLimitedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.limiter(t.key(r)).Wait(r.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return t.Base.RoundTrip(r)
}
