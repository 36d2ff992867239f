package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/techmatch/pkg/idx"
)

// RequestIDHeader carries the per-call correlation id to the backend.
const RequestIDHeader = "X-Request-ID"

// Transport is an http.RoundTripper that stamps every outbound request with
// a request id and logs its outcome.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

// NewTransport wraps next (http.DefaultTransport when nil).
func NewTransport(logger *slog.Logger, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{Base: next, Logger: logger}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = idx.New().String()
		r = r.Clone(r.Context())
		r.Header.Set(RequestIDHeader, reqID)
	}

	// Prefer a contextual logger when the caller attached one.
	logger := t.Logger
	if l, ok := lookup(r.Context()); ok {
		logger = l
	}
	logger = logger.With(
		"req_id", reqID,
		"method", r.Method,
		"path", r.URL.Path,
	)

	resp, err := t.Base.RoundTrip(r)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		logger.Warn("http_call_failed", "duration_ms", duration, "error", err)
		return nil, err
	}

	logger.Debug("http_call",
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
