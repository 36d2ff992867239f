package httpx

import (
	"io"
	"net/http"
)

// maxDrain bounds how much of an unwanted body is read before closing so the
// connection can be reused.
const maxDrain = 64 << 10

// DrainAndClose discards what is left of resp.Body and closes it.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrain)
	_ = resp.Body.Close()
}

// IsSuccess reports whether code is a 2xx status.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}

// IsRetryableStatus reports whether a response with this status is worth
// retrying: server errors, request timeouts and throttling.
func IsRetryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
