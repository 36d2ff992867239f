package apisdk

import (
	"fmt"
	"net/http"
)

// Transport attaches the current access token to each outbound request. The
// token is read from the SessionStore when the request is sent, not when it
// was built, so a replayed request always carries the newest credential.
type Transport struct {
	Base  http.RoundTripper
	Store SessionStore
}

// NewTransport wraps next (http.DefaultTransport when nil).
func NewTransport(store SessionStore, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{Base: next, Store: store}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, _, err := t.send(r)
	return resp, err
}

// send is RoundTrip that also reports which access token went out.
func (t *Transport) send(r *http.Request) (*http.Response, string, error) {
	sess, err := t.Store.Get(r.Context())
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}

	out := r.Clone(r.Context())
	if sess.AccessToken != "" {
		out.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	} else {
		out.Header.Del("Authorization")
	}

	resp, err := t.Base.RoundTrip(out)
	return resp, sess.AccessToken, err
}
