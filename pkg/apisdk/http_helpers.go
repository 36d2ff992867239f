package apisdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aussiebroadwan/techmatch/pkg/httpx"
)

// url builds a complete URL by appending the path to the base URL.
func (c *Client) url(path string) string {
	return c.BaseURL + path
}

// Do sends an arbitrary request through the authenticated client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.HTTPClient.Do(req)
}

// DoJSON sends in (when non-nil) as a JSON body to path and decodes a 2xx
// answer into out (when non-nil). Non-2xx answers become *APIError.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	return c.doJSON(ctx, c.HTTPClient, method, c.url(path), in, out)
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	return decodeJSON(resp, out)
}

// decodeJSON decodes a 2xx JSON response into target and returns an
// *APIError for anything else.
func decodeJSON(resp *http.Response, target any) error {
	defer httpx.DrainAndClose(resp)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if !httpx.IsSuccess(resp.StatusCode) {
		return parseErrorResponse(resp, bodyBytes)
	}

	if target == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, target); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// DecodeError reports a 2xx response whose body was not the expected JSON.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "failed to decode response: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }
