// Package upstream implements the single persistent HTTP client used for
// every call against Google's Cloud-Code v1internal API, including its
// sibling-endpoint fallback rule.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cloudcode-gateway/gateway/internal/util"
)

// BaseURLs are tried in order; a response matching the fallback rule (or a
// connection-level error) advances to the next one.
var BaseURLs = []string{
	"https://cloudcode-pa.googleapis.com/v1internal",
	"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal",
}

const userAgent = "antigravity/1.11.9 cli"

// Client is a single shared HTTP client tuned for the upstream's connection
// characteristics: a long overall timeout (covers non-streaming generation
// calls) paired with a short connect timeout and a bounded idle-connection pool.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a Client. proxyURL, if non-empty, routes every request
// through a SOCKS5 or HTTP(S) proxy.
func NewClient(proxyURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   20 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   600 * time.Second,
	}
	httpClient = util.SetProxy(proxyURL, httpClient)

	return &Client{httpClient: httpClient}
}

// Response is the outcome of a v1internal call: either a successful/terminal
// HTTP response, or a transport-level error (no response at all).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// shouldTryNextEndpoint reports whether status warrants falling through to
// the next base URL: 408, 404, 429, or any 5xx.
func shouldTryNextEndpoint(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusNotFound ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// CallV1Internal invokes <base>:<method>[?query] against each base URL in
// order until one succeeds or fallback is exhausted. accessToken is sent as a
// bearer credential; body is the raw JSON request payload (nil for empty-body calls).
func (c *Client) CallV1Internal(ctx context.Context, method, accessToken string, body []byte, query string) (*Response, error) {
	var (
		lastResp *Response
		lastErr  error
	)

	for i, base := range BaseURLs {
		url := fmt.Sprintf("%s:%s", base, method)
		if query != "" {
			url += "?" + query
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
		if err != nil {
			return nil, fmt.Errorf("upstream: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			lastResp = nil
			if i < len(BaseURLs)-1 {
				continue
			}
			return nil, fmt.Errorf("upstream: call %s: %w", method, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			lastResp = nil
			if i < len(BaseURLs)-1 {
				continue
			}
			return nil, fmt.Errorf("upstream: read response for %s: %w", method, readErr)
		}

		result := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}
		lastResp, lastErr = result, nil

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return result, nil
		}
		if shouldTryNextEndpoint(resp.StatusCode) && i < len(BaseURLs)-1 {
			continue
		}
		return result, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// Stream behaves like CallV1Internal but returns the live response for the
// caller to read as an SSE stream instead of buffering the whole body. Only
// the first base URL's connection error (never a gateway-level status, since
// status is observed only after headers arrive) advances to the next endpoint;
// once a stream has started successfully, the caller owns it and must Close it.
func (c *Client) Stream(ctx context.Context, method, accessToken string, body []byte, query string) (*http.Response, error) {
	var lastErr error

	for i, base := range BaseURLs {
		url := fmt.Sprintf("%s:%s", base, method)
		if query != "" {
			url += "?" + query
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("upstream: build stream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if i < len(BaseURLs)-1 {
				continue
			}
			return nil, fmt.Errorf("upstream: stream call %s: %w", method, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if shouldTryNextEndpoint(resp.StatusCode) && i < len(BaseURLs)-1 {
			_ = resp.Body.Close()
			continue
		}
		return resp, nil
	}

	return nil, lastErr
}
