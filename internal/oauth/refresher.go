// Package oauth exchanges Google OAuth refresh tokens for access tokens and
// resolves the Cloud-Code project id / subscription tier backing an account,
// grounded on the upstream contracts the gateway's account pool depends on.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
)

// Default build-time OAuth client credentials for the CLI distribution this
// gateway impersonates. Overridable via Config.OAuthClientID/Secret.
const (
	DefaultClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6avd8ed2n7a5g.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// tokenEndpoint is Google's OAuth token endpoint. The refresh call itself is
// a raw form POST rather than an oauth2.TokenSource so the exact four-field
// request shape and the verbatim error body stay under our control.
var tokenEndpoint = google.Endpoint.TokenURL

// RefreshResult is the subset of the token endpoint's response the manager needs.
type RefreshResult struct {
	AccessToken  string
	ExpiresIn    int64
	RefreshToken string // empty means "reuse the existing refresh token"
}

// Refresher exchanges a refresh token for a fresh access token.
type Refresher struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	// Endpoint is the OAuth token endpoint; overridden in tests.
	Endpoint string
}

// NewRefresher builds a Refresher, falling back to the built-in client
// credentials when clientID/clientSecret are empty.
func NewRefresher(clientID, clientSecret string, httpClient *http.Client) *Refresher {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if clientSecret == "" {
		clientSecret = DefaultClientSecret
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Refresher{ClientID: clientID, ClientSecret: clientSecret, HTTPClient: httpClient, Endpoint: tokenEndpoint}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh posts the four-tuple (client_id, client_secret, refresh_token,
// grant_type=refresh_token) form-urlencoded to the Google token endpoint with
// a 15 second timeout. On a non-2xx response the upstream body is surfaced verbatim.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	form := url.Values{}
	form.Set("client_id", r.ClientID)
	form.Set("client_secret", r.ClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	endpoint := r.Endpoint
	if endpoint == "" {
		endpoint = tokenEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oauth: read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("oauth: refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("oauth: parse refresh response: %w", err)
	}

	return &RefreshResult{
		AccessToken:  parsed.AccessToken,
		ExpiresIn:    parsed.ExpiresIn,
		RefreshToken: parsed.RefreshToken,
	}, nil
}
