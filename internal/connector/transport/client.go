// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport implements the authenticated HTTP client shared by the
// SaaS connector family. It handles base-URL resolution, auth header/token
// injection (bearer, basic, API key, or OAuth2 client-credentials), a
// per-client rate limit, and classification of non-2xx responses into the
// server's typed error kinds. Retry and circuit-breaking live one layer up,
// in the Resource Governance Wrapper that decorates every connector.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/dtbroker/dtbroker/pkg/errors"
)

// AuthMode selects how the client authenticates outbound requests.
type AuthMode string

const (
	AuthNone                    AuthMode = "none"
	AuthBearer                  AuthMode = "bearer"
	AuthBasic                   AuthMode = "basic"
	AuthAPIKey                  AuthMode = "api_key"
	AuthOAuth2ClientCredentials AuthMode = "oauth2_client_credentials"
)

// AuthConfig configures the client's authentication mode.
type AuthConfig struct {
	Mode AuthMode

	// Bearer
	Token string

	// Basic
	Username string
	Password string

	// APIKey
	HeaderName  string
	HeaderValue string

	// OAuth2 client-credentials
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

func (a AuthConfig) validate() error {
	switch a.Mode {
	case "", AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return errors.New(errors.KindConfigurationError, "bearer auth requires a token")
		}
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return errors.New(errors.KindConfigurationError, "basic auth requires a username and password")
		}
	case AuthAPIKey:
		if a.HeaderName == "" || a.HeaderValue == "" {
			return errors.New(errors.KindConfigurationError, "api_key auth requires a header name and value")
		}
	case AuthOAuth2ClientCredentials:
		if a.ClientID == "" || a.ClientSecret == "" || a.TokenURL == "" {
			return errors.New(errors.KindConfigurationError, "oauth2_client_credentials auth requires clientId, clientSecret, and tokenUrl")
		}
	default:
		return errors.Newf(errors.KindConfigurationError, "unknown auth mode %q", a.Mode)
	}
	return nil
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	TLSInsecure bool
	Headers     map[string]string
	Auth        AuthConfig

	// RateLimitPerSecond and RateLimitBurst bound outbound request rate.
	// Zero disables rate limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

func (c Config) validate() error {
	if c.BaseURL == "" {
		return errors.New(errors.KindConfigurationError, "transport client requires a base URL")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return errors.WrapErr(errors.KindConfigurationError, err, "parsing base URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.Newf(errors.KindConfigurationError, "base URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New(errors.KindConfigurationError, "base URL must include a host")
	}
	return c.Auth.validate()
}

// Client is an authenticated, rate-limited HTTP client bound to one base
// URL; each saas Connector builds its own in Connect.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	headers map[string]string
	auth    AuthConfig
	limiter *rate.Limiter
	oauth   oauth2.TokenSource
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.WrapErr(errors.KindConfigurationError, err, "parsing base URL")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSInsecure},
		},
	}

	c := &Client{
		baseURL: base,
		http:    httpClient,
		headers: cfg.Headers,
		auth:    cfg.Auth,
	}

	if cfg.Auth.Mode == AuthOAuth2ClientCredentials {
		ccConfig := &clientcredentials.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
			Scopes:       cfg.Auth.Scopes,
		}
		c.oauth = ccConfig.TokenSource(context.Background())
	}

	if cfg.RateLimitPerSecond > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), burst)
	}

	return c, nil
}

// Response is a transport-agnostic HTTP response with its body already
// buffered, so callers never need to manage the underlying connection.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.WrapErr(errors.KindReadFailed, err, "decoding JSON response")
	}
	return nil
}

const maxResponseBytes = 20 * 1024 * 1024

// Do issues an HTTP request against path (resolved relative to the
// client's base URL) with optional query parameters and a JSON-encodable
// body, and returns the buffered response. A non-2xx status is returned
// as a classified *errors.Error rather than a nil error with a non-2xx
// Response, so callers never have to re-derive the failure kind.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.WrapErr(errors.KindTimeout, err, "waiting for rate limiter")
		}
	}

	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, errors.WrapErr(errors.KindConfigurationError, err, "parsing request path")
	}
	full := c.baseURL.ResolveReference(ref)
	if query != nil {
		full.RawQuery = query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.WrapErr(errors.KindValidationError, err, "encoding request body")
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, full.String(), bodyReader)
	if err != nil {
		return nil, errors.WrapErr(errors.KindConfigurationError, err, "building request")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if err := c.applyAuth(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.WrapErr(errors.KindReadFailed, err, "reading response body")
	}
	if len(data) > maxResponseBytes {
		return nil, errors.Newf(errors.KindReadFailed, "response exceeds maximum size of %d bytes", maxResponseBytes)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	if resp.StatusCode >= 400 {
		return out, classifyStatusError(resp.StatusCode, data)
	}
	return out, nil
}

func (c *Client) applyAuth(ctx context.Context, req *http.Request) error {
	switch c.auth.Mode {
	case "", AuthNone:
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	case AuthBasic:
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	case AuthAPIKey:
		req.Header.Set(c.auth.HeaderName, c.auth.HeaderValue)
	case AuthOAuth2ClientCredentials:
		token, err := c.oauth.Token()
		if err != nil {
			return errors.WrapErr(errors.KindAuthenticationFailed, err, "fetching OAuth2 token")
		}
		token.SetAuthHeader(req)
	default:
		return errors.Newf(errors.KindConfigurationError, "unknown auth mode %q", c.auth.Mode)
	}
	return nil
}

func classifyTransportError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "Client.Timeout"):
		return errors.WrapErr(errors.KindTimeout, err, "request timed out")
	case strings.Contains(msg, "context canceled"):
		return errors.WrapErr(errors.KindTimeout, err, "request cancelled")
	default:
		return errors.WrapErr(errors.KindConnectionFailed, err, "executing HTTP request")
	}
}

func classifyStatusError(statusCode int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 500 {
		snippet = snippet[:500]
	}
	message := fmt.Sprintf("HTTP %d: %s", statusCode, snippet)

	switch {
	case statusCode == 401 || statusCode == 403:
		return errors.New(errors.KindAuthenticationFailed, message)
	case statusCode == 429:
		return errors.New(errors.KindRateLimited, message)
	case statusCode >= 500:
		return errors.New(errors.KindConnectionFailed, message)
	default:
		return errors.New(errors.KindValidationError, message)
	}
}
