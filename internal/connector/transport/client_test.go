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

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

func TestClientAppliesBearerAuth(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c, err := NewClient(Config{
		BaseURL: server.URL,
		Auth:    AuthConfig{Mode: AuthBearer, Token: "secret-token"},
	})
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), http.MethodGet, "/contacts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientAppliesBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := NewClient(Config{
		BaseURL: server.URL,
		Auth:    AuthConfig{Mode: AuthBasic, Username: "alice", Password: "hunter2"},
	})
	require.NoError(t, err)

	_, err = c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "hunter2", gotPass)
}

func TestClientAppliesAPIKeyAuth(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := NewClient(Config{
		BaseURL: server.URL,
		Auth:    AuthConfig{Mode: AuthAPIKey, HeaderName: "X-API-Key", HeaderValue: "k-123"},
	})
	require.NoError(t, err)

	_, err = c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "k-123", gotKey)
}

func TestClientOAuth2ClientCredentialsFetchesToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "minted-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	var gotAuth string
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer apiServer.Close()

	c, err := NewClient(Config{
		BaseURL: apiServer.URL,
		Auth: AuthConfig{
			Mode:         AuthOAuth2ClientCredentials,
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			TokenURL:     tokenServer.URL,
		},
	})
	require.NoError(t, err)

	_, err = c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer minted-token", gotAuth)
}

func TestClientPostsJSONBody(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"abc123"}`))
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), http.MethodPost, "/contacts", nil, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Ada", gotBody["name"])

	var decoded struct {
		ID string `json:"id"`
	}
	require.NoError(t, resp.JSON(&decoded))
	assert.Equal(t, "abc123", decoded.ID)
}

func TestClientClassifiesAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.Error(t, err)
	var derr *dtbrokererrors.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dtbrokererrors.KindAuthenticationFailed, derr.Kind)
}

func TestClientClassifiesRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.Error(t, err)
	var derr *dtbrokererrors.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dtbrokererrors.KindRateLimited, derr.Kind)
}

func TestClientClassifiesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.Error(t, err)
	var derr *dtbrokererrors.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dtbrokererrors.KindConnectionFailed, derr.Kind)
}

func TestClientRejectsInvalidBaseURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not-a-url"})
	require.Error(t, err)
}

func TestClientRejectsMissingBearerToken(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "https://example.com", Auth: AuthConfig{Mode: AuthBearer}})
	require.Error(t, err)
}

func TestClientRateLimitedRequestsWithinBurstSucceed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := NewClient(Config{
		BaseURL:            server.URL,
		RateLimitPerSecond: 1000,
		RateLimitBurst:     5,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Do(context.Background(), http.MethodGet, "/", nil, nil)
		require.NoError(t, err)
	}
}
