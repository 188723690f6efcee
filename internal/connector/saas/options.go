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

// Package saas implements connector.Connector over a generic JSON-over-HTTP
// REST resource, the shape shared by Odoo's and HubSpot's collection APIs:
// GET the collection (optionally paged), POST to create, PUT to
// update by id.
package saas

import (
	"time"

	"github.com/dtbroker/dtbroker/internal/connector/transport"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

const (
	typeOdoo    = "odoo"
	typeHubspot = "hubspot"

	defaultPageSize  = 100
	defaultMaxPages  = 50
	defaultIDField   = "id"
	defaultTimeoutMS = 30000
)

// Options is the saas connector's type-specific configuration.
type Options struct {
	BaseURL     string
	Resource    string
	RecordsPath string
	IDField     string
	PageSize    int
	MaxPages    int
	Timeout     time.Duration
	Headers     map[string]string
	Auth        transport.AuthConfig
}

func parseOptions(typeTag string, raw map[string]any) (Options, error) {
	switch typeTag {
	case typeOdoo, typeHubspot:
	default:
		return Options{}, errors.Newf(errors.KindConfigurationError, "unsupported SaaS connector type %q", typeTag)
	}

	baseURL, _ := raw["baseUrl"].(string)
	if baseURL == "" {
		return Options{}, errors.New(errors.KindConfigurationError, "SaaS connector requires a non-empty \"baseUrl\" option")
	}

	resource, _ := raw["resource"].(string)
	if resource == "" {
		return Options{}, errors.New(errors.KindConfigurationError, "SaaS connector requires a non-empty \"resource\" option")
	}

	opts := Options{
		BaseURL:  baseURL,
		Resource: resource,
		IDField:  defaultIDField,
		PageSize: defaultPageSize,
		MaxPages: defaultMaxPages,
		Timeout:  defaultTimeoutMS * time.Millisecond,
	}

	if recordsPath, ok := raw["recordsPath"].(string); ok {
		opts.RecordsPath = recordsPath
	}
	if idField, ok := raw["idField"].(string); ok && idField != "" {
		opts.IDField = idField
	}
	if pageSize, ok := numberOption(raw["pageSize"]); ok && pageSize > 0 {
		opts.PageSize = pageSize
	}
	if maxPages, ok := numberOption(raw["maxPages"]); ok && maxPages > 0 {
		opts.MaxPages = maxPages
	}
	if timeoutMS, ok := numberOption(raw["timeoutMs"]); ok && timeoutMS > 0 {
		opts.Timeout = time.Duration(timeoutMS) * time.Millisecond
	}

	if headers, ok := raw["headers"].(map[string]any); ok {
		opts.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			if s, ok := v.(string); ok {
				opts.Headers[k] = s
			}
		}
	}

	auth, err := parseAuth(raw["auth"])
	if err != nil {
		return Options{}, err
	}
	opts.Auth = auth

	return opts, nil
}

func numberOption(v any) (int, bool) {
	switch tv := v.(type) {
	case int:
		return tv, true
	case int64:
		return int(tv), true
	case float64:
		return int(tv), true
	default:
		return 0, false
	}
}

func parseAuth(v any) (transport.AuthConfig, error) {
	raw, ok := v.(map[string]any)
	if !ok {
		return transport.AuthConfig{Mode: transport.AuthNone}, nil
	}

	mode, _ := raw["mode"].(string)
	cfg := transport.AuthConfig{Mode: transport.AuthMode(mode)}

	cfg.Token, _ = raw["token"].(string)
	cfg.Username, _ = raw["username"].(string)
	cfg.Password, _ = raw["password"].(string)
	cfg.HeaderName, _ = raw["headerName"].(string)
	cfg.HeaderValue, _ = raw["headerValue"].(string)
	cfg.ClientID, _ = raw["clientId"].(string)
	cfg.ClientSecret, _ = raw["clientSecret"].(string)
	cfg.TokenURL, _ = raw["tokenUrl"].(string)

	if scopes, ok := raw["scopes"].([]any); ok {
		for _, s := range scopes {
			if str, ok := s.(string); ok {
				cfg.Scopes = append(cfg.Scopes, str)
			}
		}
	}

	return cfg, nil
}
