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

// Package config loads and validates the server's YAML configuration:
// logging, transport, policy bundle location, audit sinks, snapshot
// storage, and the connector list. Every string value may reference
// ${NAME} or ${NAME:-default} environment/keyring-backed secrets, expanded
// once at load time.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/secret"
)

// LoggingConfig controls internal/log's slog construction.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TLSConfig configures the HTTP transport's optional TLS listener.
// RequestClientCert switches the listener into mutual-TLS required mode:
// the client must present a certificate signed by ClientCAFile, and a
// socket that doesn't is rejected at the TLS handshake, before any HTTP
// handler runs.
type TLSConfig struct {
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	RequestClientCert bool   `yaml:"request_client_cert"`
	ClientCAFile      string `yaml:"client_ca_file"`
}

// JWTConfig configures bearer JWT verification for the jwt and
// bearer_or_jwt auth modes. The RS256 public key is read as PEM from the
// environment variable SecretEnv names if set, falling back to the PEM
// file at PublicKeyFile.
type JWTConfig struct {
	Algorithm        string         `yaml:"algorithm"`
	SecretEnv        string         `yaml:"secret_env"`
	PublicKeyFile    string         `yaml:"public_key_file"`
	Issuer           string         `yaml:"issuer"`
	Audience         []string       `yaml:"audience"`
	ClockSkewSeconds int            `yaml:"clock_skew_seconds"`
	RequiredClaims   map[string]any `yaml:"required_claims"`
}

// AuthConfig configures the HTTP transport's authentication mode.
type AuthConfig struct {
	Mode           string    `yaml:"mode"`
	BearerTokenEnv string    `yaml:"bearer_token_env"`
	JWT            JWTConfig `yaml:"jwt"`
}

// RateLimitConfig configures the HTTP transport's fixed-window limiter.
type RateLimitConfig struct {
	Enabled       bool   `yaml:"enabled"`
	WindowSeconds int    `yaml:"window_seconds"`
	MaxRequests   int    `yaml:"max_requests"`
	Discriminator string `yaml:"discriminator"`
}

// HTTPConfig configures the HTTP(S) transport binding.
type HTTPConfig struct {
	Addr             string          `yaml:"addr"`
	TLS              TLSConfig       `yaml:"tls"`
	Auth             AuthConfig      `yaml:"auth"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	MaxRequestBytes  int64           `yaml:"max_request_bytes"`
	BreakGlassHeader string          `yaml:"break_glass_header"`
}

// ServerConfig selects the transport binding and tunes the dispatcher's
// shared concurrency limits.
type ServerConfig struct {
	Transport          string     `yaml:"transport"`
	HTTP               HTTPConfig `yaml:"http"`
	ToolSemaphore      int        `yaml:"tool_semaphore"`
	ToolTimeoutSeconds int        `yaml:"tool_timeout_seconds"`
}

// PolicyConfig locates the policy bundle and the break-glass secret.
type PolicyConfig struct {
	BundlePath           string `yaml:"bundle_path"`
	BreakGlassSecretEnv  string `yaml:"break_glass_secret_env"`
}

// AuditConfig configures the operation and policy-decision audit sinks.
type AuditConfig struct {
	OperationBaseDir   string `yaml:"operation_base_dir"`
	PolicyBaseDir      string `yaml:"policy_base_dir"`
	PolicyMaxFileBytes int64  `yaml:"policy_max_file_bytes"`
	RetentionDays      int    `yaml:"retention_days"`
	RemoteMirrorURL    string `yaml:"remote_mirror_url"`
}

// SnapshotsConfig locates the snapshot store's directory.
type SnapshotsConfig struct {
	Dir string `yaml:"dir"`
}

// ConnectorSpec is one entry of the connectors list. Fields beyond the
// common id/name/type/read_only quartet are connector-type-specific
// (path, dsn, table, base_url, auth, ...) and pass through to
// connector.Config.Options verbatim via the inline Extra map.
type ConnectorSpec struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	ReadOnly bool           `yaml:"read_only"`
	Extra    map[string]any `yaml:",inline"`
}

// ToConnectorConfig converts the YAML-shaped spec into the connector
// package's own Config type.
func (s ConnectorSpec) ToConnectorConfig() connector.Config {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return connector.Config{ID: s.ID, Name: name, Type: s.Type, ReadOnly: s.ReadOnly, Options: s.Extra}
}

// Config is the top-level shape of the server's YAML configuration file.
type Config struct {
	Logging    LoggingConfig   `yaml:"logging"`
	Server     ServerConfig    `yaml:"server"`
	Policy     PolicyConfig    `yaml:"policy"`
	Audit      AuditConfig     `yaml:"audit"`
	Snapshots  SnapshotsConfig `yaml:"snapshots"`
	Connectors []ConnectorSpec `yaml:"connectors"`
}

const (
	defaultToolSemaphore      = 25
	defaultToolTimeoutSeconds = 120
	defaultMaxRequestBytes    = 5 * 1024 * 1024
	defaultBreakGlassHeader   = "x-dtbroker-break-glass"
	defaultPolicyMaxFileBytes = 10 * 1024 * 1024
	defaultRetentionDays      = 90
	defaultClockSkewSeconds   = 30
)

// Default returns a usable minimal configuration for tests and dev: stdio
// transport, no connectors, and the built-in defaults for logging, the
// HTTP listener, the tool semaphore and timeout, the policy bundle path,
// audit retention, and the snapshot dir. The audit base directories are
// left empty.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Transport: "stdio",
			HTTP: HTTPConfig{
				Addr:             ":8443",
				RateLimit:        RateLimitConfig{Discriminator: "ip_subject"},
				MaxRequestBytes:  defaultMaxRequestBytes,
				BreakGlassHeader: defaultBreakGlassHeader,
			},
			ToolSemaphore:      defaultToolSemaphore,
			ToolTimeoutSeconds: defaultToolTimeoutSeconds,
		},
		Policy:    PolicyConfig{BundlePath: "./policy.yaml"},
		Audit:     AuditConfig{PolicyMaxFileBytes: defaultPolicyMaxFileBytes, RetentionDays: defaultRetentionDays},
		Snapshots: SnapshotsConfig{Dir: "./data/snapshots"},
	}
}

// Load reads, expands, and validates the configuration file at path,
// using resolver for ${NAME}/${NAME:-default} substitution.
func Load(path string, resolver *secret.Resolver) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.expandSecrets(resolver); err != nil {
		return nil, fmt.Errorf("expanding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued fields the YAML document omitted.
// yaml.Unmarshal on a struct that already carries Default()'s values only
// overwrites fields present in the document, so most of this is a
// safety net for documents built programmatically rather than parsed.
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.Transport == "" {
		c.Server.Transport = "stdio"
	}
	if c.Server.HTTP.Addr == "" {
		c.Server.HTTP.Addr = ":8443"
	}
	if c.Server.HTTP.MaxRequestBytes == 0 {
		c.Server.HTTP.MaxRequestBytes = defaultMaxRequestBytes
	}
	if c.Server.HTTP.BreakGlassHeader == "" {
		c.Server.HTTP.BreakGlassHeader = defaultBreakGlassHeader
	}
	if c.Server.HTTP.Auth.JWT.ClockSkewSeconds == 0 {
		c.Server.HTTP.Auth.JWT.ClockSkewSeconds = defaultClockSkewSeconds
	}
	if c.Server.ToolSemaphore == 0 {
		c.Server.ToolSemaphore = defaultToolSemaphore
	}
	if c.Server.ToolTimeoutSeconds == 0 {
		c.Server.ToolTimeoutSeconds = defaultToolTimeoutSeconds
	}
	if c.Policy.BundlePath == "" {
		c.Policy.BundlePath = "./policy.yaml"
	}
	if c.Audit.PolicyMaxFileBytes == 0 {
		c.Audit.PolicyMaxFileBytes = defaultPolicyMaxFileBytes
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = defaultRetentionDays
	}
	if c.Snapshots.Dir == "" {
		c.Snapshots.Dir = "./data/snapshots"
	}
}

// expandSecrets expands ${...} references in the string values allowed to
// carry them, listed below.
func (c *Config) expandSecrets(resolver *secret.Resolver) error {
	fields := []*string{
		&c.Server.HTTP.TLS.CertFile,
		&c.Server.HTTP.TLS.KeyFile,
		&c.Server.HTTP.TLS.ClientCAFile,
		&c.Server.HTTP.Auth.JWT.PublicKeyFile,
		&c.Policy.BundlePath,
		&c.Audit.OperationBaseDir,
		&c.Audit.PolicyBaseDir,
		&c.Audit.RemoteMirrorURL,
		&c.Snapshots.Dir,
	}
	for _, f := range fields {
		expanded, err := expandEnv(*f, resolver)
		if err != nil {
			return err
		}
		*f = expanded
	}
	return nil
}

var validTransports = map[string]bool{"stdio": true, "http": true}
var validAuthModes = map[string]bool{"none": true, "bearer": true, "jwt": true, "bearer_or_jwt": true}
var validDiscriminators = map[string]bool{"ip": true, "subject": true, "ip_subject": true}
var validLogLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"json": true, "text": true}

// Validate checks the configuration for internally-inconsistent or
// out-of-range values that applyDefaults cannot repair.
func (c *Config) Validate() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if !validTransports[c.Server.Transport] {
		return fmt.Errorf("server.transport: unsupported value %q", c.Server.Transport)
	}
	if c.Server.Transport == "http" {
		if !validAuthModes[c.Server.HTTP.Auth.Mode] {
			return fmt.Errorf("server.http.auth.mode: unsupported value %q", c.Server.HTTP.Auth.Mode)
		}
		if c.Server.HTTP.RateLimit.Enabled && !validDiscriminators[c.Server.HTTP.RateLimit.Discriminator] {
			return fmt.Errorf("server.http.rate_limit.discriminator: unsupported value %q", c.Server.HTTP.RateLimit.Discriminator)
		}
		if (c.Server.HTTP.TLS.CertFile == "") != (c.Server.HTTP.TLS.KeyFile == "") {
			return fmt.Errorf("server.http.tls: cert_file and key_file must both be set or both be empty")
		}
		if c.Server.HTTP.TLS.RequestClientCert && c.Server.HTTP.TLS.ClientCAFile == "" {
			return fmt.Errorf("server.http.tls.client_ca_file is required when request_client_cert is set")
		}
	}
	if c.Server.ToolSemaphore <= 0 {
		return fmt.Errorf("server.tool_semaphore must be positive")
	}
	if c.Server.ToolTimeoutSeconds <= 0 {
		return fmt.Errorf("server.tool_timeout_seconds must be positive")
	}

	seen := make(map[string]bool, len(c.Connectors))
	for _, conn := range c.Connectors {
		if conn.ID == "" {
			return fmt.Errorf("connectors: every entry requires a non-empty id")
		}
		if conn.Type == "" {
			return fmt.Errorf("connectors[%s]: requires a non-empty type", conn.ID)
		}
		if seen[conn.ID] {
			return fmt.Errorf("connectors: duplicate id %q", conn.ID)
		}
		seen[conn.ID] = true
	}
	return nil
}
