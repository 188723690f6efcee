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

// Package httpd binds the tool dispatch pipeline to an HTTP(S) listener:
// a single POST /mcp endpoint accepting {"tool", "args"} bodies, optional
// mutual TLS, pluggable bearer/JWT authentication, a fixed-window rate
// limiter, a break-glass header, and the usual /metrics, /healthz, and
// /admin/status operational endpoints.
package httpd

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dtbroker/dtbroker/internal/config"
	"github.com/dtbroker/dtbroker/internal/dispatch"
	"github.com/dtbroker/dtbroker/internal/policy"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

// Server binds a Dispatcher to an HTTP(S) listener.
type Server struct {
	cfg      config.HTTPConfig
	dispatch *dispatch.Dispatcher
	logger   *slog.Logger
	limiter  *fixedWindowLimiter
	jwtKeys  jwtKeyResolver
	bearer   string
	startedAt time.Time
}

// NewServer builds a Server from cfg. It resolves the bearer token and JWT
// signing material from the environment variable names cfg names, once,
// at construction: a later env change requires a restart, matching the
// rest of this server's config-is-loaded-once-per-process model.
func NewServer(cfg config.HTTPConfig, d *dispatch.Dispatcher, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		dispatch:  d,
		logger:    logger,
		startedAt: time.Now(),
	}

	if cfg.Auth.Mode == "bearer" || cfg.Auth.Mode == "bearer_or_jwt" {
		s.bearer = os.Getenv(cfg.Auth.BearerTokenEnv)
		if s.bearer == "" {
			return nil, fmt.Errorf("auth mode %q requires %s to be set", cfg.Auth.Mode, cfg.Auth.BearerTokenEnv)
		}
	}
	if cfg.Auth.Mode == "jwt" || cfg.Auth.Mode == "bearer_or_jwt" {
		keys, err := newJWTKeyResolver(cfg.Auth.JWT)
		if err != nil {
			return nil, fmt.Errorf("configuring jwt auth: %w", err)
		}
		s.jwtKeys = keys
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newFixedWindowLimiter(cfg.RateLimit.WindowSeconds, cfg.RateLimit.MaxRequests)
	}

	return s, nil
}

// Handler returns the full routed handler, ready to be served directly or
// wrapped by an external reverse proxy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.withMiddleware(http.HandlerFunc(s.handleMCP)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/admin/status", s.handleStatus)
	return mux
}

// loadClientCAPool reads a PEM file of one or more CA certificates for
// verifying client certificates in mutual-TLS required mode.
func loadClientCAPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// ListenAndServe starts the HTTP(S) listener and blocks until ctx is
// canceled or the listener fails. TLS is used when both cert and key
// files are configured; RequestClientCert additionally switches the
// listener into mutual-TLS required mode: the handshake itself requires
// and verifies a client certificate signed by ClientCAFile, and
// withClientCertRequired rejects any socket the handshake let through
// without one (a proxy-terminated connection, or a non-TLS listener
// misconfigured to report required mTLS) with 401 rather than a
// connection reset.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	if s.cfg.TLS.CertFile != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if s.cfg.TLS.RequestClientCert {
			pool, err := loadClientCAPool(s.cfg.TLS.ClientCAFile)
			if err != nil {
				return fmt.Errorf("loading client CA file: %w", err)
			}
			srv.TLSConfig.ClientCAs = pool
			srv.TLSConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http transport", "addr", s.cfg.Addr, "tls", s.cfg.TLS.CertFile != "")
		var err error
		if s.cfg.TLS.CertFile != "" {
			err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// withMiddleware chains request-size capping, mutual-TLS enforcement,
// authentication, and rate limiting around handler, in that order: a
// body too large is rejected before it is read, a socket that skipped
// required mTLS is rejected before bearer/JWT auth runs, and an
// unauthenticated caller never consumes a rate limit slot meant for
// identified callers.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return s.withSizeCap(s.withClientCertRequired(s.withAuth(s.withRateLimit(next))))
}

// withClientCertRequired rejects any request that reached the handler
// without a verified client certificate when mutual TLS is required. The
// TLS handshake itself already requires and verifies the certificate
// (tls.RequireAndVerifyClientCert), so this is the application-layer
// backstop for a connection that reached here without one — e.g. a
// plaintext listener misconfigured to report required mTLS.
func (s *Server) withClientCertRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.TLS.RequestClientCert {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				writeUnauthorized(w, "client certificate required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withSizeCap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxRequestBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type identityContextKey struct{}

func identityFromContext(ctx context.Context) policy.Identity {
	id, _ := ctx.Value(identityContextKey{}).(policy.Identity)
	return id
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch s.cfg.Auth.Mode {
		case "", "none":
			next.ServeHTTP(w, r)
			return
		case "bearer":
			token := bearerToken(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.bearer)) != 1 {
				writeUnauthorized(w, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
			return
		case "jwt":
			identity, err := s.authenticateJWT(r)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityContextKey{}, identity)))
			return
		case "bearer_or_jwt":
			token := bearerToken(r)
			if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.bearer)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			identity, err := s.authenticateJWT(r)
			if err != nil {
				writeUnauthorized(w, "invalid bearer token or jwt")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityContextKey{}, identity)))
			return
		default:
			writeUnauthorized(w, "server misconfigured: unknown auth mode")
		}
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) authenticateJWT(r *http.Request) (policy.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return policy.Identity{}, fmt.Errorf("missing bearer token")
	}
	return s.jwtKeys.parse(token)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSONError(w, http.StatusUnauthorized, message)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// withRateLimit applies the fixed-window limiter, if enabled, keyed per
// cfg.RateLimit.Discriminator. A denied request receives the same
// X-RateLimit-* headers as an allowed one, plus Retry-After.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := s.rateLimitKey(r)
		result := s.limiter.allow(key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.cfg.RateLimit.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.resetAt.Unix(), 10))

		if !result.allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.resetAt).Seconds())+1))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitKey(r *http.Request) string {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	subject := identityFromContext(r.Context()).Subject

	switch s.cfg.RateLimit.Discriminator {
	case "subject":
		if subject != "" {
			return subject
		}
		return ip
	case "ip_subject":
		return ip + "|" + subject
	default: // "ip"
		return ip
	}
}

// mcpRequest is the wire shape of a POST /mcp body.
type mcpRequest struct {
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args"`
	ApprovalToken   string         `json:"approvalToken,omitempty"`
	BreakGlassToken string         `json:"breakGlassToken,omitempty"`
}

// mcpResponse is the wire shape of a POST /mcp response. It mirrors
// dispatch.Response but re-shapes Err into a JSON-safe form, since
// errors.Error.Cause is an error interface that does not marshal
// predictably on its own.
type mcpResponse struct {
	TraceID    string    `json:"traceId"`
	DecisionID string    `json:"decisionId"`
	Denied     bool      `json:"denied,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Data       any       `json:"data,omitempty"`
	Err        *wireError `json:"error,omitempty"`
}

type wireError struct {
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	ConnectorID string         `json:"connectorId,omitempty"`
	Suggestion  string         `json:"suggestion,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

func toWireError(err *errors.Error) *wireError {
	if err == nil {
		return nil
	}
	return &wireError{
		Kind:        string(err.Kind),
		Message:     err.Message,
		ConnectorID: err.ConnectorID,
		Suggestion:  err.Suggestion,
		Context:     err.Context,
	}
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req mcpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeJSONError(w, http.StatusBadRequest, "tool is required")
		return
	}

	breakGlass := req.BreakGlassToken
	if header := s.cfg.BreakGlassHeader; header != "" {
		if v := r.Header.Get(header); v != "" {
			breakGlass = v
		}
	}

	resp, err := s.dispatch.Dispatch(r.Context(), dispatch.Request{
		Tool:            req.Tool,
		Traceparent:     r.Header.Get("traceparent"),
		Identity:        identityFromContext(r.Context()),
		ApprovalToken:   req.ApprovalToken,
		BreakGlassToken: breakGlass,
		Args:            req.Args,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	switch {
	case resp.Denied:
		status = http.StatusForbidden
	case resp.Err != nil:
		status = httpStatusForKind(resp.Err.Kind)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(mcpResponse{
		TraceID:    resp.TraceID,
		DecisionID: resp.DecisionID,
		Denied:     resp.Denied,
		Reason:     resp.Reason,
		Data:       resp.Data,
		Err:        toWireError(resp.Err),
	})
}

func httpStatusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindNotFound, errors.KindConnectorNotConnected:
		return http.StatusNotFound
	case errors.KindValidationError, errors.KindInvalidOptions, errors.KindSchemaMismatch, errors.KindInvalidRule:
		return http.StatusUnprocessableEntity
	case errors.KindUnsupportedOperation:
		return http.StatusMethodNotAllowed
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"authMode":      s.cfg.Auth.Mode,
		"rateLimited":   s.limiter != nil,
	})
}

// fixedWindowLimiter implements a fixed-window counter: exactly
// maxRequests are allowed in each windowSeconds-wide interval aligned to
// process-relative window boundaries, resetting hard at the boundary
// rather than smoothly refilling like a token bucket. The exact reset_at
// boundary is the property the tool server's rate-limit contract
// guarantees to callers via X-RateLimit-Reset.
type fixedWindowLimiter struct {
	mu            sync.Mutex
	windowSeconds int
	maxRequests   int
	windows       map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

type limitResult struct {
	allowed   bool
	remaining int
	resetAt   time.Time
}

func newFixedWindowLimiter(windowSeconds, maxRequests int) *fixedWindowLimiter {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &fixedWindowLimiter{
		windowSeconds: windowSeconds,
		maxRequests:   maxRequests,
		windows:       make(map[string]*window),
	}
}

func (l *fixedWindowLimiter) allow(key string) limitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(time.Duration(l.windowSeconds) * time.Second)}
		l.windows[key] = w
	}

	if w.count >= l.maxRequests {
		return limitResult{allowed: false, remaining: 0, resetAt: w.resetAt}
	}
	w.count++
	return limitResult{allowed: true, remaining: l.maxRequests - w.count, resetAt: w.resetAt}
}

// jwtKeyResolver validates a bearer token as a JWT and maps its claims to
// a policy.Identity. Claims are parsed as jwt.MapClaims rather than a
// fixed struct: tenant/roles/scopes are read out by hand (accepting
// either a JSON array or a space-delimited string for roles and scopes)
// and requiredClaims is checked for exact equality against the raw map,
// neither of which a struct with typed fields can express cleanly.
type jwtKeyResolver struct {
	algorithm      string
	secret         []byte
	publicKey      any
	issuer         string
	audience       []string
	leeway         time.Duration
	requiredClaims map[string]any
}

func newJWTKeyResolver(cfg config.JWTConfig) (jwtKeyResolver, error) {
	r := jwtKeyResolver{
		algorithm:      cfg.Algorithm,
		issuer:         cfg.Issuer,
		audience:       cfg.Audience,
		leeway:         time.Duration(cfg.ClockSkewSeconds) * time.Second,
		requiredClaims: cfg.RequiredClaims,
	}

	switch cfg.Algorithm {
	case "", "HS256":
		r.algorithm = "HS256"
		raw := os.Getenv(cfg.SecretEnv)
		if raw == "" {
			return jwtKeyResolver{}, fmt.Errorf("%s is not set", cfg.SecretEnv)
		}
		r.secret = []byte(raw)
	case "RS256":
		raw := os.Getenv(cfg.SecretEnv)
		if raw == "" {
			if cfg.PublicKeyFile == "" {
				return jwtKeyResolver{}, fmt.Errorf("RS256 requires %s or public_key_file to be set", cfg.SecretEnv)
			}
			pem, err := os.ReadFile(cfg.PublicKeyFile)
			if err != nil {
				return jwtKeyResolver{}, fmt.Errorf("reading RS256 public key file: %w", err)
			}
			raw = string(pem)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(raw))
		if err != nil {
			return jwtKeyResolver{}, fmt.Errorf("parsing RS256 public key: %w", err)
		}
		r.publicKey = pub
	default:
		return jwtKeyResolver{}, fmt.Errorf("unsupported jwt algorithm %q", cfg.Algorithm)
	}
	return r, nil
}

func (r jwtKeyResolver) parse(token string) (policy.Identity, error) {
	parser := jwt.NewParser(jwt.WithLeeway(r.leeway), jwt.WithValidMethods([]string{r.algorithm}))

	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch r.algorithm {
		case "RS256":
			return r.publicKey, nil
		default:
			return r.secret, nil
		}
	})
	if err != nil {
		return policy.Identity{}, fmt.Errorf("parsing jwt: %w", err)
	}
	if !parsed.Valid {
		return policy.Identity{}, fmt.Errorf("jwt is not valid")
	}

	issuer, _ := claims.GetIssuer()
	if r.issuer != "" && issuer != r.issuer {
		return policy.Identity{}, fmt.Errorf("unexpected issuer %q", issuer)
	}
	audience, _ := claims.GetAudience()
	if len(r.audience) > 0 && !audienceMatches(audience, r.audience) {
		return policy.Identity{}, fmt.Errorf("token audience does not match any configured audience")
	}
	for name, want := range r.requiredClaims {
		got, ok := claims[name]
		if !ok || !claimValueEqual(got, want) {
			return policy.Identity{}, fmt.Errorf("required claim %q not satisfied", name)
		}
	}

	subject, _ := claims.GetSubject()
	tenant, _ := claims["tenant"].(string)
	return policy.Identity{
		Subject: subject,
		Tenant:  tenant,
		Roles:   stringOrList(claims["roles"]),
		Scopes:  stringOrList(claims["scopes"]),
	}, nil
}

// stringOrList reads a claim that spec.md permits as either a JSON array
// of strings or a single space-delimited string.
func stringOrList(v any) []string {
	switch value := v.(type) {
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(value)
	default:
		return nil
	}
}

// claimValueEqual checks required-claim equality by comparing each side's
// JSON encoding, so a YAML-configured int and a JSON-decoded float64 that
// represent the same value compare equal while still requiring an exact
// match of type-appropriate value (strings, bools, numbers, arrays).
func claimValueEqual(got, want any) bool {
	gb, gerr := json.Marshal(got)
	wb, werr := json.Marshal(want)
	if gerr != nil || werr != nil {
		return false
	}
	return string(gb) == string(wb)
}

func audienceMatches(tokenAud []string, configured []string) bool {
	for _, want := range configured {
		for _, got := range tokenAud {
			if want == got {
				return true
			}
		}
	}
	return false
}
